// Package minio stores objects in a MinIO bucket.
package minio

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"tsxstudio/internal/ports"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type Client struct {
	client *minio.Client
	bucket string
}

// New connects and creates the bucket when it does not exist yet.
func New(ctx context.Context, cfg Config) (*Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &Client{client: client, bucket: cfg.Bucket}, nil
}

func (c *Client) Provider() string { return "minio" }

func (c *Client) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	if in.ObjectKey == "" {
		return ports.PutObjectOutput{}, fmt.Errorf("object_key is required")
	}

	size := in.Size
	if size <= 0 {
		size = -1
	}
	contentType := in.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	info, err := c.client.PutObject(ctx, c.bucket, in.ObjectKey, in.Reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return ports.PutObjectOutput{}, fmt.Errorf("failed to upload file to MinIO: %w", err)
	}
	return ports.PutObjectOutput{ObjectKey: in.ObjectKey, Size: info.Size}, nil
}

func (c *Client) GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error) {
	obj, err := c.client.GetObject(ctx, c.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", 0, mapErr(err)
	}
	// GetObject is lazy; Stat surfaces a missing key.
	st, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, "", 0, mapErr(err)
	}
	return obj, st.ContentType, st.Size, nil
}

func (c *Client) DeleteObject(ctx context.Context, objectKey string) error {
	return mapErr(c.client.RemoveObject(ctx, c.bucket, objectKey, minio.RemoveObjectOptions{}))
}

func (c *Client) GetSignedURL(ctx context.Context, objectKey string, expiresIn time.Duration) (ports.SignedURLOutput, error) {
	u, err := c.client.PresignedGetObject(ctx, c.bucket, objectKey, expiresIn, url.Values{})
	if err != nil {
		return ports.SignedURLOutput{}, fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return ports.SignedURLOutput{URL: u.String(), ExpiresAt: time.Now().UTC().Add(expiresIn)}, nil
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return ports.ErrObjectNotFound
	}
	return err
}
