// Package gcs stores objects in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"tsxstudio/internal/ports"
)

type Client struct {
	client *storage.Client
	bucket string
}

// New builds a client from a service account file, or from application
// default credentials when credentialsFile is empty.
func New(ctx context.Context, bucket, credentialsFile string) (*Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage.NewClient: %w", err)
	}
	return &Client{client: client, bucket: bucket}, nil
}

func (c *Client) Provider() string { return "gcs" }

func (c *Client) Close() error { return c.client.Close() }

func (c *Client) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	if in.ObjectKey == "" {
		return ports.PutObjectOutput{}, fmt.Errorf("object_key is required")
	}

	wc := c.client.Bucket(c.bucket).Object(in.ObjectKey).NewWriter(ctx)
	wc.ContentType = in.ContentType

	n, err := io.Copy(wc, in.Reader)
	if err != nil {
		_ = wc.Close()
		return ports.PutObjectOutput{}, fmt.Errorf("io.Copy: %w", err)
	}
	if err := wc.Close(); err != nil {
		return ports.PutObjectOutput{}, fmt.Errorf("Writer.Close: %w", err)
	}
	return ports.PutObjectOutput{ObjectKey: in.ObjectKey, Size: n}, nil
}

func (c *Client) GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error) {
	r, err := c.client.Bucket(c.bucket).Object(objectKey).NewReader(ctx)
	if err != nil {
		return nil, "", 0, mapErr(err)
	}
	return r, r.Attrs.ContentType, r.Attrs.Size, nil
}

func (c *Client) DeleteObject(ctx context.Context, objectKey string) error {
	return mapErr(c.client.Bucket(c.bucket).Object(objectKey).Delete(ctx))
}

// GetSignedURL needs credentials able to sign (a service account key).
func (c *Client) GetSignedURL(ctx context.Context, objectKey string, expiresIn time.Duration) (ports.SignedURLOutput, error) {
	expires := time.Now().UTC().Add(expiresIn)
	u, err := c.client.Bucket(c.bucket).SignedURL(objectKey, &storage.SignedURLOptions{
		Method:  "GET",
		Expires: expires,
		Scheme:  storage.SigningSchemeV4,
	})
	if err != nil {
		return ports.SignedURLOutput{}, err
	}
	return ports.SignedURLOutput{URL: u, ExpiresAt: expires}, nil
}

func mapErr(err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ports.ErrObjectNotFound
	}
	return err
}
