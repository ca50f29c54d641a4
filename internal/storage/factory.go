package storage

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"tsxstudio/internal/adapters/storage/gcs"
	"tsxstudio/internal/adapters/storage/gdrive"
	"tsxstudio/internal/adapters/storage/localfs"
	"tsxstudio/internal/adapters/storage/minio"
	"tsxstudio/internal/adapters/storage/s3"
	"tsxstudio/internal/config"
)

// NewProvider builds the provider selected by cfg.Provider. Providers that
// hold connections implement io.Closer.
func NewProvider(ctx context.Context, cfg config.StorageConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "localfs":
		return localfs.New(cfg.LocalRoot), nil

	case "gdrive":
		return newGDriveProvider(ctx, cfg.GDrive)

	case "s3":
		return s3.New(s3.Config{
			Bucket:       cfg.S3.Bucket,
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			AccessKey:    cfg.S3.AccessKey,
			SecretKey:    cfg.S3.SecretKey,
			UsePathStyle: cfg.S3.UsePathStyle,
		}), nil

	case "minio":
		return minio.New(ctx, minio.Config{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			UseSSL:    cfg.MinIO.UseSSL,
		})

	case "gcs":
		return gcs.New(ctx, cfg.GCS.Bucket, cfg.GCS.CredentialsFile)

	default:
		return nil, fmt.Errorf("unknown storage provider: %s", cfg.Provider)
	}
}

// DriveOAuthConfig is shared with cmd/gdrive-auth, which mints the refresh token.
func DriveOAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
	}
}

func newGDriveProvider(ctx context.Context, cfg config.GDriveConfig) (Provider, error) {
	conf := DriveOAuthConfig(cfg.ClientID, cfg.ClientSecret)
	tok := &oauth2.Token{RefreshToken: cfg.RefreshToken}
	httpClient := conf.Client(context.Background(), tok)

	srv, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, err
	}
	return gdrive.NewClient(srv, cfg.FolderID), nil
}
