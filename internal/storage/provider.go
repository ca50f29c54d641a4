package storage

import (
	"context"
	"strings"
	"time"

	"tsxstudio/internal/pkg/logger"
	"tsxstudio/internal/ports"
)

// Provider is the storage contract used across API, worker and desktop.
// It is an alias to ports.StorageProvider to keep call-sites simple.
type Provider = ports.StorageProvider

// URLResolver turns a stored object key into the URL recorded on a job.
type URLResolver struct {
	Provider      Provider
	PublicBaseURL string
	SignedURLTTL  time.Duration
	Log           *logger.Logger
}

// Resolve prefers PublicBaseURL + key, then a signed URL, then fallback
// (the API download route).
func (r URLResolver) Resolve(ctx context.Context, key, fallback string) string {
	if r.PublicBaseURL != "" {
		return strings.TrimRight(r.PublicBaseURL, "/") + "/" + strings.TrimLeft(key, "/")
	}
	if r.Provider != nil && r.SignedURLTTL > 0 {
		out, err := r.Provider.GetSignedURL(ctx, key, r.SignedURLTTL)
		if err == nil && out.URL != "" {
			return out.URL
		}
		if err != nil && r.Log != nil {
			r.Log.Warn("signed url failed, using fallback", "key", key, "error", err.Error())
		}
	}
	return fallback
}
