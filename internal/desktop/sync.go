package desktop

import (
	"context"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"tsxstudio/internal/models"
	"tsxstudio/internal/pkg/errors"
	"tsxstudio/internal/pkg/logger"
	"tsxstudio/internal/ports"
	"tsxstudio/internal/storage"
)

// SyncRequest is the body of POST /render/sync.
type SyncRequest struct {
	ProjectID       string           `json:"projectId"`
	StorageKey      string           `json:"storageKey"`
	Status          models.JobStatus `json:"status,omitempty"`
	DurationSeconds *float64         `json:"durationSeconds,omitempty"`
	OutputSizeBytes *int64           `json:"outputSizeBytes,omitempty"`
}

// SyncClient uploads a local render and attaches it to the project.
type SyncClient struct {
	client  *Client
	storage storage.Provider
	log     *logger.Logger
}

func NewSyncClient(client *Client, sp storage.Provider, log *logger.Logger) *SyncClient {
	if log == nil {
		log = logger.NewDefault()
	}
	return &SyncClient{client: client, storage: sp, log: log.WithComponent("sync")}
}

// SyncKey is where a local render of projectID is uploaded.
func SyncKey(projectID, localPath string) string {
	return path.Join("exports", "local", projectID, filepath.Base(localPath))
}

// Sync uploads localPath and reports it. It returns the stored object key.
func (s *SyncClient) Sync(ctx context.Context, projectID, localPath string, durationSeconds float64) (string, error) {
	const op = "desktop.sync"
	if projectID == "" {
		return "", errors.ValidationField("projectId", "project is required")
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", errors.Wrap(err, op, "open render failed")
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return "", errors.Wrap(err, op, "stat render failed")
	}

	put, err := s.storage.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   SyncKey(projectID, localPath),
		ContentType: "video/mp4",
		Reader:      f,
		Size:        st.Size(),
	})
	if err != nil {
		return "", errors.Wrap(err, op, "upload failed")
	}

	size := st.Size()
	req := SyncRequest{ProjectID: projectID, StorageKey: put.ObjectKey, OutputSizeBytes: &size}
	if durationSeconds > 0 {
		req.DurationSeconds = &durationSeconds
	}
	if err := s.client.do(ctx, http.MethodPost, "/render/sync", req, nil); err != nil {
		return put.ObjectKey, errors.Wrap(err, op, "sync request failed")
	}
	s.log.Info("render synced", "project_id", projectID, "key", put.ObjectKey, "size_bytes", size)
	return put.ObjectKey, nil
}
