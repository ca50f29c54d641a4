package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Worker.RenderConcurrency)
	assert.Equal(t, 2, cfg.Worker.TranscribeConcurrency)
	assert.Equal(t, 15*time.Minute, cfg.Worker.TranscribeTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Worker.RenderTimeout)
	assert.Equal(t, int64(200<<20), cfg.HTTP.MaxUploadBytes)
	assert.Equal(t, "localfs", cfg.Storage.Provider)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tsx.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
postgres:
  dsn: postgres://file
worker:
  render_concurrency: 4
  render_timeout: 10m
storage:
  provider: s3
  s3:
    bucket: from-file
`), 0o600))

	t.Setenv("AWS_S3_BUCKET", "from-env")
	t.Setenv("PORT", "9999")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://file", cfg.Postgres.DSN)
	assert.Equal(t, 4, cfg.Worker.RenderConcurrency)
	assert.Equal(t, 10*time.Minute, cfg.Worker.RenderTimeout)
	assert.Equal(t, "from-env", cfg.Storage.S3.Bucket)
	assert.Equal(t, ":9999", cfg.HTTP.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()

	err := cfg.Validate(RoleAPI)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
	assert.Contains(t, err.Error(), "AUTH_SECRET")

	cfg.Postgres.DSN = "postgres://x"
	cfg.Auth.Secret = "secret"
	assert.NoError(t, cfg.Validate(RoleAPI))
	assert.NoError(t, cfg.Validate(RoleWorker))

	cfg.Storage.Provider = "minio"
	err = cfg.Validate(RoleWorker)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MINIO_ENDPOINT")

	assert.NoError(t, cfg.Validate(RoleDesktop))
	assert.Error(t, cfg.Validate(Role("nope")))
}
