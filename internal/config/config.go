// Package config assembles process settings from defaults, an optional YAML
// file and environment variables, in that order of precedence (env wins).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tsxstudio/internal/util"
)

type Role string

const (
	RoleAPI     Role = "api"
	RoleWorker  Role = "worker"
	RoleDesktop Role = "desktop"
)

type Config struct {
	Env      string         `yaml:"env"`
	Log      LogConfig      `yaml:"log"`
	HTTP     HTTPConfig     `yaml:"http"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
	Storage  StorageConfig  `yaml:"storage"`
	Worker   WorkerConfig   `yaml:"worker"`
	Desktop  DesktopConfig  `yaml:"desktop"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type HTTPConfig struct {
	Addr           string        `yaml:"addr"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	CORSOrigins    []string      `yaml:"cors_origins"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
}

type PostgresConfig struct {
	DSN         string `yaml:"dsn"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type AuthConfig struct {
	Secret   string        `yaml:"secret"`
	Issuer   string        `yaml:"issuer"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

type StorageConfig struct {
	Provider      string        `yaml:"provider"`
	PublicBaseURL string        `yaml:"public_base_url"`
	SignedURLTTL  time.Duration `yaml:"signed_url_ttl"`
	LocalRoot     string        `yaml:"local_root"`
	GDrive        GDriveConfig  `yaml:"gdrive"`
	S3            S3Config      `yaml:"s3"`
	MinIO         MinIOConfig   `yaml:"minio"`
	GCS           GCSConfig     `yaml:"gcs"`
}

type GDriveConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
	FolderID     string `yaml:"folder_id"`
}

type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type GCSConfig struct {
	Bucket          string `yaml:"bucket"`
	CredentialsFile string `yaml:"credentials_file"`
}

type WorkerConfig struct {
	RenderConcurrency     int           `yaml:"render_concurrency"`
	TranscribeConcurrency int           `yaml:"transcribe_concurrency"`
	RenderTimeout         time.Duration `yaml:"render_timeout"`
	TranscribeTimeout     time.Duration `yaml:"transcribe_timeout"`
	RendererURL           string        `yaml:"renderer_url"`
	PythonBin             string        `yaml:"python_bin"`
	TranscriberScript     string        `yaml:"transcriber_script"`
	TranscribeCost        int           `yaml:"transcribe_cost"`
}

type DesktopConfig struct {
	APIBaseURL string `yaml:"api_base_url"`
	DataDir    string `yaml:"data_dir"`
	Token      string `yaml:"token"`
}

// Default returns the settings used when nothing else is configured.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Env: "development",
		Log: LogConfig{Level: "info", Format: "json"},
		HTTP: HTTPConfig{
			Addr:           ":8080",
			MetricsAddr:    ":9090",
			CORSOrigins:    []string{"http://localhost:3000", "http://localhost:5173"},
			RequestTimeout: 60 * time.Second,
			MaxUploadBytes: 200 << 20,
		},
		Postgres: PostgresConfig{AutoMigrate: true},
		Redis:    RedisConfig{URL: "redis://localhost:6379/0"},
		Auth:     AuthConfig{Issuer: "tsxstudio", TokenTTL: 30 * 24 * time.Hour},
		Storage: StorageConfig{
			Provider:     "localfs",
			LocalRoot:    "./data/storage",
			SignedURLTTL: time.Hour,
			S3:           S3Config{Region: "auto"},
		},
		Worker: WorkerConfig{
			RenderConcurrency:     2,
			TranscribeConcurrency: 2,
			RenderTimeout:         30 * time.Minute,
			TranscribeTimeout:     15 * time.Minute,
			RendererURL:           "http://localhost:3100",
			PythonBin:             "python3",
			TranscriberScript:     "transcriber/transcribe.py",
		},
		Desktop: DesktopConfig{
			APIBaseURL: "http://localhost:8080",
			DataDir:    home + "/.tsxstudio",
		},
	}
}

// Load builds a Config. path may be empty; when it is, CONFIG_FILE is consulted.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = util.Env("CONFIG_FILE", "")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(c *Config) {
	c.Env = util.Env("APP_ENV", c.Env)
	c.Log.Level = util.Env("LOG_LEVEL", c.Log.Level)
	c.Log.Format = util.Env("LOG_FORMAT", c.Log.Format)

	c.HTTP.Addr = util.Env("HTTP_ADDR", c.HTTP.Addr)
	if port := util.Env("PORT", ""); port != "" {
		c.HTTP.Addr = ":" + port
	}
	c.HTTP.MetricsAddr = util.Env("METRICS_ADDR", c.HTTP.MetricsAddr)
	c.HTTP.CORSOrigins = util.CSVEnv("CORS_ALLOWED_ORIGINS", c.HTTP.CORSOrigins)
	c.HTTP.RequestTimeout = util.DurationEnv("HTTP_REQUEST_TIMEOUT", c.HTTP.RequestTimeout)

	c.Postgres.DSN = util.Env("DATABASE_URL", c.Postgres.DSN)
	c.Postgres.AutoMigrate = util.BoolEnv("DB_AUTO_MIGRATE", c.Postgres.AutoMigrate)
	c.Redis.URL = util.Env("REDIS_URL", c.Redis.URL)

	c.Auth.Secret = util.Env("AUTH_SECRET", c.Auth.Secret)
	c.Auth.Issuer = util.Env("AUTH_ISSUER", c.Auth.Issuer)
	c.Auth.TokenTTL = util.DurationEnv("AUTH_TOKEN_TTL", c.Auth.TokenTTL)

	s := &c.Storage
	s.Provider = util.Env("STORAGE_PROVIDER", s.Provider)
	s.PublicBaseURL = strings.TrimRight(util.Env("STORAGE_PUBLIC_BASE_URL", s.PublicBaseURL), "/")
	s.SignedURLTTL = util.DurationEnv("STORAGE_SIGNED_URL_TTL", s.SignedURLTTL)
	s.LocalRoot = util.Env("STORAGE_LOCAL_ROOT", s.LocalRoot)
	s.GDrive.ClientID = util.Env("GDRIVE_CLIENT_ID", s.GDrive.ClientID)
	s.GDrive.ClientSecret = util.Env("GDRIVE_CLIENT_SECRET", s.GDrive.ClientSecret)
	s.GDrive.RefreshToken = util.Env("GDRIVE_REFRESH_TOKEN", s.GDrive.RefreshToken)
	s.GDrive.FolderID = util.Env("GDRIVE_FOLDER_ID", s.GDrive.FolderID)
	s.S3.Bucket = util.Env("AWS_S3_BUCKET", s.S3.Bucket)
	s.S3.Region = util.Env("AWS_REGION", s.S3.Region)
	s.S3.Endpoint = util.Env("AWS_S3_ENDPOINT", s.S3.Endpoint)
	s.S3.AccessKey = util.Env("AWS_ACCESS_KEY_ID", s.S3.AccessKey)
	s.S3.SecretKey = util.Env("AWS_SECRET_ACCESS_KEY", s.S3.SecretKey)
	s.S3.UsePathStyle = util.BoolEnv("AWS_S3_PATH_STYLE", s.S3.UsePathStyle)
	s.MinIO.Endpoint = util.Env("MINIO_ENDPOINT", s.MinIO.Endpoint)
	s.MinIO.AccessKey = util.Env("MINIO_ACCESS_KEY", s.MinIO.AccessKey)
	s.MinIO.SecretKey = util.Env("MINIO_SECRET_KEY", s.MinIO.SecretKey)
	s.MinIO.Bucket = util.Env("MINIO_BUCKET", s.MinIO.Bucket)
	s.MinIO.UseSSL = util.BoolEnv("MINIO_USE_SSL", s.MinIO.UseSSL)
	s.GCS.Bucket = util.Env("GCS_BUCKET", s.GCS.Bucket)
	s.GCS.CredentialsFile = util.Env("GOOGLE_APPLICATION_CREDENTIALS", s.GCS.CredentialsFile)

	w := &c.Worker
	w.RenderConcurrency = util.IntEnv("RENDER_CONCURRENCY", w.RenderConcurrency)
	w.TranscribeConcurrency = util.IntEnv("TRANSCRIBE_CONCURRENCY", w.TranscribeConcurrency)
	w.RenderTimeout = util.DurationEnv("RENDER_TIMEOUT", w.RenderTimeout)
	w.TranscribeTimeout = util.DurationEnv("TRANSCRIBE_TIMEOUT", w.TranscribeTimeout)
	w.RendererURL = util.Env("RENDERER_BASE_URL", w.RendererURL)
	w.PythonBin = util.Env("PYTHON_BIN", w.PythonBin)
	w.TranscriberScript = util.Env("TRANSCRIBER_SCRIPT", w.TranscriberScript)
	w.TranscribeCost = util.IntEnv("TRANSCRIBE_COST", w.TranscribeCost)

	c.Desktop.APIBaseURL = strings.TrimRight(util.Env("TSX_API_URL", c.Desktop.APIBaseURL), "/")
	c.Desktop.DataDir = util.Env("TSX_DATA_DIR", c.Desktop.DataDir)
	c.Desktop.Token = util.Env("TSX_TOKEN", c.Desktop.Token)
}

// Validate reports every missing setting required by role.
func (c Config) Validate(role Role) error {
	var missing []string
	need := func(v, name string) {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}

	switch role {
	case RoleAPI, RoleWorker:
		need(c.Postgres.DSN, "DATABASE_URL")
		need(c.Redis.URL, "REDIS_URL")
		if role == RoleAPI {
			need(c.Auth.Secret, "AUTH_SECRET")
		}
		missing = append(missing, c.Storage.missing()...)
	case RoleDesktop:
		need(c.Desktop.APIBaseURL, "TSX_API_URL")
		need(c.Desktop.DataDir, "TSX_DATA_DIR")
	default:
		return fmt.Errorf("unknown role %q", role)
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required settings for %s: %s", role, strings.Join(missing, ", "))
	}
	return nil
}

func (s StorageConfig) missing() []string {
	var out []string
	need := func(v, name string) {
		if strings.TrimSpace(v) == "" {
			out = append(out, name)
		}
	}

	switch s.Provider {
	case "localfs":
		need(s.LocalRoot, "STORAGE_LOCAL_ROOT")
	case "gdrive":
		need(s.GDrive.ClientID, "GDRIVE_CLIENT_ID")
		need(s.GDrive.ClientSecret, "GDRIVE_CLIENT_SECRET")
		need(s.GDrive.RefreshToken, "GDRIVE_REFRESH_TOKEN")
	case "s3":
		need(s.S3.Bucket, "AWS_S3_BUCKET")
	case "minio":
		need(s.MinIO.Endpoint, "MINIO_ENDPOINT")
		need(s.MinIO.Bucket, "MINIO_BUCKET")
	case "gcs":
		need(s.GCS.Bucket, "GCS_BUCKET")
	default:
		out = append(out, "STORAGE_PROVIDER (unknown: "+s.Provider+")")
	}
	return out
}
