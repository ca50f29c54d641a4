// Package handlers implements the HTTP routes of the API: projects, render
// and transcription admission, desktop reconciliation and credits.
package handlers

import (
	"context"
	"time"

	"tsxstudio/internal/db"
	"tsxstudio/internal/events"
	"tsxstudio/internal/ledger"
	"tsxstudio/internal/models"
	"tsxstudio/internal/pkg/logger"
	"tsxstudio/internal/pkg/metrics"
	"tsxstudio/internal/queue"
	"tsxstudio/internal/storage"
)

type Ledger interface {
	Admit(ctx context.Context, userID string, cost int, jobID string, create ledger.CreateFunc) (int, error)
	Refund(ctx context.Context, userID, jobID string, cost int) (bool, error)
	Balance(ctx context.Context, userID string) (models.Entitlement, error)
	History(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error)
	SignupGrant(ctx context.Context, userID, referrerID string) (bool, error)
}

type ProjectStore interface {
	Create(ctx context.Context, p *models.Project, first *models.ProjectVersion) error
	List(ctx context.Context, userID string) ([]models.Project, error)
	Get(ctx context.Context, id, userID string) (*models.Project, error)
	CreateVersion(ctx context.Context, v *models.ProjectVersion) error
	GetVersion(ctx context.Context, projectID, versionID string) (*models.ProjectVersion, error)
	ListVersions(ctx context.Context, projectID string) ([]models.ProjectVersion, error)
}

type RenderJobStore interface {
	Create(ctx context.Context, q db.Querier, j *models.RenderJob) error
	Get(ctx context.Context, id string) (*models.RenderJob, error)
	ListByUser(ctx context.Context, userID, projectID string, limit int) ([]models.RenderJob, error)
	MarkRunning(ctx context.Context, id string) error
	UpdateProgress(ctx context.Context, id string, progress int) (bool, error)
	MarkSucceeded(ctx context.Context, id string, res models.RenderResult) error
	MarkFailed(ctx context.Context, id, message string) error
	LatestLocalReady(ctx context.Context, userID, projectID string) (*models.RenderJob, error)
	AttachLocalResult(ctx context.Context, id string, status models.JobStatus, res models.RenderResult) error
}

type TranscriptionJobStore interface {
	Create(ctx context.Context, q db.Querier, j *models.TranscriptionJob) error
	Get(ctx context.Context, id string) (*models.TranscriptionJob, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]models.TranscriptionJob, error)
	Delete(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, message string) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload any, opts *queue.Options) (*queue.Message, error)
}

type TokenIssuer interface {
	Issue(userID string) (string, error)
}

// Check is a named dependency check for /health?deep=true.
type Check func(ctx context.Context) error

type Deps struct {
	Log            *logger.Logger
	Metrics        *metrics.Metrics
	Ledger         Ledger
	Projects       ProjectStore
	Renders        RenderJobStore
	Transcriptions TranscriptionJobStore
	Queue          Enqueuer
	Storage        storage.Provider
	URLs           storage.URLResolver
	Tokens         TokenIssuer
	Events         events.Publisher
	Checks         map[string]Check

	MaxUploadBytes int64
	TranscribeCost int
	DeepLinkScheme string
	Version        string
}

type Handler struct {
	log            *logger.Logger
	metrics        *metrics.Metrics
	ledger         Ledger
	projects       ProjectStore
	renders        RenderJobStore
	transcriptions TranscriptionJobStore
	queue          Enqueuer
	storage        storage.Provider
	urls           storage.URLResolver
	tokens         TokenIssuer
	events         events.Publisher
	checks         map[string]Check

	maxUploadBytes int64
	transcribeCost int
	deepLinkScheme string
	version        string
	now            func() time.Time
}

const defaultMaxUpload = 200 << 20

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	pub := d.Events
	if pub == nil {
		pub = events.Nop{}
	}
	maxUpload := d.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUpload
	}
	scheme := d.DeepLinkScheme
	if scheme == "" {
		scheme = "tsx-studio"
	}
	version := d.Version
	if version == "" {
		version = "dev"
	}
	return &Handler{
		log:            log.WithComponent("api"),
		metrics:        d.Metrics,
		ledger:         d.Ledger,
		projects:       d.Projects,
		renders:        d.Renders,
		transcriptions: d.Transcriptions,
		queue:          d.Queue,
		storage:        d.Storage,
		urls:           d.URLs,
		tokens:         d.Tokens,
		events:         pub,
		checks:         d.Checks,
		maxUploadBytes: maxUpload,
		transcribeCost: d.TranscribeCost,
		deepLinkScheme: scheme,
		version:        version,
		now:            time.Now,
	}
}

func (h *Handler) publish(ctx context.Context, ev events.Event) {
	ev.At = h.now().UTC()
	if err := h.events.Publish(ctx, ev); err != nil {
		h.log.FromContext(ctx).Warn("publish event failed", "job_id", ev.JobID, "error", err.Error())
	}
}
