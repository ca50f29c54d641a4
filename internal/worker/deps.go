package worker

import (
	"context"

	"github.com/redis/go-redis/v9"

	"tsxstudio/internal/models"
	"tsxstudio/internal/pkg/logger"
	"tsxstudio/internal/pkg/metrics"
	"tsxstudio/internal/queue"
	"tsxstudio/internal/render"
)

// Deps wires the worker process. Clients are built in cmd/worker.
type Deps struct {
	RDB     *redis.Client
	Log     *logger.Logger
	Metrics *metrics.Metrics

	Render                *RenderProcessor
	Transcribe            *TranscribeProcessor
	RenderConcurrency     int
	TranscribeConcurrency int

	// Name prefixes consumer names; it must be stable across restarts of the
	// same host so Recover finds the previous process's in-flight messages.
	Name string
}

// Processor handles one delivery. It returns an error only when the job could
// not be brought to a terminal state, which makes the message eligible for retry.
type Processor interface {
	Process(ctx context.Context, msg *queue.Message) error
}

type RenderStore interface {
	Get(ctx context.Context, id string) (*models.RenderJob, error)
	MarkRunning(ctx context.Context, id string) error
	UpdateProgress(ctx context.Context, id string, progress int) (bool, error)
	MarkSucceeded(ctx context.Context, id string, res models.RenderResult) error
	MarkFailed(ctx context.Context, id, message string) error
}

type TranscriptionStore interface {
	Get(ctx context.Context, id string) (*models.TranscriptionJob, error)
	MarkRunning(ctx context.Context, id string) error
	UpdateProgress(ctx context.Context, id string, progress int) (bool, error)
	MarkSucceeded(ctx context.Context, id string, jsonOutput []byte, durationSeconds float64) error
	MarkFailed(ctx context.Context, id, message string) error
}

type Refunder interface {
	Refund(ctx context.Context, userID, jobID string, cost int) (bool, error)
}

// RenderRunner is satisfied by *render.Pipeline.
type RenderRunner interface {
	Run(ctx context.Context, req render.Request, onProgress func(render.Progress), deliver render.DeliverFunc) error
}
