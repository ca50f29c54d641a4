package worker

import (
	"context"
	stderrors "errors"
	"os"
	"time"

	"tsxstudio/internal/events"
	"tsxstudio/internal/models"
	"tsxstudio/internal/pkg/errors"
	"tsxstudio/internal/pkg/logger"
	"tsxstudio/internal/pkg/metrics"
	"tsxstudio/internal/ports"
	"tsxstudio/internal/queue"
	"tsxstudio/internal/render"
	"tsxstudio/internal/repositories"
	"tsxstudio/internal/storage"
)

type RenderDeps struct {
	Jobs     RenderStore
	Ledger   Refunder
	Pipeline RenderRunner
	Storage  storage.Provider
	URLs     storage.URLResolver
	Events   events.Publisher
	Metrics  *metrics.Metrics
	Log      *logger.Logger
}

type RenderProcessor struct {
	jobs     RenderStore
	ledger   Refunder
	pipeline RenderRunner
	storage  storage.Provider
	urls     storage.URLResolver
	events   events.Publisher
	metrics  *metrics.Metrics
	log      *logger.Logger
}

func NewRenderProcessor(d RenderDeps) *RenderProcessor {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	ev := d.Events
	if ev == nil {
		ev = events.Nop{}
	}
	return &RenderProcessor{
		jobs:     d.Jobs,
		ledger:   d.Ledger,
		pipeline: d.Pipeline,
		storage:  d.Storage,
		urls:     d.URLs,
		events:   ev,
		metrics:  d.Metrics,
		log:      log.WithComponent("render-worker"),
	}
}

func (p *RenderProcessor) Process(ctx context.Context, msg *queue.Message) error {
	var payload queue.RenderPayload
	if err := msg.Decode(&payload); err != nil || payload.JobID == "" {
		p.log.Error("dropping render message without job", "message_id", msg.ID)
		return nil
	}
	ctx = logger.ContextWithJobID(ctx, payload.JobID)
	log := p.log.FromContext(ctx).WithUserID(payload.UserID)

	job, err := p.jobs.Get(ctx, payload.JobID)
	if stderrors.Is(err, repositories.ErrJobNotFound) {
		log.Warn("render job vanished, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		log.Info("render job already terminal, skipping", "status", string(job.Status))
		if job.Status == models.StatusFailed {
			return refund(ctx, p.ledger, p.metrics, log, job.UserID, job.ID, job.Cost)
		}
		return nil
	}

	if err := p.jobs.MarkRunning(ctx, job.ID); err != nil {
		if stderrors.Is(err, repositories.ErrJobTerminal) {
			return nil
		}
		return err
	}
	started := time.Now()
	p.publish(ctx, job, events.TypeStatus, models.StatusRunning, 5, "", "")
	log.Info("render started", "attempt", msg.Attempt)

	written := 5
	onProgress := func(pr render.Progress) {
		if pr.Percent%10 != 0 || pr.Percent <= written {
			return
		}
		written = pr.Percent
		if _, err := p.jobs.UpdateProgress(ctx, job.ID, pr.Percent); err != nil {
			log.Warn("progress write failed", "progress", pr.Percent, "error", err.Error())
			return
		}
		p.publish(ctx, job, events.TypeProgress, models.StatusRunning, pr.Percent, "", "")
	}

	var outputURL string
	deliver := func(ctx context.Context, out render.Output) error {
		res, err := p.upload(ctx, job, out)
		if err != nil {
			return err
		}
		outputURL = res.OutputURL
		return p.jobs.MarkSucceeded(ctx, job.ID, res)
	}

	cfg := job.Config.WithDefaults()
	runErr := p.pipeline.Run(ctx, render.Request{JobID: job.ID, Code: payload.Code, Config: cfg}, onProgress, deliver)
	if runErr == nil {
		p.metrics.ObserveJob(events.KindRender, string(models.StatusSucceeded), started)
		p.publish(ctx, job, events.TypeStatus, models.StatusSucceeded, 100, outputURL, "")
		log.Info("render succeeded", "duration_ms", time.Since(started).Milliseconds())
		return nil
	}

	// Shutdown: leave the message in the active list for Recover.
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if stderrors.Is(runErr, repositories.ErrJobTerminal) {
		log.Warn("render job finished elsewhere, skipping")
		return nil
	}

	message := render.FailureMessage(runErr)
	log.Error("render failed", "error", runErr.Error())
	if err := p.jobs.MarkFailed(ctx, job.ID, message); err != nil && !stderrors.Is(err, repositories.ErrJobTerminal) {
		return err
	}
	p.metrics.ObserveJob(events.KindRender, string(models.StatusFailed), started)
	p.publish(ctx, job, events.TypeStatus, models.StatusFailed, 0, "", message)
	return refund(ctx, p.ledger, p.metrics, log, job.UserID, job.ID, job.Cost)
}

func (p *RenderProcessor) upload(ctx context.Context, job *models.RenderJob, out render.Output) (models.RenderResult, error) {
	f, err := os.Open(out.Path)
	if err != nil {
		return models.RenderResult{}, errors.Wrap(err, "render.upload", "open output failed")
	}
	defer f.Close()

	put, err := p.storage.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   render.ExportKey(job.ID),
		ContentType: "video/mp4",
		Reader:      f,
		Size:        out.SizeBytes,
	})
	if err != nil {
		return models.RenderResult{}, errors.Wrap(err, "render.upload", "upload failed")
	}

	duration := out.DurationSeconds
	if duration == 0 {
		duration = job.Config.WithDefaults().DurationSeconds()
	}
	return models.RenderResult{
		OutputURL:       p.urls.Resolve(ctx, put.ObjectKey, render.DownloadPath(job.ID)),
		StorageKey:      put.ObjectKey,
		OutputSizeBytes: out.SizeBytes,
		DurationSeconds: duration,
	}, nil
}

func (p *RenderProcessor) publish(ctx context.Context, job *models.RenderJob, typ string, status models.JobStatus, progress int, url, errMsg string) {
	err := p.events.Publish(ctx, events.Event{
		Type:      typ,
		Kind:      events.KindRender,
		JobID:     job.ID,
		UserID:    job.UserID,
		Status:    status,
		Progress:  progress,
		OutputURL: url,
		Error:     errMsg,
	})
	if err != nil {
		p.log.Debug("event publish failed", "job_id", job.ID, "error", err.Error())
	}
}
