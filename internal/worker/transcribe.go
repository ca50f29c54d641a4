package worker

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tsxstudio/internal/engine"
	"tsxstudio/internal/events"
	"tsxstudio/internal/models"
	"tsxstudio/internal/pkg/errors"
	"tsxstudio/internal/pkg/logger"
	"tsxstudio/internal/pkg/metrics"
	"tsxstudio/internal/queue"
	"tsxstudio/internal/repositories"
	"tsxstudio/internal/storage"
	"tsxstudio/internal/transcript"
)

type TranscribeDeps struct {
	Jobs       TranscriptionStore
	Ledger     Refunder
	Recognizer engine.Recognizer
	Storage    storage.Provider
	Dictionary transcript.Dictionary
	Events     events.Publisher
	Metrics    *metrics.Metrics
	Log        *logger.Logger
	TempDir    string
}

type TranscribeProcessor struct {
	jobs       TranscriptionStore
	ledger     Refunder
	recognizer engine.Recognizer
	storage    storage.Provider
	dict       transcript.Dictionary
	events     events.Publisher
	metrics    *metrics.Metrics
	log        *logger.Logger
	tempDir    string
}

func NewTranscribeProcessor(d TranscribeDeps) *TranscribeProcessor {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	ev := d.Events
	if ev == nil {
		ev = events.Nop{}
	}
	dict := d.Dictionary
	if dict == nil {
		dict = transcript.HindiTech
	}
	return &TranscribeProcessor{
		jobs:       d.Jobs,
		ledger:     d.Ledger,
		recognizer: d.Recognizer,
		storage:    d.Storage,
		dict:       dict,
		events:     ev,
		metrics:    d.Metrics,
		log:        log.WithComponent("transcribe-worker"),
		tempDir:    d.TempDir,
	}
}

func (p *TranscribeProcessor) Process(ctx context.Context, msg *queue.Message) error {
	var payload queue.TranscriptionPayload
	if err := msg.Decode(&payload); err != nil || payload.JobID == "" {
		p.log.Error("dropping transcription message without job", "message_id", msg.ID)
		return nil
	}
	ctx = logger.ContextWithJobID(ctx, payload.JobID)
	log := p.log.FromContext(ctx).WithUserID(payload.UserID)

	job, err := p.jobs.Get(ctx, payload.JobID)
	if stderrors.Is(err, repositories.ErrJobNotFound) {
		log.Warn("transcription job vanished, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		log.Info("transcription job already terminal, skipping", "status", string(job.Status))
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
	p.publish(ctx, job, events.TypeStatus, models.StatusRunning, 5, "")
	log.Info("transcription started", "model", job.Model, "language", job.Language, "attempt", msg.Attempt)

	tr, runErr := p.run(ctx, job, log)
	if runErr == nil {
		var data []byte
		data, runErr = tr.Encode()
		if runErr == nil {
			runErr = p.jobs.MarkSucceeded(ctx, job.ID, data, tr.Duration)
		}
	}
	if runErr == nil {
		p.metrics.ObserveJob(events.KindTranscription, string(models.StatusSucceeded), started)
		p.publish(ctx, job, events.TypeStatus, models.StatusSucceeded, 100, "")
		log.Info("transcription succeeded", "segments", len(tr.Segments), "duration_ms", time.Since(started).Milliseconds())
		return nil
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if stderrors.Is(runErr, repositories.ErrJobTerminal) {
		return nil
	}

	message := errors.Message(runErr)
	log.Error("transcription failed", "error", runErr.Error())
	if err := p.jobs.MarkFailed(ctx, job.ID, message); err != nil && !stderrors.Is(err, repositories.ErrJobTerminal) {
		return err
	}
	p.metrics.ObserveJob(events.KindTranscription, string(models.StatusFailed), started)
	p.publish(ctx, job, events.TypeStatus, models.StatusFailed, 0, message)
	return refund(ctx, p.ledger, p.metrics, log, job.UserID, job.ID, job.Cost)
}

// run downloads the media into a scoped temp dir, recognizes and normalizes it.
func (p *TranscribeProcessor) run(ctx context.Context, job *models.TranscriptionJob, log *logger.Logger) (transcript.Transcript, error) {
	dir, err := os.MkdirTemp(p.tempDir, "tsx-transcribe-")
	if err != nil {
		return transcript.Transcript{}, errors.Wrap(err, "transcribe.workspace", "create temp dir failed")
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("temp cleanup failed", "dir", dir, "error", err.Error())
		}
	}()

	input := filepath.Join(dir, "input"+strings.ToLower(filepath.Ext(job.FileName)))
	if err := p.download(ctx, job.StorageKey, input); err != nil {
		return transcript.Transcript{}, err
	}

	opts := job.Options()
	written := 5
	return transcript.Run(ctx, p.recognizer, transcript.Request{
		InputPath:    input,
		OutputPath:   filepath.Join(dir, "output.json"),
		Model:        opts.Model,
		LanguageMode: opts.LanguageMode,
		Prompt:       opts.Prompt,
	}, p.dict, func(percent int) {
		if percent%10 != 0 || percent <= written || percent >= 100 {
			return
		}
		written = percent
		if _, err := p.jobs.UpdateProgress(ctx, job.ID, percent); err != nil {
			log.Warn("progress write failed", "progress", percent, "error", err.Error())
			return
		}
		p.publish(ctx, job, events.TypeProgress, models.StatusRunning, percent, "")
	})
}

func (p *TranscribeProcessor) download(ctx context.Context, key, dst string) error {
	rc, _, _, err := p.storage.GetObject(ctx, key)
	if err != nil {
		return errors.Wrap(err, "transcribe.download", "media download failed")
	}
	defer rc.Close()

	f, err := os.Create(dst)
	if err != nil {
		return errors.Wrap(err, "transcribe.download", "create media file failed")
	}
	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "transcribe.download", "media download failed")
	}
	return f.Close()
}

func (p *TranscribeProcessor) publish(ctx context.Context, job *models.TranscriptionJob, typ string, status models.JobStatus, progress int, errMsg string) {
	err := p.events.Publish(ctx, events.Event{
		Type:     typ,
		Kind:     events.KindTranscription,
		JobID:    job.ID,
		UserID:   job.UserID,
		Status:   status,
		Progress: progress,
		Error:    errMsg,
	})
	if err != nil {
		p.log.Debug("event publish failed", "job_id", job.ID, "error", err.Error())
	}
}
