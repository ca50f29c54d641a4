package desktop

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tsxstudio/internal/engine"
	"tsxstudio/internal/models"
	"tsxstudio/internal/pkg/errors"
	"tsxstudio/internal/pkg/logger"
	"tsxstudio/internal/ports"
	"tsxstudio/internal/render"
	"tsxstudio/internal/storage"
	"tsxstudio/internal/transcript"
)

const (
	defaultLocalModel    = "base"
	defaultLocalLanguage = "en"
)

// RenderRunner is satisfied by *render.Pipeline.
type RenderRunner interface {
	Run(ctx context.Context, req render.Request, onProgress func(render.Progress), deliver render.DeliverFunc) error
}

type ExecutorDeps struct {
	Pipeline   RenderRunner
	Recognizer engine.Recognizer
	Dictionary transcript.Dictionary
	// Reporter and Uploader are optional; without them server jobs are not
	// reconciled and exports stay local.
	Reporter   *Reporter
	Uploader   storage.Provider
	History    *History
	RendersDir string
	TempDir    string
	Log        *logger.Logger
}

// Executor runs render and transcription work on this machine.
type Executor struct {
	pipeline   RenderRunner
	recognizer engine.Recognizer
	dict       transcript.Dictionary
	reporter   *Reporter
	uploader   storage.Provider
	history    *History
	rendersDir string
	tempDir    string
	log        *logger.Logger
	now        func() time.Time
}

func NewExecutor(d ExecutorDeps) *Executor {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	dict := d.Dictionary
	if dict == nil {
		dict = transcript.HindiTech
	}
	return &Executor{
		pipeline:   d.Pipeline,
		recognizer: d.Recognizer,
		dict:       dict,
		reporter:   d.Reporter,
		uploader:   d.Uploader,
		history:    d.History,
		rendersDir: d.RendersDir,
		tempDir:    d.TempDir,
		log:        log.WithComponent("desktop"),
		now:        time.Now,
	}
}

type RenderOptions struct {
	// JobID is set when the API admitted the render; progress and the final
	// state are then reported back.
	JobID     string
	ProjectID string
	Code      string
	Config    models.RenderConfig
}

type RenderOutcome struct {
	Success         bool    `json:"success"`
	Path            string  `json:"path,omitempty"`
	StorageKey      string  `json:"storageKey,omitempty"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// RenderProject starts a local render and returns immediately.
func (e *Executor) RenderProject(ctx context.Context, opts RenderOptions) *Invocation[RenderOutcome] {
	inv := newInvocation[RenderOutcome]()
	go func() {
		inv.finish(e.renderProject(ctx, opts, inv))
	}()
	return inv
}

func (e *Executor) renderProject(ctx context.Context, opts RenderOptions, inv *Invocation[RenderOutcome]) RenderOutcome {
	started := e.now()
	cfg := opts.Config.WithDefaults()
	log := e.log.WithFields(map[string]any{"project_id": opts.ProjectID, "job_id": opts.JobID})

	runID := opts.JobID
	if runID == "" {
		runID = "local-" + opts.ProjectID
	}

	e.report(ctx, Update{JobID: opts.JobID, Status: models.StatusRunning})
	inv.logf("Writing project files...")

	var out RenderOutcome
	lastReported, stage := 0, ""
	err := e.pipeline.Run(ctx, render.Request{JobID: runID, Code: opts.Code, Config: cfg}, func(p render.Progress) {
		if p.Stage != stage {
			stage = p.Stage
			switch stage {
			case render.StageBundling:
				inv.logf("Bundling project...")
			case render.StageRendering:
				inv.logf("Rendering frames...")
			}
		}
		inv.progress(p.Percent)
		if p.Percent%10 == 0 && p.Percent > lastReported {
			lastReported = p.Percent
			pct := p.Percent
			e.report(ctx, Update{JobID: opts.JobID, Status: models.StatusRunning, Progress: &pct})
		}
	}, func(ctx context.Context, o render.Output) error {
		dst, err := e.keep(o.Path, opts.ProjectID)
		if err != nil {
			return err
		}
		duration := o.DurationSeconds
		if duration <= 0 {
			duration = cfg.DurationSeconds()
		}
		out = RenderOutcome{Success: true, Path: dst, DurationSeconds: duration}
		if opts.JobID != "" && e.uploader != nil {
			inv.logf("Uploading render...")
			key, err := e.upload(ctx, dst, render.ExportKey(opts.JobID))
			if err != nil {
				return err
			}
			out.StorageKey = key
		}

		size := o.SizeBytes
		e.report(ctx, Update{
			JobID:           opts.JobID,
			Status:          models.StatusSucceeded,
			StorageKey:      out.StorageKey,
			DurationSeconds: &out.DurationSeconds,
			OutputSizeBytes: &size,
		})
		return nil
	})
	if err != nil {
		msg := render.FailureMessage(err)
		log.Error("local render failed", "error", err.Error())
		e.report(ctx, Update{JobID: opts.JobID, Status: models.StatusFailed, ErrorMessage: msg})
		out = RenderOutcome{Error: msg}
	} else {
		inv.progress(100)
		log.Info("local render finished", "path", out.Path)
	}

	e.record(ctx, Run{
		Kind: RunRender, JobID: opts.JobID, Source: opts.ProjectID, Output: out.Path,
		Success: out.Success, Error: out.Error, StartedAt: started, FinishedAt: e.now(),
	})
	return out
}

// keep copies the rendered file out of the pipeline workspace, which is
// removed when the pipeline returns.
func (e *Executor) keep(src, projectID string) (string, error) {
	if err := os.MkdirAll(e.rendersDir, 0o755); err != nil {
		return "", errors.Wrap(err, "desktop.render", "create renders dir failed")
	}
	dst := filepath.Join(e.rendersDir, fmt.Sprintf("render-%s-%d.mp4", projectID, e.now().UnixMilli()))
	if err := copyFile(src, dst); err != nil {
		return "", errors.Wrap(err, "desktop.render", "save render failed")
	}
	return dst, nil
}

func (e *Executor) upload(ctx context.Context, localPath, key string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return "", err
	}
	put, err := e.uploader.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   key,
		ContentType: "video/mp4",
		Reader:      f,
		Size:        st.Size(),
	})
	if err != nil {
		return "", errors.Wrap(err, "desktop.upload", "upload failed")
	}
	return put.ObjectKey, nil
}

func (e *Executor) report(ctx context.Context, u Update) {
	if u.JobID == "" || e.reporter == nil {
		return
	}
	if err := e.reporter.Report(ctx, u); err != nil {
		e.log.WithJobID(u.JobID).Warn("report failed", "status", string(u.Status), "error", err.Error())
	}
}

func (e *Executor) record(ctx context.Context, r Run) {
	if e.history == nil {
		return
	}
	if err := e.history.Record(context.WithoutCancel(ctx), &r); err != nil {
		e.log.Warn("history write failed", "kind", r.Kind, "error", err.Error())
	}
}

type TranscribeOptions struct {
	FilePath string
	Model    string
	Language string
	Prompt   string
}

type TranscribeOutcome struct {
	Success       bool                   `json:"success"`
	Transcription *transcript.Transcript `json:"transcription,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

// TranscribeMedia starts a local transcription. It never talks to the API.
func (e *Executor) TranscribeMedia(ctx context.Context, opts TranscribeOptions) *Invocation[TranscribeOutcome] {
	inv := newInvocation[TranscribeOutcome]()
	go func() {
		inv.finish(e.transcribeMedia(ctx, opts, inv))
	}()
	return inv
}

func (e *Executor) transcribeMedia(ctx context.Context, opts TranscribeOptions, inv *Invocation[TranscribeOutcome]) TranscribeOutcome {
	started := e.now()
	if opts.Model == "" {
		opts.Model = defaultLocalModel
	}
	if opts.Language == "" {
		opts.Language = defaultLocalLanguage
	}

	tr, err := e.transcribe(ctx, opts, inv)
	out := TranscribeOutcome{Success: err == nil}
	if err != nil {
		out.Error = errors.Message(err)
		e.log.Error("local transcription failed", "file", opts.FilePath, "error", err.Error())
	} else {
		out.Transcription = &tr
		inv.progress(100)
	}

	e.record(ctx, Run{
		Kind: RunTranscribe, Source: opts.FilePath, Success: out.Success, Error: out.Error,
		StartedAt: started, FinishedAt: e.now(),
	})
	return out
}

func (e *Executor) transcribe(ctx context.Context, opts TranscribeOptions, inv *Invocation[TranscribeOutcome]) (transcript.Transcript, error) {
	if _, err := os.Stat(opts.FilePath); err != nil {
		return transcript.Transcript{}, errors.Wrap(err, "desktop.transcribe", "media file not readable")
	}
	dir, err := os.MkdirTemp(e.tempDir, "tsx-local-")
	if err != nil {
		return transcript.Transcript{}, errors.Wrap(err, "desktop.transcribe", "create temp dir failed")
	}
	defer os.RemoveAll(dir)

	inv.logf("Transcribing %s with model %s (%s)", filepath.Base(opts.FilePath), opts.Model, strings.ToLower(opts.Language))
	return transcript.Run(ctx, e.recognizer, transcript.Request{
		InputPath:    opts.FilePath,
		OutputPath:   filepath.Join(dir, "output.json"),
		Model:        opts.Model,
		LanguageMode: opts.Language,
		Prompt:       opts.Prompt,
	}, e.dict, inv.progress)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
