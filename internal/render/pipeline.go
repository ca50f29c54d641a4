// Package render turns composition source into a video file. The same
// Pipeline serves the queue worker and the desktop executor; they differ only
// in how they report progress and deliver the result.
package render

import (
	"context"
	stderrors "errors"
	"math"
	"os"
	"strings"
	"time"

	"tsxstudio/internal/engine"
	"tsxstudio/internal/models"
	"tsxstudio/internal/pkg/errors"
	"tsxstudio/internal/pkg/logger"
)

// FFmpegHint replaces engine failures caused by the native encoder.
const FFmpegHint = "FFmpeg error: Ensure FFmpeg is installed or use ffmpeg-static."

const (
	StageBundling  = "bundling"
	StageRendering = "rendering"
)

type Request struct {
	JobID  string
	Code   string
	Config models.RenderConfig
}

// Progress is reported as Percent on the job scale (10 after bundling,
// 20..90 while rendering) and as the engine's raw Fraction.
type Progress struct {
	Stage    string
	Percent  int
	Fraction float64
}

type Output struct {
	Path            string
	SizeBytes       int64
	DurationSeconds float64
	Composition     engine.Composition
}

// DeliverFunc consumes the rendered file. The workspace still exists while it runs.
type DeliverFunc func(ctx context.Context, out Output) error

type PipelineDeps struct {
	Renderer engine.Renderer
	Log      *logger.Logger
	Timeout  time.Duration
	TempDir  string
}

type Pipeline struct {
	renderer engine.Renderer
	log      *logger.Logger
	timeout  time.Duration
	tempDir  string
}

func NewPipeline(d PipelineDeps) *Pipeline {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	return &Pipeline{
		renderer: d.Renderer,
		log:      log.WithComponent("render"),
		timeout:  d.Timeout,
		tempDir:  d.TempDir,
	}
}

// Run prepares the workspace, bundles, selects the composition, renders and
// hands the file to deliver. The workspace is removed on every path.
func (p *Pipeline) Run(ctx context.Context, req Request, onProgress func(Progress), deliver DeliverFunc) error {
	if onProgress == nil {
		onProgress = func(Progress) {}
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	log := p.log.FromContext(ctx).WithJobID(req.JobID)

	ws, err := NewWorkspace(p.tempDir)
	if err != nil {
		return errors.Wrap(err, "render.workspace", "create workspace failed")
	}
	defer func() {
		if err := ws.Close(); err != nil {
			log.Warn("workspace cleanup failed", "dir", ws.Dir, "error", err.Error())
		}
	}()

	if err := ws.Prepare(req.Code, req.Config); err != nil {
		return errors.Wrap(err, "render.workspace", "write workspace failed")
	}

	onProgress(Progress{Stage: StageBundling, Percent: 10})
	serveURL, err := p.renderer.Bundle(ctx, ws.EntryPath())
	if err != nil {
		return p.mapErr(ctx, err)
	}

	comp, err := p.renderer.SelectComposition(ctx, serveURL, CompositionID)
	if err != nil {
		return p.mapErr(ctx, err)
	}

	err = p.renderer.Render(ctx, engine.RenderRequest{
		ServeURL:    serveURL,
		Composition: comp,
		Codec:       "h264",
		OutputPath:  ws.OutputPath(),
	}, func(f float64) {
		onProgress(Progress{Stage: StageRendering, Percent: RenderPercent(f), Fraction: f})
	})
	if err != nil {
		return p.mapErr(ctx, err)
	}

	st, err := os.Stat(ws.OutputPath())
	if err != nil {
		return errors.Engine("render.output", "renderer produced no output file", err)
	}

	out := Output{
		Path:        ws.OutputPath(),
		SizeBytes:   st.Size(),
		Composition: comp,
	}
	if comp.FPS > 0 {
		out.DurationSeconds = float64(comp.DurationInFrames) / float64(comp.FPS)
	}
	log.Info("render finished", "size_bytes", out.SizeBytes, "duration_seconds", out.DurationSeconds)

	return deliver(ctx, out)
}

func (p *Pipeline) mapErr(ctx context.Context, err error) error {
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Newf(errors.CodeTimeout, "Render timed out after %s", p.timeout)
	}
	return err
}

// RenderPercent maps engine progress onto the 20..90 job scale.
func RenderPercent(fraction float64) int {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return 20 + int(math.Floor(fraction*70))
}

// FailureMessage is the text stored on a failed render job.
func FailureMessage(err error) string {
	msg := errors.Message(err)
	if strings.Contains(strings.ToLower(msg), "ffmpeg") {
		return FFmpegHint
	}
	if msg == "" {
		return "Unknown error during render"
	}
	return msg
}
