package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"tsxstudio/internal/desktop"
	"tsxstudio/internal/engine"
	"tsxstudio/internal/models"
	"tsxstudio/internal/render"
	"tsxstudio/internal/storage"
)

var renderFlags struct {
	project  string
	codeFile string
	job      string
	width    int
	height   int
	fps      int
	frames   int
	upload   bool
}

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Render a project on this machine",
	Long: `Render a project on this machine.

The composition source is read from --code (or stdin with "-"). With --job the
render is attached to a job admitted by the API: progress and the final state
are reported, and --upload stores the export under the job's key.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		code, err := readSource(renderFlags.codeFile)
		if err != nil {
			return err
		}

		deps := desktop.ExecutorDeps{
			Pipeline: render.NewPipeline(render.PipelineDeps{
				Renderer: engine.NewRemotionClient(cfg.Worker.RendererURL),
				Log:      log,
				Timeout:  cfg.Worker.RenderTimeout,
				TempDir:  os.TempDir(),
			}),
			RendersDir: dataPath("renders"),
			TempDir:    os.TempDir(),
			Log:        log,
		}

		if h, err := openHistory(); err == nil {
			defer h.Close()
			deps.History = h
		} else {
			log.Warn("history unavailable", "error", err.Error())
		}

		if renderFlags.job != "" {
			reporter, closeOutbox, err := openReporter()
			if err != nil {
				return err
			}
			defer closeOutbox()
			if _, err := reporter.Flush(ctx); err != nil {
				log.Debug("parked reports not flushed", "error", err.Error())
			}
			deps.Reporter = reporter

			if renderFlags.upload {
				sp, err := storage.NewProvider(ctx, cfg.Storage)
				if err != nil {
					return err
				}
				if c, ok := sp.(io.Closer); ok {
					defer c.Close()
				}
				deps.Uploader = sp
			}
		}

		inv := desktop.NewExecutor(deps).RenderProject(ctx, desktop.RenderOptions{
			JobID:     renderFlags.job,
			ProjectID: renderFlags.project,
			Code:      code,
			Config: models.RenderConfig{
				Width:            renderFlags.width,
				Height:           renderFlags.height,
				FPS:              renderFlags.fps,
				DurationInFrames: renderFlags.frames,
			},
		})
		follow(inv.Events(), "Rendering")
		out := inv.Wait()

		if err := printJSON(cmd.OutOrStdout(), out); err != nil {
			return err
		}
		if !out.Success {
			return fmt.Errorf("render failed: %s", out.Error)
		}
		return nil
	},
}

func init() {
	f := renderCmd.Flags()
	f.StringVarP(&renderFlags.project, "project", "p", "", "project id")
	f.StringVarP(&renderFlags.codeFile, "code", "c", "", `composition source file, "-" for stdin`)
	f.StringVar(&renderFlags.job, "job", "", "render job id admitted by the API")
	f.IntVar(&renderFlags.width, "width", models.DefaultWidth, "output width")
	f.IntVar(&renderFlags.height, "height", models.DefaultHeight, "output height")
	f.IntVar(&renderFlags.fps, "fps", models.DefaultFPS, "frames per second")
	f.IntVar(&renderFlags.frames, "frames", models.DefaultDurationInFrames, "duration in frames")
	f.BoolVar(&renderFlags.upload, "upload", false, "upload the export with the configured storage provider")

	_ = renderCmd.MarkFlagRequired("project")
	_ = renderCmd.MarkFlagRequired("code")
}

func readSource(path string) (string, error) {
	if path == "-" {
		b, err := io.ReadAll(os.Stdin)
		return string(b), err
	}
	b, err := os.ReadFile(path)
	return string(b), err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
