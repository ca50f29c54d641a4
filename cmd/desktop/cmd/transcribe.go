package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tsxstudio/internal/desktop"
	"tsxstudio/internal/engine"
)

var transcribeFlags struct {
	model    string
	language string
	prompt   string
	out      string
}

var transcribeCmd = &cobra.Command{
	Use:   "transcribe <media-file>",
	Short: "Transcribe an audio or video file on this machine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deps := desktop.ExecutorDeps{
			Recognizer: engine.NewWhisperProcess(cfg.Worker.PythonBin, cfg.Worker.TranscriberScript, cfg.Worker.TranscribeTimeout),
			TempDir:    os.TempDir(),
			Log:        log,
		}
		if h, err := openHistory(); err == nil {
			defer h.Close()
			deps.History = h
		} else {
			log.Warn("history unavailable", "error", err.Error())
		}

		inv := desktop.NewExecutor(deps).TranscribeMedia(cmd.Context(), desktop.TranscribeOptions{
			FilePath: args[0],
			Model:    transcribeFlags.model,
			Language: transcribeFlags.language,
			Prompt:   transcribeFlags.prompt,
		})
		follow(inv.Events(), "Transcribing")
		out := inv.Wait()

		if transcribeFlags.out != "" && out.Success {
			f, err := os.Create(transcribeFlags.out)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := printJSON(f, out.Transcription); err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "transcript written to", transcribeFlags.out)
		} else if err := printJSON(cmd.OutOrStdout(), out); err != nil {
			return err
		}

		if !out.Success {
			return fmt.Errorf("transcription failed: %s", out.Error)
		}
		return nil
	},
}

func init() {
	f := transcribeCmd.Flags()
	f.StringVarP(&transcribeFlags.model, "model", "m", "base", "tiny, base, small or medium")
	f.StringVarP(&transcribeFlags.language, "language", "l", "en", "language code, auto, hi or hinglish")
	f.StringVar(&transcribeFlags.prompt, "prompt", "", "initial prompt for the recognizer")
	f.StringVarP(&transcribeFlags.out, "out", "o", "", "write the transcript JSON to this file")
}
