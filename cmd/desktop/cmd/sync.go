package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"tsxstudio/internal/desktop"
	"tsxstudio/internal/storage"
)

var syncFlags struct {
	project  string
	duration float64
}

var syncCmd = &cobra.Command{
	Use:   "sync <render-file>",
	Short: "Upload a local render and attach it to a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		sp, err := storage.NewProvider(ctx, cfg.Storage)
		if err != nil {
			return err
		}
		if c, ok := sp.(io.Closer); ok {
			defer c.Close()
		}

		key, err := desktop.NewSyncClient(apiClient(), sp, log).Sync(ctx, syncFlags.project, args[0], syncFlags.duration)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Retry final render reports the API has not accepted yet",
	RunE: func(cmd *cobra.Command, args []string) error {
		reporter, closeOutbox, err := openReporter()
		if err != nil {
			return err
		}
		defer closeOutbox()

		sent, err := reporter.Flush(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "%d report(s) delivered\n", sent)
		return err
	},
}

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent local renders and transcriptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := openHistory()
		if err != nil {
			return err
		}
		defer h.Close()

		runs, err := h.Recent(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "FINISHED\tKIND\tRESULT\tSOURCE\tOUTPUT")
		for _, r := range runs {
			result := "ok"
			if !r.Success {
				result = "failed: " + r.Error
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				r.FinishedAt.Local().Format(time.DateTime), r.Kind, result, r.Source, r.Output)
		}
		return tw.Flush()
	},
}

func init() {
	syncCmd.Flags().StringVarP(&syncFlags.project, "project", "p", "", "project id")
	syncCmd.Flags().Float64Var(&syncFlags.duration, "duration", 0, "duration in seconds")
	_ = syncCmd.MarkFlagRequired("project")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of runs to show")
}
