package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"tsxstudio/internal/config"
	"tsxstudio/internal/desktop"
	"tsxstudio/internal/pkg/logger"
)

var (
	cfgFile string
	verbose bool

	cfg config.Config
	log *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "tsx-desktop",
	Short: "Render compositions and transcribe media on this machine",
	Long: `Render compositions and transcribe media on this machine.

- render runs a project locally and, with --job, reports progress to the API
- transcribe runs speech recognition locally; nothing is sent to the API
- final render reports that could not be delivered are retried by flush`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if err := cfg.Validate(config.RoleDesktop); err != nil {
			return err
		}

		level := "warn"
		if verbose {
			level = "debug"
		}
		log = logger.New(logger.Config{Level: level, Format: "text", Output: os.Stderr, ServiceName: "tsx-desktop"})
		return os.MkdirAll(cfg.Desktop.DataDir, 0o700)
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "V", false, "verbose output")

	rootCmd.AddCommand(renderCmd, transcribeCmd, loginCmd, syncCmd, historyCmd, flushCmd)
}

func dataPath(name string) string {
	return filepath.Join(cfg.Desktop.DataDir, name)
}

func tokenPath() string { return dataPath("token") }

// token prefers TSX_TOKEN, then the token saved by login.
func token() string {
	if cfg.Desktop.Token != "" {
		return cfg.Desktop.Token
	}
	raw, err := os.ReadFile(tokenPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

func apiClient() *desktop.Client {
	return desktop.NewClient(cfg.Desktop.APIBaseURL, token())
}

// openReporter opens the outbox; callers close it with the returned func.
func openReporter() (*desktop.Reporter, func(), error) {
	outbox, err := desktop.OpenOutbox(dataPath("outbox"))
	if err != nil {
		return nil, nil, err
	}
	return desktop.NewReporter(apiClient(), outbox, log), func() { _ = outbox.Close() }, nil
}

func openHistory() (*desktop.History, error) {
	return desktop.OpenHistory(dataPath("history.db"))
}
