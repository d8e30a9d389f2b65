package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// buildInfo is reported by the version command and as the service version.
type buildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(buildInfo{Version: version, Commit: commit, BuildDate: buildDate})
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(info buildInfo) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "castwork",
		Short: "castwork - recipe execution engine for AI provider pipelines",
		Long: `castwork runs recipes: ordered pipelines of AI provider steps (speech-to-text,
LLM, text-to-speech, image, video, sound effects and publish) over a text or audio input.

Features:
  - Durable, resumable executions on SQLite or PostgreSQL
  - In-process, worker pool or Redis-backed scheduling
  - Starlark skip conditions and {{ }} input templates
  - Recipe presets in CUE or YAML
  - OPA admission policies
  - Prometheus metrics, OpenTelemetry traces and live event streams`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", info.Version, info.Commit, info.BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand(info))
	rootCmd.AddCommand(newWorkerCommand(info))
	rootCmd.AddCommand(newExecuteCommand(info))
	rootCmd.AddCommand(newStatusCommand(info))
	rootCmd.AddCommand(newCancelCommand(info))
	rootCmd.AddCommand(newRetryCommand(info))
	rootCmd.AddCommand(newRecipesCommand(info))
	rootCmd.AddCommand(newMigrateCommand(info))
	rootCmd.AddCommand(newVersionCommand(info))

	return rootCmd
}

// setupLogging configures the global CLI logger: JSON with --json or when stderr is
// not a terminal, debug level with --verbose.
func setupLogging() {
	if jsonOutput || !isatty.IsTerminal(os.Stderr.Fd()) {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
