// Package cmd implements the evalwatch command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/3leaps/evalwatch/internal/config"
	"github.com/3leaps/evalwatch/internal/observability"
)

// skipConfigAnnotation marks commands that run without loading configuration.
const skipConfigAnnotation = "evalwatch/skip-config"

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata injected through ldflags.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	cfgFile string
	verbose bool
)

// flagKeys maps command-line flags onto configuration keys. Flags only
// override configuration when set explicitly.
var flagKeys = map[string]string{
	"backend":       "store.backend",
	"store-path":    "store.path",
	"store-url":     "store.url",
	"kind":          "store.kind",
	"host":          "server.host",
	"port":          "server.port",
	"poll-interval": "watch.poll_interval",
}

var rootCmd = &cobra.Command{
	Use:   "evalwatch",
	Short: "Watch asynchronous jobs until they finish",
	Long: `evalwatch follows long-running jobs (evaluations, interview evaluations)
through a job store and reports their outcome exactly once.

Each watch races a push subscription against a fixed-interval poll and
adopts whichever snapshot is newest.

Configuration is read from evalwatch.yaml (working directory or user config
directory), EVALWATCH_* environment variables, and flags, in that order.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initCommand,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default: evalwatch.yaml in . or the user config dir)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	pf.String("backend", "", "Job store backend: file, sqlite, s3, http")
	pf.String("store-path", "", "Directory (file) or database path (sqlite)")
	pf.String("store-url", "", "Base URL of a remote evalwatch server (http backend)")
	pf.String("kind", "", "Job kind, e.g. evaluation or interview_evaluation")
}

func initCommand(cmd *cobra.Command, _ []string) error {
	observability.InitCLILogger(config.AppName, verbose)
	if cmd.Annotations[skipConfigAnnotation] == "true" {
		return nil
	}
	cfg, err := config.LoadFrom(cmd.Context(), cfgFile, flagOverrides(cmd))
	if err != nil {
		return exitError(exitInvalidArgument, "Failed to load configuration", err)
	}
	// --verbose wins over logging.level.
	if !verbose {
		if err := observability.SetCLILevel(cfg.Logging.Level); err != nil {
			return exitError(exitInvalidArgument, "Invalid logging.level", err)
		}
	}
	return nil
}

func flagOverrides(cmd *cobra.Command) map[string]any {
	overrides := make(map[string]any)
	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		overrides[key] = f.Value.String()
	}
	return overrides
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(rootCmd.ErrOrStderr(), "Error: %v\n", err)
	}
	return exitCode(err)
}
