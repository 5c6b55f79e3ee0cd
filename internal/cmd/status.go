package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/evalwatch/internal/config"
	"github.com/3leaps/evalwatch/internal/observability"
	"github.com/3leaps/evalwatch/pkg/jobstate"
	"github.com/3leaps/evalwatch/pkg/jobstore"
	"github.com/3leaps/evalwatch/pkg/watch"
)

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the current snapshot of a job",
	Long: `Show the current snapshot of a job without watching it.

Examples:
  evalwatch status 7f3c9a
  evalwatch status 7f3c9a --json
  evalwatch status 7f3c9a --yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().Bool("json", false, "Output as JSON")
	statusCmd.Flags().Bool("yaml", false, "Output as YAML")
	statusCmd.MarkFlagsMutuallyExclusive("json", "yaml")
}

// jobView renders a job with its result decoded, for YAML output.
type jobView struct {
	jobstate.Job `yaml:",inline"`
	Result       any `yaml:"result,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")
	yamlOutput, _ := cmd.Flags().GetBool("yaml")

	cfg := config.GetConfig()
	store, err := openStore(ctx, cfg, observability.CLILogger)
	if err != nil {
		return exitError(exitServiceUnavailable, "Failed to open job store", err)
	}
	defer func() { _ = store.Close() }()

	// Same read path as a watch's initial fetch: fetch timeout and rate limit apply.
	job, err := newWatcher(store, cfg, observability.CLILogger).Fetcher().Fetch(ctx, args[0])
	if err != nil {
		switch {
		case errors.Is(err, watch.ErrMissingID):
			return exitError(exitInvalidArgument, "Job id is required", err)
		case jobstore.IsNotFound(err):
			return exitError(exitNotFound, "Job not found", err)
		}
		return exitError(exitServiceUnavailable, "Failed to read job", err)
	}

	out := cmd.OutOrStdout()
	switch {
	case jsonOutput:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	case yamlOutput:
		return writeJobYAML(out, job)
	default:
		return printJobDetail(out, job)
	}
}

func writeJobYAML(out io.Writer, job jobstate.Job) error {
	view := jobView{Job: job}
	if len(job.Result) > 0 {
		if err := json.Unmarshal(job.Result, &view.Result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(view); err != nil {
		return err
	}
	return enc.Close()
}

func printJobDetail(out io.Writer, job jobstate.Job) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "ID:\t%s\n", job.ID)
	if job.Kind != "" {
		_, _ = fmt.Fprintf(w, "KIND:\t%s\n", job.Kind)
	}
	_, _ = fmt.Fprintf(w, "STATUS:\t%s\n", job.Status)
	_, _ = fmt.Fprintf(w, "UPDATED:\t%s (%s)\n", job.UpdatedAt.Format(time.RFC3339), humanize.Time(job.UpdatedAt))
	if job.ErrorMessage != "" {
		_, _ = fmt.Fprintf(w, "ERROR:\t%s\n", job.ErrorMessage)
	}
	if len(job.Result) > 0 {
		_, _ = fmt.Fprintf(w, "RESULT:\t%s\n", job.Result)
	}
	return w.Flush()
}
