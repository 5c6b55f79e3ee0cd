package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/3leaps/evalwatch/internal/config"
	"github.com/3leaps/evalwatch/internal/observability"
	"github.com/3leaps/evalwatch/pkg/jobstate"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs in the store",
	Long: `List jobs in the configured store, most recently updated first.

--match filters job ids with a glob pattern (doublestar syntax, so
"eval-*" or "batch-{a,b}-*" both work).

Examples:
  evalwatch list
  evalwatch list --status processing
  evalwatch list --match 'eval-2026-*' --json`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().String("match", "", "Only list job ids matching this glob")
	listCmd.Flags().String("status", "", "Only list jobs with this status")
	listCmd.Flags().Int("limit", 0, "Maximum number of jobs to list (0 = all)")
	listCmd.Flags().Bool("json", false, "Output as JSON")
}

type listFilter struct {
	pattern string
	status  jobstate.Status
	limit   int
}

func (f listFilter) apply(jobs []jobstate.Job) []jobstate.Job {
	out := make([]jobstate.Job, 0, len(jobs))
	for _, job := range jobs {
		if f.status != "" && job.Status != f.status {
			continue
		}
		if f.pattern != "" {
			// Pattern validity is checked before filtering.
			if ok, _ := doublestar.Match(f.pattern, job.ID); !ok {
				continue
			}
		}
		out = append(out, job)
		if f.limit > 0 && len(out) == f.limit {
			break
		}
	}
	return out
}

func runList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	var filter listFilter
	filter.pattern, _ = cmd.Flags().GetString("match")
	filter.limit, _ = cmd.Flags().GetInt("limit")
	if filter.pattern != "" && !doublestar.ValidatePattern(filter.pattern) {
		return exitError(exitInvalidArgument, "Invalid --match pattern", fmt.Errorf("bad glob %q", filter.pattern))
	}
	if filter.limit < 0 {
		return exitError(exitInvalidArgument, "Invalid --limit value", fmt.Errorf("limit must be >= 0"))
	}
	if raw, _ := cmd.Flags().GetString("status"); raw != "" {
		status, err := jobstate.ParseStatus(raw)
		if err != nil {
			return exitError(exitInvalidArgument, "Invalid --status value", err)
		}
		filter.status = status
	}

	store, err := openStore(ctx, config.GetConfig(), observability.CLILogger)
	if err != nil {
		return exitError(exitServiceUnavailable, "Failed to open job store", err)
	}
	defer func() { _ = store.Close() }()

	lister, err := store.lister()
	if err != nil {
		return exitError(exitInvalidArgument, "Cannot list jobs", err)
	}
	jobs, err := lister.ListJobs(ctx)
	if err != nil {
		return exitError(exitServiceUnavailable, "Failed to list jobs", err)
	}
	jobs = filter.apply(jobs)

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "No jobs found")
		return nil
	}
	return printJobTable(out, jobs)
}

func printJobTable(out io.Writer, jobs []jobstate.Job) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tKIND\tSTATUS\tUPDATED")
	for _, job := range jobs {
		kind := string(job.Kind)
		if kind == "" {
			kind = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", job.ID, kind, job.Status, humanize.Time(job.UpdatedAt))
	}
	return w.Flush()
}
