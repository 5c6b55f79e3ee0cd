package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/evalwatch/internal/config"
	"github.com/3leaps/evalwatch/internal/observability"
	"github.com/3leaps/evalwatch/pkg/jobstate"
	"github.com/3leaps/evalwatch/pkg/jobstore"
)

var putCmd = &cobra.Command{
	Use:   "put [job-id]",
	Short: "Write a job snapshot to the store",
	Long: `Write a job snapshot, the way a worker reports progress.

Without a job id (or with --new) a random id is generated and printed.
Transitions are checked: terminal jobs cannot change, and processing jobs
cannot return to pending.

Examples:
  # Create a pending job
  evalwatch put --new --status pending

  # Report progress and completion
  evalwatch put 7f3c9a --status processing
  evalwatch put 7f3c9a --status complete --result '{"score": 0.92}'
  evalwatch put 7f3c9a --status error --error "model timed out"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPut,
}

func init() {
	rootCmd.AddCommand(putCmd)
	putCmd.Flags().String("status", "", "Job status: pending, processing, complete, error (required)")
	putCmd.Flags().String("result", "", "Result JSON for complete jobs (@path reads a file)")
	putCmd.Flags().String("error", "", "Error message for failed jobs")
	putCmd.Flags().Bool("new", false, "Generate a new job id")
	_ = putCmd.MarkFlagRequired("status")
}

func runPut(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := config.GetConfig()

	rawStatus, _ := cmd.Flags().GetString("status")
	status, err := jobstate.ParseStatus(rawStatus)
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid --status value", err)
	}
	generate, _ := cmd.Flags().GetBool("new")
	if generate && len(args) > 0 {
		return exitError(exitInvalidArgument, "Conflicting arguments", fmt.Errorf("--new cannot be combined with a job id"))
	}

	job := jobstate.Job{Kind: cfg.Store.Kind, Status: status}
	if len(args) > 0 {
		job.ID = strings.TrimSpace(args[0])
	} else {
		job.ID = uuid.NewString()
	}
	job.ErrorMessage, _ = cmd.Flags().GetString("error")

	rawResult, _ := cmd.Flags().GetString("result")
	if rawResult != "" {
		result, err := readResult(rawResult)
		if err != nil {
			return exitError(exitInvalidArgument, "Invalid --result value", err)
		}
		job.Result = result
	}

	store, err := openStore(ctx, cfg, observability.CLILogger)
	if err != nil {
		return exitError(exitServiceUnavailable, "Failed to open job store", err)
	}
	defer func() { _ = store.Close() }()

	writer, err := store.writer()
	if err != nil {
		return exitError(exitInvalidArgument, "Cannot write jobs", err)
	}
	if err := writer.PutJob(ctx, job); err != nil {
		if jobstore.IsInvalidTransition(err) || jobstore.IsStaleWrite(err) {
			return exitError(exitInvalidArgument, "Rejected job update", err)
		}
		return exitError(exitWriteError, "Failed to write job", err)
	}

	observability.CLILogger.Debug("Wrote job",
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)))
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), job.ID)
	return nil
}

func readResult(raw string) (json.RawMessage, error) {
	b := []byte(raw)
	if path, ok := strings.CutPrefix(raw, "@"); ok {
		var err error
		if b, err = os.ReadFile(path); err != nil {
			return nil, err
		}
	}
	trimmed := strings.TrimSpace(string(b))
	if !json.Valid([]byte(trimmed)) {
		return nil, fmt.Errorf("result is not valid JSON")
	}
	return json.RawMessage(trimmed), nil
}
