package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/evalwatch/internal/config"
	"github.com/3leaps/evalwatch/internal/observability"
	"github.com/3leaps/evalwatch/pkg/jobstate"
	"github.com/3leaps/evalwatch/pkg/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Watch a job until it completes or fails",
	Long: `Watch a job until it reaches a terminal status.

Every newer snapshot is printed as it arrives. The command exits 0 when the
job completes, 1 when it fails, and 130 when interrupted.

A job that does not exist yet is watched until it appears.

Examples:
  # Follow an evaluation
  evalwatch watch 7f3c9a

  # Emit JSON lines, give up after ten minutes
  evalwatch watch 7f3c9a --json --timeout 10m

  # Watch interview evaluations in a SQLite store
  evalwatch watch 7f3c9a --backend sqlite --kind interview_evaluation`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().Bool("json", false, "Output JSON lines")
	watchCmd.Flags().Duration("timeout", 0, "Give up after this long (0 waits indefinitely)")
	watchCmd.Flags().Duration("poll-interval", 0, "Poll spacing (default from config)")
}

// watchEvent is one JSON line of watch output.
type watchEvent struct {
	Event  string          `json:"event"`
	Job    *jobstate.Job   `json:"job,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type watchOutcome struct {
	result json.RawMessage
	err    error
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if timeout < 0 {
		return exitError(exitInvalidArgument, "Invalid --timeout value", fmt.Errorf("timeout must be >= 0"))
	}
	jobID := args[0]

	cfg := config.GetConfig()
	store, err := openStore(ctx, cfg, observability.CLILogger)
	if err != nil {
		return exitError(exitServiceUnavailable, "Failed to open job store", err)
	}
	defer func() { _ = store.Close() }()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out := cmd.OutOrStdout()
	outcome := make(chan watchOutcome, 1)
	sess, err := newWatcher(store, cfg, observability.CLILogger).Watch(ctx, jobID, watch.Callbacks{
		OnUpdate: func(job jobstate.Job) {
			printWatchUpdate(out, job, jsonOutput)
		},
		OnComplete: func(result json.RawMessage) {
			outcome <- watchOutcome{result: result}
		},
		OnError: func(err error) {
			outcome <- watchOutcome{err: err}
		},
		OnDiagnostic: func(err error) {
			observability.CLILogger.Debug("Push channel unavailable, polling", zap.Error(err))
		},
	})
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid watch request", err)
	}
	defer sess.Stop()

	observability.CLILogger.Debug("Watching job",
		zap.String("job_id", sess.JobID()),
		zap.String("backend", string(cfg.Store.Backend)))

	select {
	case o := <-outcome:
		return finishWatch(out, sess, o, jsonOutput)
	case <-ctx.Done():
	}

	// A terminal outcome can race the cancellation.
	select {
	case o := <-outcome:
		return finishWatch(out, sess, o, jsonOutput)
	default:
	}
	sess.Stop()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && cmd.Context().Err() == nil {
		return exitError(exitServiceUnavailable, "Watch timed out", fmt.Errorf("job %s not finished after %s", jobID, timeout))
	}
	return exitError(exitSignalInt, "Watch cancelled", ctx.Err())
}

func finishWatch(out io.Writer, sess *watch.Session, o watchOutcome, jsonOutput bool) error {
	stats := sess.Stats()
	observability.CLILogger.Debug("Watch finished",
		zap.String("job_id", sess.JobID()),
		zap.Int64("adopted", stats.Adopted),
		zap.Int64("stale", stats.Stale),
		zap.String("push_state", string(stats.PushState)))

	if o.err != nil {
		if jsonOutput {
			_ = json.NewEncoder(out).Encode(watchEvent{Event: "error", Error: o.err.Error()})
		}
		if watch.IsJobError(o.err) {
			return exitError(exitJobFailed, "Job failed", o.err)
		}
		return exitError(exitServiceUnavailable, "Failed to read job", o.err)
	}

	if jsonOutput {
		return json.NewEncoder(out).Encode(watchEvent{Event: "complete", Result: o.result})
	}
	if len(o.result) > 0 {
		_, _ = fmt.Fprintf(out, "result: %s\n", o.result)
	}
	return nil
}

func printWatchUpdate(out io.Writer, job jobstate.Job, jsonOutput bool) {
	if jsonOutput {
		_ = json.NewEncoder(out).Encode(watchEvent{Event: "update", Job: &job})
		return
	}
	line := fmt.Sprintf("%s  %-10s  %s", job.UpdatedAt.Local().Format(time.TimeOnly), job.Status, job.ID)
	if job.ErrorMessage != "" {
		line += "  " + job.ErrorMessage
	}
	_, _ = fmt.Fprintln(out, line)
}
