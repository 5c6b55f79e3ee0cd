package cmd

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/evalwatch/pkg/jobstate"
	"github.com/3leaps/evalwatch/pkg/jobstore/filestore"
	"github.com/3leaps/evalwatch/pkg/watch"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestWatch_CompletedJob(t *testing.T) {
	root := isolateCLI(t)
	seedJob(t, root, jobstate.Job{ID: "j1", Status: jobstate.StatusComplete, Result: json.RawMessage(`{"score":0.9}`), UpdatedAt: t0})

	out, err := runCLI(t, context.Background(), "watch", "j1", "--store-path", root)
	require.NoError(t, err)
	assert.Contains(t, out, "complete")
	assert.Contains(t, out, `result: {"score":0.9}`)
}

func TestWatch_FailedJobExitsOne(t *testing.T) {
	root := isolateCLI(t)
	seedJob(t, root, jobstate.Job{ID: "j1", Status: jobstate.StatusError, ErrorMessage: "rubric missing", UpdatedAt: t0})

	out, err := runCLI(t, context.Background(), "watch", "j1", "--store-path", root)
	requireExitCode(t, err, exitJobFailed)
	assert.Contains(t, err.Error(), "rubric missing")
	assert.Contains(t, out, "rubric missing")
}

func TestWatch_JSONLines(t *testing.T) {
	root := isolateCLI(t)
	seedJob(t, root, jobstate.Job{ID: "j1", Status: jobstate.StatusComplete, Result: json.RawMessage(`{"ok":true}`), UpdatedAt: t0})

	out, err := runCLI(t, context.Background(), "watch", "j1", "--json", "--store-path", root)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)

	var update, done watchEvent
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &update))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &done))
	assert.Equal(t, "update", update.Event)
	require.NotNil(t, update.Job)
	assert.Equal(t, jobstate.StatusComplete, update.Job.Status)
	assert.Equal(t, "complete", done.Event)
	assert.JSONEq(t, `{"ok":true}`, string(done.Result))
}

func TestWatch_FollowsToCompletion(t *testing.T) {
	root := isolateCLI(t)
	seedJob(t, root, jobstate.Job{ID: "j1", Status: jobstate.StatusProcessing, UpdatedAt: t0})

	errCh := make(chan error, 1)
	go func() {
		_, err := runCLI(t, context.Background(), "watch", "j1", "--store-path", root, "--poll-interval", "50ms", "--timeout", "10s")
		errCh <- err
	}()

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, filestore.New(root).PutJob(context.Background(), jobstate.Job{
		ID:        "j1",
		Status:    jobstate.StatusComplete,
		Result:    json.RawMessage(`{}`),
		UpdatedAt: t0.Add(time.Minute),
	}))

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("watch did not finish")
	}
}

func TestWatch_Timeout(t *testing.T) {
	root := isolateCLI(t)

	_, err := runCLI(t, context.Background(), "watch", "missing", "--store-path", root, "--timeout", "150ms", "--poll-interval", "50ms")
	requireExitCode(t, err, exitServiceUnavailable)
	assert.Contains(t, err.Error(), "timed out")
}

func TestWatch_Interrupted(t *testing.T) {
	root := isolateCLI(t)
	seedJob(t, root, jobstate.Job{ID: "j1", Status: jobstate.StatusPending, UpdatedAt: t0})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, err := runCLI(t, ctx, "watch", "j1", "--store-path", root)
	requireExitCode(t, err, exitSignalInt)
}

func TestStatus_Formats(t *testing.T) {
	root := isolateCLI(t)
	seedJob(t, root, jobstate.Job{ID: "j1", Kind: jobstate.KindEvaluation, Status: jobstate.StatusComplete, Result: json.RawMessage(`{"score":3}`), UpdatedAt: t0})

	out, err := runCLI(t, context.Background(), "status", "j1", "--store-path", root)
	require.NoError(t, err)
	assert.Contains(t, out, "STATUS:")
	assert.Contains(t, out, "complete")
	assert.Contains(t, out, "ago")

	out, err = runCLI(t, context.Background(), "status", "j1", "--json", "--store-path", root)
	require.NoError(t, err)
	var job jobstate.Job
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.Equal(t, "j1", job.ID)

	out, err = runCLI(t, context.Background(), "status", "j1", "--yaml", "--store-path", root)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "complete", doc["status"])
	assert.Equal(t, map[string]any{"score": 3}, doc["result"])
}

func TestStatus_NotFound(t *testing.T) {
	root := isolateCLI(t)

	_, err := runCLI(t, context.Background(), "status", "nope", "--store-path", root)
	requireExitCode(t, err, exitNotFound)

	_, err = runCLI(t, context.Background(), "status", "  ", "--store-path", root)
	requireExitCode(t, err, exitInvalidArgument)
}

func TestStatus_ReadFailureIsServiceUnavailable(t *testing.T) {
	root := isolateCLI(t)
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filestore.New(root).JobPath("j1"), []byte("{"), 0o644))

	_, err := runCLI(t, context.Background(), "status", "j1", "--store-path", root)
	requireExitCode(t, err, exitServiceUnavailable)
	var fetchErr *watch.FetchError
	assert.ErrorAs(t, err, &fetchErr)
}

func TestList_FiltersAndOrders(t *testing.T) {
	root := isolateCLI(t)
	seedJob(t, root, jobstate.Job{ID: "eval-a", Status: jobstate.StatusPending, UpdatedAt: t0})
	seedJob(t, root, jobstate.Job{ID: "eval-b", Status: jobstate.StatusProcessing, UpdatedAt: t0.Add(time.Minute)})
	seedJob(t, root, jobstate.Job{ID: "other", Status: jobstate.StatusPending, UpdatedAt: t0.Add(2 * time.Minute)})

	out, err := runCLI(t, context.Background(), "list", "--json", "--store-path", root, "--match", "eval-*")
	require.NoError(t, err)
	var jobs []jobstate.Job
	require.NoError(t, json.Unmarshal([]byte(out), &jobs))
	require.Len(t, jobs, 2)
	assert.Equal(t, "eval-b", jobs[0].ID)
	assert.Equal(t, "eval-a", jobs[1].ID)

	out, err = runCLI(t, context.Background(), "list", "--store-path", root, "--status", "pending", "--limit", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "other")
	assert.NotContains(t, out, "eval-a")
}

func TestList_InvalidPattern(t *testing.T) {
	root := isolateCLI(t)

	_, err := runCLI(t, context.Background(), "list", "--store-path", root, "--match", "[unclosed")
	requireExitCode(t, err, exitInvalidArgument)
}

func TestPut_Lifecycle(t *testing.T) {
	root := isolateCLI(t)

	out, err := runCLI(t, context.Background(), "put", "--new", "--status", "pending", "--store-path", root)
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	require.Len(t, id, 36)

	resultPath := filepath.Join(t.TempDir(), "result.json")
	require.NoError(t, os.WriteFile(resultPath, []byte(`{"score": 0.5}`), 0o644))

	_, err = runCLI(t, context.Background(), "put", id, "--status", "complete", "--result", "@"+resultPath, "--store-path", root)
	require.NoError(t, err)

	job, err := filestore.New(root).FetchJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, jobstate.StatusComplete, job.Status)
	assert.Equal(t, jobstate.KindEvaluation, job.Kind)
	assert.JSONEq(t, `{"score": 0.5}`, string(job.Result))

	_, err = runCLI(t, context.Background(), "put", id, "--status", "processing", "--store-path", root)
	requireExitCode(t, err, exitInvalidArgument)
	assert.Contains(t, err.Error(), "Rejected job update")
}

func TestPut_SupersedesRecordStampedAhead(t *testing.T) {
	root := isolateCLI(t)
	ahead := time.Now().UTC().Add(time.Hour)
	seedJob(t, root, jobstate.Job{ID: "j1", Status: jobstate.StatusProcessing, UpdatedAt: ahead})

	_, err := runCLI(t, context.Background(), "put", "j1", "--status", "complete", "--result", `{"ok":true}`, "--store-path", root)
	require.NoError(t, err)

	job, err := filestore.New(root).FetchJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, jobstate.StatusComplete, job.Status)
	assert.True(t, job.UpdatedAt.After(ahead))
}

func TestPut_Validation(t *testing.T) {
	root := isolateCLI(t)

	_, err := runCLI(t, context.Background(), "put", "j1", "--status", "done", "--store-path", root)
	requireExitCode(t, err, exitInvalidArgument)

	_, err = runCLI(t, context.Background(), "put", "j1", "--status", "complete", "--result", "{not json", "--store-path", root)
	requireExitCode(t, err, exitInvalidArgument)

	_, err = runCLI(t, context.Background(), "put", "j1", "--new", "--status", "pending", "--store-path", root)
	requireExitCode(t, err, exitInvalidArgument)
}

func TestReadResult(t *testing.T) {
	got, err := readResult(`  {"a":1} `)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got))

	_, err = readResult("@/nonexistent/result.json")
	assert.Error(t, err)
}
