package filestore

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/evalwatch/pkg/jobstate"
	"github.com/3leaps/evalwatch/pkg/jobstore"
)

func TestStore_WriteGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New(t.TempDir())

	now := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	job := jobstate.Job{
		ID:        "job-1",
		Kind:      jobstate.KindEvaluation,
		Status:    jobstate.StatusComplete,
		Result:    json.RawMessage(`{"score":9}`),
		UpdatedAt: now,
	}
	require.NoError(t, s.PutJob(ctx, job))

	got, err := s.FetchJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.Status, got.Status)
	assert.JSONEq(t, `{"score":9}`, string(got.Result))
	assert.True(t, now.Equal(got.UpdatedAt))
}

func TestStore_FetchMissing(t *testing.T) {
	s := New(t.TempDir())

	_, err := s.FetchJob(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, jobstore.IsNotFound(err))
}

func TestStore_RejectsBadIDs(t *testing.T) {
	s := New(t.TempDir())

	for _, id := range []string{"", "  ", "../escape", `a\b`, ".."} {
		t.Run(id, func(t *testing.T) {
			err := s.PutJob(context.Background(), jobstate.Job{ID: id, Status: jobstate.StatusPending})
			assert.Error(t, err)
		})
	}
}

func TestStore_RejectsInvalidTransition(t *testing.T) {
	ctx := context.Background()
	s := New(t.TempDir())

	require.NoError(t, s.PutJob(ctx, jobstate.Job{ID: "j1", Status: jobstate.StatusError, ErrorMessage: "boom"}))
	err := s.PutJob(ctx, jobstate.Job{ID: "j1", Status: jobstate.StatusPending})
	require.Error(t, err)
	assert.True(t, jobstore.IsInvalidTransition(err))
}

func TestStore_RejectsStaleWrite(t *testing.T) {
	ctx := context.Background()
	s := New(t.TempDir())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.PutJob(ctx, jobstate.Job{ID: "j1", Status: jobstate.StatusProcessing, UpdatedAt: base}))
	err := s.PutJob(ctx, jobstate.Job{ID: "j1", Status: jobstate.StatusError, ErrorMessage: "boom", UpdatedAt: base.Add(-time.Second)})
	require.Error(t, err)
	assert.True(t, jobstore.IsStaleWrite(err))

	got, err := s.FetchJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, jobstate.StatusProcessing, got.Status)

	ahead := time.Now().UTC().Add(time.Hour)
	require.NoError(t, s.PutJob(ctx, jobstate.Job{ID: "j2", Status: jobstate.StatusPending, UpdatedAt: ahead}))
	require.NoError(t, s.PutJob(ctx, jobstate.Job{ID: "j2", Status: jobstate.StatusProcessing}))
	got, err = s.FetchJob(ctx, "j2")
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.Equal(ahead.Add(time.Nanosecond)), "stamp lands just past the stored record")
}

func TestStore_ListSkipsUnreadableAndSortsNewestFirst(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := New(root)

	t1 := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 1, 19, 13, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutJob(ctx, jobstate.Job{ID: "job-1", Status: jobstate.StatusPending, UpdatedAt: t1}))
	require.NoError(t, s.PutJob(ctx, jobstate.Job{ID: "job-2", Status: jobstate.StatusPending, UpdatedAt: t2}))
	require.NoError(t, os.WriteFile(s.JobPath("broken"), []byte("{"), 0644))

	got, err := s.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "job-2", got[0].ID)
}

func TestStore_SubscribeReceivesWrites(t *testing.T) {
	ctx := context.Background()
	s := New(t.TempDir())

	sub, err := s.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	require.NoError(t, s.PutJob(ctx, jobstate.Job{ID: "job-2", Status: jobstate.StatusPending}))
	require.NoError(t, s.PutJob(ctx, jobstate.Job{ID: "job-1", Status: jobstate.StatusProcessing}))

	select {
	case got := <-sub.Events():
		assert.Equal(t, "job-1", got.ID)
		assert.Equal(t, jobstate.StatusProcessing, got.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("expected a filesystem event for job-1")
	}
}

func TestStore_SubscriptionClose(t *testing.T) {
	s := New(t.TempDir())

	sub, err := s.Subscribe(context.Background(), "job-1")
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	assert.NotPanics(t, func() { _ = sub.Close() })

	require.Eventually(t, func() bool {
		select {
		case _, open := <-sub.Events():
			return !open
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, sub.Err())
}
