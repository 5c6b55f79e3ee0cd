package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/evalwatch/pkg/jobstate"
	"github.com/3leaps/evalwatch/pkg/jobstore"
)

func TestStore_PutFetch(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.FetchJob(ctx, "missing")
	require.Error(t, err)
	assert.True(t, jobstore.IsNotFound(err))

	require.NoError(t, s.PutJob(ctx, jobstate.Job{ID: "j1", Status: jobstate.StatusPending}))

	got, err := s.FetchJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, jobstate.StatusPending, got.Status)
	assert.False(t, got.UpdatedAt.IsZero(), "zero UpdatedAt is stamped")
}

func TestStore_RejectsInvalidTransition(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.PutJob(ctx, jobstate.Job{ID: "j1", Status: jobstate.StatusComplete, Result: json.RawMessage(`{}`)}))

	err := s.PutJob(ctx, jobstate.Job{ID: "j1", Status: jobstate.StatusProcessing})
	require.Error(t, err)
	assert.True(t, jobstore.IsInvalidTransition(err))
}

func TestStore_RejectsStaleWrite(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.PutJob(ctx, jobstate.Job{ID: "j1", Status: jobstate.StatusProcessing, UpdatedAt: base}))

	sub, err := s.Subscribe(ctx, "j1")
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	err = s.PutJob(ctx, jobstate.Job{ID: "j1", Status: jobstate.StatusComplete, Result: json.RawMessage(`{}`), UpdatedAt: base})
	require.Error(t, err)
	assert.True(t, jobstore.IsStaleWrite(err))

	got, err := s.FetchJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, jobstate.StatusProcessing, got.Status)

	select {
	case job := <-sub.Events():
		t.Fatalf("rejected write was published: %+v", job)
	default:
	}
}

func TestStore_AutoStampSupersedesFutureRecord(t *testing.T) {
	ctx := context.Background()
	s := New()
	ahead := time.Now().UTC().Add(time.Hour)

	require.NoError(t, s.PutJob(ctx, jobstate.Job{ID: "j1", Status: jobstate.StatusProcessing, UpdatedAt: ahead}))
	require.NoError(t, s.PutJob(ctx, jobstate.Job{ID: "j1", Status: jobstate.StatusComplete, Result: json.RawMessage(`{}`)}))

	got, err := s.FetchJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, jobstate.StatusComplete, got.Status)
	assert.True(t, got.UpdatedAt.After(ahead))
}

func TestStore_SubscribeDeliversOnlyOwnJob(t *testing.T) {
	ctx := context.Background()
	s := New()

	sub, err := s.Subscribe(ctx, "j1")
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	require.NoError(t, s.PutJob(ctx, jobstate.Job{ID: "other", Status: jobstate.StatusPending}))
	require.NoError(t, s.PutJob(ctx, jobstate.Job{ID: "j1", Status: jobstate.StatusProcessing}))

	select {
	case got := <-sub.Events():
		assert.Equal(t, "j1", got.ID)
		assert.Equal(t, jobstate.StatusProcessing, got.Status)
	case <-time.After(time.Second):
		t.Fatal("expected an event for j1")
	}

	select {
	case got := <-sub.Events():
		t.Fatalf("unexpected extra event: %+v", got)
	default:
	}
}

func TestStore_SubscriptionCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()

	sub, err := s.Subscribe(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 1, s.SubscriberCount("j1"))

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Equal(t, 0, s.SubscriberCount("j1"))
	assert.NoError(t, sub.Err())

	_, open := <-sub.Events()
	assert.False(t, open)
}

func TestStore_DisconnectReportsReason(t *testing.T) {
	ctx := context.Background()
	s := New()

	sub, err := s.Subscribe(ctx, "j1")
	require.NoError(t, err)

	s.Disconnect("j1", jobstore.ErrSubscriptionTimeout)

	_, open := <-sub.Events()
	assert.False(t, open)
	assert.True(t, jobstore.IsSubscriptionTimeout(sub.Err()))
	assert.NoError(t, sub.Close(), "close after transport end is safe")
}

func TestStore_DropsWhenBufferFull(t *testing.T) {
	ctx := context.Background()
	s := New(WithBufferSize(1))

	sub, err := s.Subscribe(ctx, "j1")
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	base := time.Now().UTC()
	require.NoError(t, s.PutJob(ctx, jobstate.Job{ID: "j1", Status: jobstate.StatusPending, UpdatedAt: base}))
	require.NoError(t, s.PutJob(ctx, jobstate.Job{ID: "j1", Status: jobstate.StatusProcessing, UpdatedAt: base.Add(time.Second)}))

	got := <-sub.Events()
	assert.Equal(t, jobstate.StatusPending, got.Status)

	// The store still holds the latest snapshot for polling readers.
	latest, err := s.FetchJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, jobstate.StatusProcessing, latest.Status)
}

func TestStore_Close(t *testing.T) {
	ctx := context.Background()
	s := New()

	sub, err := s.Subscribe(ctx, "j1")
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, open := <-sub.Events()
	assert.False(t, open)
	assert.ErrorIs(t, sub.Err(), jobstore.ErrClosed)

	_, err = s.Subscribe(ctx, "j1")
	assert.ErrorIs(t, err, jobstore.ErrClosed)
	_, err = s.FetchJob(ctx, "j1")
	assert.ErrorIs(t, err, jobstore.ErrClosed)
}

func TestStore_ListJobsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := New()

	t1 := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 1, 19, 13, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutJob(ctx, jobstate.Job{ID: "old", Status: jobstate.StatusPending, UpdatedAt: t1}))
	require.NoError(t, s.PutJob(ctx, jobstate.Job{ID: "new", Status: jobstate.StatusPending, UpdatedAt: t2}))

	got, err := s.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "new", got[0].ID)
}
