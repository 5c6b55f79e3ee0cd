//go:build cloudintegration

package s3store_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/evalwatch/pkg/jobstate"
	"github.com/3leaps/evalwatch/pkg/jobstore"
	"github.com/3leaps/evalwatch/pkg/watch"
	"github.com/3leaps/evalwatch/test/cloudtest"
)

func TestStore_RoundTrip_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	store := cloudtest.NewStore(t, ctx, bucket, "jobs/evaluation")

	_, err := store.FetchJob(ctx, "missing")
	assert.True(t, jobstore.IsNotFound(err))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.PutJob(ctx, jobstate.Job{ID: "a", Status: jobstate.StatusPending, UpdatedAt: base}))
	require.NoError(t, store.PutJob(ctx, jobstate.Job{ID: "b", Status: jobstate.StatusProcessing, UpdatedAt: base.Add(time.Minute)}))

	got, err := store.FetchJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, jobstate.StatusPending, got.Status)

	jobs, err := store.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "b", jobs[0].ID)

	require.NoError(t, store.PutJob(ctx, jobstate.Job{ID: "a", Status: jobstate.StatusError, ErrorMessage: "boom", UpdatedAt: base.Add(2 * time.Minute)}))
	err = store.PutJob(ctx, jobstate.Job{ID: "a", Status: jobstate.StatusProcessing, UpdatedAt: base.Add(3 * time.Minute)})
	assert.True(t, jobstore.IsInvalidTransition(err))
}

func TestStore_ListSkipsForeignObjects_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	store := cloudtest.NewStore(t, ctx, bucket, "jobs/evaluation")

	require.NoError(t, store.PutJob(ctx, jobstate.Job{ID: "ok", Status: jobstate.StatusPending}))
	cloudtest.PutRaw(t, ctx, bucket, "jobs/evaluation/broken.json", []byte("{not json"))
	cloudtest.PutRaw(t, ctx, bucket, "jobs/evaluation/nested/x.json", []byte("{}"))
	cloudtest.PutRaw(t, ctx, bucket, "jobs/evaluation/readme.txt", []byte("hi"))

	jobs, err := store.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "ok", jobs[0].ID)
}

func TestWatch_PollsS3_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	store := cloudtest.NewStore(t, ctx, bucket, "jobs/evaluation")
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.PutJob(ctx, jobstate.Job{ID: "j1", Status: jobstate.StatusProcessing, UpdatedAt: base}))

	result := make(chan json.RawMessage, 1)
	w := watch.New(store, watch.WithPollInterval(100*time.Millisecond))
	sess, err := w.Watch(ctx, "j1", watch.Callbacks{
		OnComplete: func(r json.RawMessage) { result <- r },
		OnError:    func(err error) { t.Errorf("unexpected error: %v", err) },
	})
	require.NoError(t, err)
	defer sess.Stop()

	require.NoError(t, store.PutJob(ctx, jobstate.Job{
		ID:        "j1",
		Status:    jobstate.StatusComplete,
		Result:    json.RawMessage(`{"score":1}`),
		UpdatedAt: base.Add(time.Second),
	}))

	select {
	case r := <-result:
		assert.JSONEq(t, `{"score":1}`, string(r))
	case <-time.After(10 * time.Second):
		t.Fatal("watch over s3 did not complete")
	}
	assert.Equal(t, watch.PushFailed, sess.Stats().PushState)
}
