// Package watch observes a server-computed job until it reaches a terminal
// status.
//
// A Session races two channels: a push subscription from the job store and a
// fixed-interval poll loop. Both feed one serialized adopt step that drops
// stale snapshots by UpdatedAt and fires OnComplete or OnError at most once,
// whichever channel gets there first. Every subscription and ticker is
// released when the session stops, whether by terminal status, by Stop, or by
// cancellation of the context passed to Watch.
//
// Basic usage:
//
//	w := watch.New(store, watch.WithLogger(logger))
//	sess, err := w.Watch(ctx, jobID, watch.Callbacks{
//		OnUpdate:   func(job jobstate.Job) { ... },
//		OnComplete: func(result json.RawMessage) { ... },
//		OnError:    func(err error) { ... },
//	})
//	if err != nil {
//		return err
//	}
//	defer sess.Stop()
package watch
