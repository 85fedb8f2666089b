// Package engine wires the scheduler components together for recovery
// sessions.
//
// An Engine owns:
//
//   - the resource manager, which grants every task execution its share
//   - the success probability estimator
//   - the strategy manager, which plans phases from preferences, hardware
//     and past successes
//   - the work-stealing coordinator and its event bus
//   - a bounded event queue for external observers
//
// A session runs the planned phases in order of descending weight. Each
// phase splits its candidates into tasks that the coordinator spreads over
// the worker pool. A phase ends when its tasks are done, the password is
// found, its time limit passes, or a realtime check decides to skip it.
// Every phase outcome is recorded so later plans and estimates learn from
// it.
//
// Usage:
//
//	eng := engine.New(engine.ConfigFrom(cfg), hw, engine.WithStore(st))
//	eng.Registry().Register(phase.Dictionary, phase.NewCandidateList(phase.SHA256Matcher))
//	if err := eng.Start(ctx); err != nil {
//	    return err
//	}
//	defer eng.Stop()
//
//	out, err := eng.Run(ctx, engine.Job{
//	    Target:  target.Stat(path),
//	    Secret:  digest,
//	    Sources: map[string][]string{phase.Dictionary: words},
//	})
package engine
