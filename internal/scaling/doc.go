// Package scaling decides when the worker pool grows or shrinks.
//
// The coordinator asks the [Policy] for a scale-up when a task finds no
// worker to accept it, and for a scale-down on its periodic scale check.
// Both directions move by one worker per decision.
//
// The core types are:
//
//   - [Policy]: pool bounds, idle timeout and optional cooldown
//   - [WorkerLoad]: the per-worker view the policy evaluates
//   - [Decision]: scale up, scale down (naming the worker), or hold
//
// # Usage
//
//	policy := scaling.NewPolicy(
//	    scaling.WithMinWorkers(2),
//	    scaling.WithMaxWorkers(8),
//	    scaling.WithIdleTimeout(30 * time.Second),
//	)
//
//	if d := policy.EvaluateScaleDown(loads, time.Now()); d.Action == scaling.ActionScaleDown {
//	    removeWorker(d.WorkerID)
//	}
//
// # Thread Safety
//
// All types in this package are safe for concurrent use.
package scaling
