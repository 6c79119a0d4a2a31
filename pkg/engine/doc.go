// Package engine runs planq against a workspace.
//
// # Overview
//
// A Workspace is a directory holding a queue document, an archive and plan
// roots, configured by planq.cue (or .yaml/.json). Every state change holds
// the workspace lock for its whole duration, so exactly one writer works on
// a workspace at a time. There are two kinds of state change:
//
//   - Preflight runs the full pipeline: plan synchronization, queue
//     normalization, the quality gate, custom policies and archival.
//   - Mutate applies one item command (submit, claim, renew, release,
//     defer, resume, fail, complete, reclaim) to the queue.
//
// # Preflight pipeline
//
//  1. Lock - Acquire the workspace lock (filelock)
//  2. Load - Read the queue and the archive index
//  3. Reconcile - Create, migrate and normalize plan documents and keep
//     their stage items in the queue (reconcile)
//  4. Normalize - Repair queue fields and evaluate the quality gate (queue)
//  5. Policy - Evaluate Rego policies and add their violations to the gate
//  6. Archive - Decide which items and features move to the archive
//  7. Commit - Write plans, archive shards and index, then the queue
//  8. Summary - Write the summary snapshot and record the run
//
// All transformations happen in memory; a failure before step 7 leaves the
// workspace untouched. A dry run stops after step 6.
//
// # Errors
//
// Errors returned by a Workspace are *EngineError values with a class and a
// code. ExitCode maps them to process exit codes:
//
//	ExitOK          = 0
//	ExitFailure     = 1  // IO_FAILED, DOCUMENT_INVALID, NOT_FOUND, ...
//	ExitUsage       = 2  // CONFIG_INVALID, INVALID_ARGUMENT
//	ExitGateFailed  = 3  // GATE_FAILED
//	ExitPlanInvalid = 4  // PLAN_INVALID
//	ExitLockTimeout = 5  // LOCK_TIMEOUT
//
// # Example
//
//	ws, err := engine.Open(".", engine.Options{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	summary, err := ws.Preflight(ctx, engine.PreflightOptions{})
//	if err != nil {
//	    os.Exit(engine.ExitCode(err))
//	}
//	fmt.Println(summary.NextActions)
//
// # Watching
//
// Watch re-runs Preflight whenever a plan document, the queue or the
// configuration changes, debounced, and ignores the files its own runs wrote.
package engine
