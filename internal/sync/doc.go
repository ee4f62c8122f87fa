// Package sync runs one synchronization attempt of the active account
// against the remote blob store.
//
// An attempt walks a fixed sequence of steps and ends in exactly one of two
// terminal outcomes:
//
//	resolve account -> connect -> lock -> fetch (local || remote) -> merge
//	  -> deadline check -> write remote + release lock -> write local (CAS)
//	  -> schedule periodic sync
//
// Success means the account is in sync or sync is disabled. Retry means the
// attempt stopped cleanly and should be re-run from scratch later; the
// orchestrator never retries internally. Result.Reason says which step ended
// the attempt.
//
// The local write is a compare-and-swap on the account's version token: if a
// user edit landed while the attempt was running, the local rows are left
// untouched and the attempt reports Retry with ReasonVersionConflict.
//
// Example:
//
//	o := sync.New(sync.Config{
//	    Prefs:     st,
//	    Store:     st,
//	    Connector: remote.DirConnector{Root: "/mnt/drive/todosync"},
//	    Scheduler: runner,
//	    Logger:    logger,
//	})
//	res := o.Run(ctx)
//	if res.Outcome == sync.Retry {
//	    // hand back to the job runner
//	}
package sync
