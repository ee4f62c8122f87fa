package sync

import "time"

// Outcome is the terminal state of a sync attempt.
type Outcome int

const (
	// Success: the account is in sync, or sync is disabled.
	Success Outcome = iota
	// Retry: the attempt stopped cleanly and should be re-run later.
	Retry
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Retry:
		return "retry"
	default:
		return "unknown"
	}
}

// Reason names the step that ended an attempt.
type Reason string

const (
	ReasonDisabled          Reason = "disabled"
	ReasonSynced            Reason = "synced"
	ReasonConnectFailed     Reason = "connect_failed"
	ReasonLockContended     Reason = "lock_contended"
	ReasonLockFailed        Reason = "lock_failed"
	ReasonFetchFailed       Reason = "fetch_failed"
	ReasonTimeout           Reason = "timeout"
	ReasonRemoteWriteFailed Reason = "remote_write_failed"
	ReasonVersionConflict   Reason = "version_conflict"
	ReasonStorageFailed     Reason = "storage_failed"
)

// Result describes one attempt.
type Result struct {
	Outcome  Outcome
	Reason   Reason
	Account  string
	Version  string
	Duration time.Duration
	Err      error
}

// Retryable reports whether the attempt should be re-run.
func (r Result) Retryable() bool {
	return r.Outcome == Retry
}
