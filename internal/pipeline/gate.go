package pipeline

import "fmt"

// DropReason enumerates why the Command Gate refused a batch. A drop
// refuses the entire batch: none of its actions are enqueued or sent.
type DropReason string

const (
	DropMissingLease     DropReason = "missing_lease"
	DropTargetMismatch   DropReason = "target_mismatch"
	DropChildNotAttached DropReason = "child_not_attached"
	DropFastPathNotReady DropReason = "fast_path_not_ready"
	DropSessionNotBound  DropReason = "session_not_bound"
	DropChildOffline     DropReason = "child_offline"
	DropQueueOverLimit   DropReason = "queue_over_limit"
	DropRateLimited      DropReason = "rate_limited"
)

// GateError is the typed refusal surfaced to callers when strict gating
// is enabled.
type GateError struct {
	Reason  DropReason
	Message string
}

func (e *GateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func gateErr(reason DropReason, format string, args ...interface{}) *GateError {
	return &GateError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}
