package models

import "time"

// ActionKind identifies a controller action type. The Manager treats the
// payload as opaque bytes; the only payload-level contract is
// dedup-by-id.
type ActionKind string

const (
	ActionTerminalWrite ActionKind = "terminal_write"
	ActionPointerInput  ActionKind = "pointer_input"
	ActionKeyInput      ActionKind = "key_input"
	ActionCustom        ActionKind = "custom"
)

// ActionCommand is one client-supplied unit of input. The client-assigned
// ID is the dedup key within a session's queue horizon and the ack
// correlation key.
type ActionCommand struct {
	ID       string     `json:"id"`
	Kind     ActionKind `json:"type"`
	Payload  []byte     `json:"payload"`
	Priority int        `json:"priority,omitempty"`
	// ExpiresAtMS is an optional client deadline, epoch milliseconds.
	// Expired actions are dropped at delivery, not at enqueue.
	ExpiresAtMS int64 `json:"expires_at_ms,omitempty"`
}

// Expired reports whether the command carries a deadline that has passed.
func (a *ActionCommand) Expired(now time.Time) bool {
	return a.ExpiresAtMS > 0 && now.UnixMilli() > a.ExpiresAtMS
}

// AckStatus is the host-reported outcome of applying one action.
type AckStatus string

const (
	AckApplied AckStatus = "applied"
	AckFailed  AckStatus = "failed"
	AckStale   AckStatus = "stale"
)

// ActionAck correlates a host-side apply back to a queued action. Acks
// may arrive on either path (mgr-acks channel or the HTTP ack endpoint)
// and in any order; correlation is by action ID only.
type ActionAck struct {
	ID        string    `json:"id"`
	Status    AckStatus `json:"status"`
	AppliedAt time.Time `json:"applied_at"`
	LatencyMS int64     `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
}

// QueueStatus is the host-facing pending summary used to gate HTTP
// polling.
type QueueStatus struct {
	Depth         int64         `json:"depth"`
	Lag           int64         `json:"lag"`
	FastPathReady bool          `json:"fast_path_ready"`
	Transport     TransportMode `json:"transport"`
}

// RejectedAction reports one action the gate or pipeline refused.
type RejectedAction struct {
	ID      string `json:"id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// QueueResult is the response body for a batch submit.
type QueueResult struct {
	AcceptedIDs []string         `json:"accepted_ids"`
	Rejected    []RejectedAction `json:"rejected"`
}
