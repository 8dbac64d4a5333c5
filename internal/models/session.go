// Package models defines the shared data model for the Beach Manager
// control plane: sessions, controller leases, action commands, and the
// control-channel protocol spoken to hosts.
package models

import (
	"time"
)

// HarnessKind identifies the kind of harness driving a session.
type HarnessKind string

const (
	HarnessTerminal HarnessKind = "terminal"
	HarnessGUI      HarnessKind = "gui"
	HarnessCustom   HarnessKind = "custom"
)

// TransportMode is the session's declared action-delivery transport.
type TransportMode string

const (
	// TransportFastPath means the session expects actions over the WebRTC
	// data channel; the gate rejects batches when no channel is open and
	// no HTTP poller is active.
	TransportFastPath TransportMode = "fast_path"

	// TransportHTTPFallback means the session drains actions via the
	// broker stream over HTTP polling.
	TransportHTTPFallback TransportMode = "http_fallback"
)

// SessionState tracks the session lifecycle.
type SessionState string

const (
	SessionRegistered SessionState = "registered"
	SessionAttached   SessionState = "attached"
	SessionStreaming  SessionState = "streaming"
	SessionEnded      SessionState = "ended"
)

// Session is one hosted process (terminal, GUI, or custom) bound to a
// private beach. The registry is the sole owner of Session lifetimes; the
// fast-path peer is referenced through the fast-path registry by id, never
// held on the Session itself.
type Session struct {
	ID              string        `json:"id"`
	PrivateBeachID  string        `json:"private_beach_id"`
	OriginSessionID string        `json:"origin_session_id"`
	HarnessKind     HarnessKind   `json:"harness_kind"`
	Capabilities    []string      `json:"capabilities"`
	TransportMode   TransportMode `json:"transport_mode"`
	FastPathReady   bool          `json:"fast_path_ready"`
	State           SessionState  `json:"state"`
	JoinCodeHash    string        `json:"-"`
	CreatedBy       string        `json:"created_by,omitempty"`
	Stale           bool          `json:"stale"`
	LastHealthAt    *time.Time    `json:"last_health_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// TransportHints tells a host how to reach the Manager's delivery paths.
// The channel labels are fixed; hosts must open exactly these three.
type TransportHints struct {
	SignalingOfferURL string   `json:"signaling_offer_url"`
	SignalingICEURL   string   `json:"signaling_ice_url"`
	ChannelLabels     []string `json:"channel_labels"`
	PollURL           string   `json:"poll_url"`
	AckURL            string   `json:"ack_url"`
}

// Fast-path data channel labels. The readiness handshake requires all
// three to open and deliver the plaintext sentinel.
const (
	ChannelActions = "mgr-actions"
	ChannelAcks    = "mgr-acks"
	ChannelState   = "mgr-state"
)

// ReadySentinel is emitted plaintext on each channel's open event. Both
// peers must perceive the channel as plaintext during the sentinel phase;
// encrypting it before the peer has negotiated secure transport leaves
// ack/state channels silently dead while actions still flow.
const ReadySentinel = "__ready__"

// SessionRuntime is the transient, TTL-bound runtime state for a session
// kept in the broker, never in the durable store.
type SessionRuntime struct {
	SessionID    string    `json:"session_id"`
	SnapshotRef  string    `json:"snapshot_ref,omitempty"`
	HealthStatus string    `json:"health_status,omitempty"`
	PollerActive bool      `json:"poller_active"`
	ReportedAt   time.Time `json:"reported_at"`
}
