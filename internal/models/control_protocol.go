// Package models: control-channel protocol messages.
//
// This file defines the message types spoken over a session's
// pre-existing control channel (WebSocket) between the Manager and the
// harness on the host.
//
// Message Flow:
//
// Manager → Host:
//   - manager_handshake: credentials and hints for zero-config attach
//   - ping: keep-alive
//
// Host → Manager:
//   - health: periodic harness heartbeat
//   - state: state snapshot/delta reference
//
// Protocol Design:
//   - All messages are JSON-encoded
//   - Each message has a type field for routing
//   - The payload is raw JSON parsed per the type field
package models

import (
	"encoding/json"
	"time"
)

// ControlMessage is the top-level envelope for all control-channel
// traffic. The Type field determines how to parse the Payload.
type ControlMessage struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Control message types.
const (
	ControlManagerHandshake = "manager_handshake"
	ControlPing             = "ping"
	ControlHealth           = "health"
	ControlState            = "state"
)

// PublishTokenGrant is the short-lived session-scoped bearer handed to a
// host so it can publish state and health without a user credential.
type PublishTokenGrant struct {
	Token       string   `json:"token"`
	ExpiresAtMS int64    `json:"expires_at_ms"`
	Scopes      []string `json:"scopes"`
}

// ControllerAutoAttach carries everything the host needs to re-attach
// itself with zero prior configuration.
type ControllerAutoAttach struct {
	PrivateBeachID string     `json:"private_beach_id"`
	AttachCode     string     `json:"attach_code"`
	ManagerURL     string     `json:"manager_url"`
	IssuedAt       time.Time  `json:"issued_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// ManagerHandshake is pushed down the host's control channel after a
// successful attach. The host uses these fields exclusively; no
// environment configuration is expected on its side.
type ManagerHandshake struct {
	PrivateBeachID       string               `json:"private_beach_id"`
	ManagerURL           string               `json:"manager_url"`
	ControllerToken      string               `json:"controller_token"`
	ControllerAutoAttach ControllerAutoAttach `json:"controller_auto_attach"`
	IdlePublishToken     PublishTokenGrant    `json:"idle_publish_token"`
	TransportHints       TransportHints       `json:"transport_hints"`
}
