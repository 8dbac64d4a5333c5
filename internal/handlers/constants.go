// Package handlers defines constants for HTTP handlers.
package handlers

import "time"

// Control channel constants.
const (
	// ControlReadBufferSize is the WebSocket read buffer size
	ControlReadBufferSize = 1024

	// ControlWriteBufferSize is the WebSocket write buffer size
	ControlWriteBufferSize = 1024
)

// Pagination constants.
const (
	// DefaultEventPageSize is the default controller-events page size
	DefaultEventPageSize = 100

	// MaxEventPageSize caps one controller-events page
	MaxEventPageSize = 500
)

// Lease constants.
const (
	// MaxLeaseTTL caps a requested lease duration
	MaxLeaseTTL = 4 * time.Hour
)

// Action constants.
const (
	// MaxBatchActions caps the number of actions in one queue call
	MaxBatchActions = 128

	// DefaultPollCount is the default poll drain size
	DefaultPollCount = 50
)
