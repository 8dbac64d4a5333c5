package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLeaseLiveBoundary(t *testing.T) {
	expiry := time.Now()
	l := &ControllerLease{
		ID:        "0b7c9cda-3f1c-4a07-9f6e-0d3df55a2f11",
		SessionID: "s1",
		IssuedAt:  expiry.Add(-10 * time.Minute),
		ExpiresAt: expiry,
	}

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"Well before expiry", expiry.Add(-time.Minute), true},
		{"One millisecond before expiry", expiry.Add(-time.Millisecond), true},
		{"At expiry", expiry, false},
		{"One millisecond after expiry", expiry.Add(time.Millisecond), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, l.Live(tt.at))
		})
	}
}

func TestLeaseLiveRevoked(t *testing.T) {
	now := time.Now()
	revoked := now.Add(-time.Minute)
	l := &ControllerLease{
		ExpiresAt: now.Add(time.Hour),
		RevokedAt: &revoked,
	}
	assert.False(t, l.Live(now), "revocation is terminal")
}

func TestActionCommandExpired(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		deadline int64
		want     bool
	}{
		{"No deadline", 0, false},
		{"Future deadline", now.Add(time.Minute).UnixMilli(), false},
		{"Past deadline", now.Add(-time.Minute).UnixMilli(), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &ActionCommand{ID: "a", ExpiresAtMS: tt.deadline}
			assert.Equal(t, tt.want, cmd.Expired(now))
		})
	}
}
