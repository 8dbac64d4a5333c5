package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Runtime state lives in Redis hashes with a TTL so a vanished host ages
// out of view without a durable write per heartbeat.

func runtimeKey(sessionID string) string {
	return fmt.Sprintf("beach:runtime:%s", sessionID)
}

// RuntimeState is the transient per-session view assembled from
// heartbeats and state publishes.
type RuntimeState struct {
	SnapshotRef  string
	HealthStatus string
	PollerActive bool
	ReportedAt   time.Time
}

// SetRuntime merges fields into the session's runtime hash and refreshes
// the TTL. Zero-value fields are left untouched; the poller flag has its
// own setter so heartbeats cannot clobber it.
func (b *Broker) SetRuntime(ctx context.Context, sessionID string, st RuntimeState, ttl time.Duration) error {
	key := runtimeKey(sessionID)
	fields := map[string]interface{}{
		"reported_ms": time.Now().UnixMilli(),
	}
	if st.SnapshotRef != "" {
		fields["snapshot_ref"] = st.SnapshotRef
	}
	if st.HealthStatus != "" {
		fields["health"] = st.HealthStatus
	}

	if err := b.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("set runtime: %w", err)
	}
	if err := b.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("expire runtime: %w", err)
	}
	return nil
}

// SetPollerFlag records whether the HTTP fallback consumer is live.
func (b *Broker) SetPollerFlag(ctx context.Context, sessionID string, active bool, ttl time.Duration) error {
	key := runtimeKey(sessionID)
	if err := b.rdb.HSet(ctx, key, "poller_active", strconv.FormatBool(active)).Err(); err != nil {
		return fmt.Errorf("set poller flag: %w", err)
	}
	if err := b.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("expire runtime: %w", err)
	}
	return nil
}

// GetRuntime reads the session's runtime hash. Missing keys return a
// zero state, not an error.
func (b *Broker) GetRuntime(ctx context.Context, sessionID string) (RuntimeState, error) {
	vals, err := b.rdb.HGetAll(ctx, runtimeKey(sessionID)).Result()
	if err != nil {
		return RuntimeState{}, fmt.Errorf("get runtime: %w", err)
	}

	var st RuntimeState
	st.SnapshotRef = vals["snapshot_ref"]
	st.HealthStatus = vals["health"]
	st.PollerActive = vals["poller_active"] == "true"
	if ms, ok := vals["reported_ms"]; ok {
		if n, err := strconv.ParseInt(ms, 10, 64); err == nil {
			st.ReportedAt = time.UnixMilli(n)
		}
	}
	return st, nil
}
