// Package broker implements the brokered action stream over Redis.
//
// One stream per attached session, one consumer group with one logical
// consumer. Acknowledged entries are deleted; pending entries whose
// consumer has gone silent are reclaimed after a visibility timeout so a
// dead consumer cannot wedge the queue.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/privatebeach/beach-manager/internal/logger"
	"github.com/privatebeach/beach-manager/internal/models"
)

// Group is the consumer group name on every session stream.
const Group = "mgr"

// DefaultVisibilityTimeout is how long a delivered entry may sit
// unacked before the reclaim sweeper hands it to a fresh consumer.
const DefaultVisibilityTimeout = 30 * time.Second

// Broker wraps the Redis client with stream and runtime-state helpers.
type Broker struct {
	rdb *redis.Client
}

// Entry is one queued action as stored on the stream.
type Entry struct {
	ID         string
	Action     models.ActionCommand
	EnqueuedAt time.Time
}

// Connect parses the broker URL and verifies connectivity.
func Connect(ctx context.Context, url string) (*Broker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping broker: %w", err)
	}
	return &Broker{rdb: rdb}, nil
}

// NewFromClient wraps an existing client; used by tests with miniredis.
func NewFromClient(rdb *redis.Client) *Broker { return &Broker{rdb: rdb} }

// Close closes the underlying client.
func (b *Broker) Close() error { return b.rdb.Close() }

// Ping verifies connectivity, used by the readiness probe.
func (b *Broker) Ping(ctx context.Context) error { return b.rdb.Ping(ctx).Err() }

// StreamKey names the per-session action stream.
func StreamKey(privateBeachID, sessionID string) string {
	return fmt.Sprintf("beach:%s:actions:%s", privateBeachID, sessionID)
}

func (b *Broker) ensureGroup(ctx context.Context, stream string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Append adds one action to the session stream and returns the
// stream-assigned entry id.
func (b *Broker) Append(ctx context.Context, privateBeachID, sessionID string, cmd *models.ActionCommand) (string, error) {
	stream := StreamKey(privateBeachID, sessionID)
	if err := b.ensureGroup(ctx, stream); err != nil {
		return "", err
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("marshal action: %w", err)
	}

	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"action":      payload,
			"action_id":   cmd.ID,
			"enqueued_ms": time.Now().UnixMilli(),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append to stream: %w", err)
	}
	return id, nil
}

// ReadPending pops up to count new entries for the session's consumer,
// blocking up to block. Returns an empty slice on timeout.
func (b *Broker) ReadPending(ctx context.Context, privateBeachID, sessionID, consumer string, count int64, block time.Duration) ([]Entry, error) {
	stream := StreamKey(privateBeachID, sessionID)
	if err := b.ensureGroup(ctx, stream); err != nil {
		return nil, err
	}

	if block <= 0 {
		// A zero Block would ask the server to wait forever.
		block = -1
	}
	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    Group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	var entries []Entry
	for _, s := range res {
		for _, msg := range s.Messages {
			e, ok := decodeEntry(msg)
			if !ok {
				logger.Broker().Warn().Str("entry_id", msg.ID).Msg("Malformed stream entry skipped")
				continue
			}
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// Ack acknowledges and deletes entries. Idempotent: re-acking a deleted
// entry is a no-op.
func (b *Broker) Ack(ctx context.Context, privateBeachID, sessionID string, entryIDs ...string) error {
	if len(entryIDs) == 0 {
		return nil
	}
	stream := StreamKey(privateBeachID, sessionID)
	if err := b.rdb.XAck(ctx, stream, Group, entryIDs...).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := b.rdb.XDel(ctx, stream, entryIDs...).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

// Depth returns the number of entries still on the stream. Acked entries
// are deleted, so stream length is pending depth.
func (b *Broker) Depth(ctx context.Context, privateBeachID, sessionID string) (int64, error) {
	n, err := b.rdb.XLen(ctx, StreamKey(privateBeachID, sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen: %w", err)
	}
	return n, nil
}

// Lag returns the age of the oldest pending entry, zero when empty.
func (b *Broker) Lag(ctx context.Context, privateBeachID, sessionID string) (time.Duration, error) {
	msgs, err := b.rdb.XRangeN(ctx, StreamKey(privateBeachID, sessionID), "-", "+", 1).Result()
	if err != nil || len(msgs) == 0 {
		return 0, err
	}
	if e, ok := decodeEntry(msgs[0]); ok && !e.EnqueuedAt.IsZero() {
		return time.Since(e.EnqueuedAt), nil
	}
	return 0, nil
}

// FindEntry scans the stream for the entry carrying the given action id.
// Used by the ack paths when the in-memory correlation map has no entry
// (e.g. after a restart).
func (b *Broker) FindEntry(ctx context.Context, privateBeachID, sessionID, actionID string) (string, bool, error) {
	msgs, err := b.rdb.XRange(ctx, StreamKey(privateBeachID, sessionID), "-", "+").Result()
	if err != nil {
		return "", false, fmt.Errorf("xrange: %w", err)
	}
	for _, msg := range msgs {
		if id, _ := msg.Values["action_id"].(string); id == actionID {
			return msg.ID, true, nil
		}
	}
	return "", false, nil
}

// Reclaim transfers entries idle past the visibility timeout to the
// given consumer, returning them for redelivery.
func (b *Broker) Reclaim(ctx context.Context, privateBeachID, sessionID, consumer string, minIdle time.Duration) ([]Entry, error) {
	stream := StreamKey(privateBeachID, sessionID)
	msgs, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    Group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    100,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}

	var entries []Entry
	for _, msg := range msgs {
		if e, ok := decodeEntry(msg); ok {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func decodeEntry(msg redis.XMessage) (Entry, bool) {
	raw, ok := msg.Values["action"].(string)
	if !ok {
		return Entry{}, false
	}
	var cmd models.ActionCommand
	if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
		return Entry{}, false
	}
	e := Entry{ID: msg.ID, Action: cmd}
	if ms, ok := msg.Values["enqueued_ms"].(string); ok {
		if n, err := strconv.ParseInt(ms, 10, 64); err == nil {
			e.EnqueuedAt = time.UnixMilli(n)
		}
	}
	return e, true
}
