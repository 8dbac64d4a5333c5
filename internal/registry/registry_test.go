package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privatebeach/beach-manager/internal/audit"
	"github.com/privatebeach/beach-manager/internal/broker"
	"github.com/privatebeach/beach-manager/internal/models"
)

func newTestRegistry(t *testing.T, staleAfter time.Duration) (*Registry, *audit.Memory) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	aud := audit.NewMemory()
	return New(NewMemoryStore(), broker.NewFromClient(rdb), aud, staleAfter, time.Second), aud
}

func register(t *testing.T, r *Registry, id, privateBeachID string) *RegisterResult {
	t.Helper()
	res, err := r.Register(context.Background(), RegisterParams{
		SessionID:       id,
		PrivateBeachID:  privateBeachID,
		OriginSessionID: "origin-" + id,
		HarnessKind:     models.HarnessTerminal,
	})
	require.NoError(t, err)
	return res
}

func TestRegisterIdempotentOnBeachAndOrigin(t *testing.T) {
	r, aud := newTestRegistry(t, time.Minute)

	first := register(t, r, "s1", "pb1")
	assert.NotEmpty(t, first.JoinCode, "first registration hands out the join code")
	assert.Equal(t, models.SessionAttached, first.Session.State)

	// Re-registration after an outage returns the existing session.
	second, err := r.Register(context.Background(), RegisterParams{
		SessionID:       "different-id",
		PrivateBeachID:  "pb1",
		OriginSessionID: "origin-s1",
	})
	require.NoError(t, err)
	assert.Equal(t, first.Session.ID, second.Session.ID)
	assert.Empty(t, second.JoinCode, "no fresh join code on re-registration")

	var registered int
	for _, ev := range aud.Events() {
		if ev.Kind == "registered" {
			registered++
		}
	}
	assert.Equal(t, 1, registered, "registered audit event only on first registration")
}

func TestRegisterRequiresOrigin(t *testing.T) {
	r, _ := newTestRegistry(t, time.Minute)
	_, err := r.Register(context.Background(), RegisterParams{SessionID: "s1"})
	assert.Error(t, err)
}

func TestRegisterListRoundTrip(t *testing.T) {
	r, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	attached := register(t, r, "s1", "pb1")
	register(t, r, "s2", "pb2")
	register(t, r, "s3", "")

	sessions, err := r.List(ctx, "pb1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, attached.Session.ID, sessions[0].ID)

	// A session is visible to a beach only once attached.
	sessions, err = r.List(ctx, "pb-empty")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestBindAttachesSession(t *testing.T) {
	r, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	register(t, r, "s1", "")

	bound, err := r.Bind(ctx, "s1", "pb1")
	require.NoError(t, err)
	assert.Equal(t, "pb1", bound.PrivateBeachID)
	assert.Equal(t, models.SessionAttached, bound.State)

	got, err := r.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "pb1", got.PrivateBeachID)

	sessions, err := r.List(ctx, "pb1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].ID)
}

func TestBindUnknownSession(t *testing.T) {
	r, _ := newTestRegistry(t, time.Minute)
	_, err := r.Bind(context.Background(), "missing", "pb1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVerifyJoinCode(t *testing.T) {
	r, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	res := register(t, r, "s1", "pb1")

	ok, err := r.VerifyJoinCode(ctx, "s1", res.JoinCode)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.VerifyJoinCode(ctx, "s1", "WRONG1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOfflineTracksHeartbeatAge(t *testing.T) {
	r, _ := newTestRegistry(t, 50*time.Millisecond)
	ctx := context.Background()

	register(t, r, "s1", "pb1")

	// Never reported health: not offline, it may predate the loop.
	assert.False(t, r.Offline(ctx, "s1"))

	require.NoError(t, r.RecordHealth(ctx, "s1", "ok"))
	assert.False(t, r.Offline(ctx, "s1"))

	time.Sleep(120 * time.Millisecond)
	assert.True(t, r.Offline(ctx, "s1"))
}

func TestSweepStaleMarksCachedSessions(t *testing.T) {
	r, _ := newTestRegistry(t, 50*time.Millisecond)
	ctx := context.Background()

	register(t, r, "s1", "pb1")
	require.NoError(t, r.RecordHealth(ctx, "s1", "ok"))

	r.sweepStale(ctx)
	got, err := r.Get(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, got.Stale)

	time.Sleep(120 * time.Millisecond)
	r.sweepStale(ctx)

	got, err = r.Get(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, got.Stale, "silence past the threshold marks the session")
	require.NotNil(t, got.LastHealthAt)
}

func TestEndEvictsSession(t *testing.T) {
	r, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	register(t, r, "s1", "pb1")
	require.NoError(t, r.End(ctx, "s1"))

	sessions, err := r.List(ctx, "pb1")
	require.NoError(t, err)
	assert.Empty(t, sessions, "ended sessions drop out of listings")
}

func TestSetTransportMode(t *testing.T) {
	r, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	register(t, r, "s1", "pb1")
	require.NoError(t, r.SetTransportMode(ctx, "s1", models.TransportFastPath))

	got, err := r.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.TransportFastPath, got.TransportMode)
}
