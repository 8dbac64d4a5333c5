package lease

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privatebeach/beach-manager/internal/audit"
	"github.com/privatebeach/beach-manager/internal/metrics"
	"github.com/privatebeach/beach-manager/internal/models"
)

func newTestManager(t *testing.T) (*Manager, *MemoryStore, *audit.Memory) {
	t.Helper()
	store := NewMemoryStore()
	aud := audit.NewMemory()
	return NewManager(store, aud, metrics.New()), store, aud
}

func insertLease(t *testing.T, store *MemoryStore, sessionID string, issuedAt, expiresAt time.Time) string {
	t.Helper()
	id := uuid.New().String()
	require.NoError(t, store.Insert(context.Background(), &models.ControllerLease{
		ID:        id,
		SessionID: sessionID,
		IssuedBy:  "tester",
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}))
	return id
}

func TestAcquireValidateRoundTrip(t *testing.T) {
	m, _, aud := newTestManager(t)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "s1", "operator", "operator", time.Hour, "driving")
	require.NoError(t, err)

	got, err := m.Validate(ctx, l.Token(), "s1")
	require.NoError(t, err)
	assert.Equal(t, l.ID, got.ID)

	// The acquired event was durable before the token was handed out.
	kinds := aud.Kinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, models.EventAcquired, kinds[0])
}

func TestConcurrentAcquiresYieldDistinctSiblings(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	a, err := m.Acquire(ctx, "s1", "agent", "agent", time.Hour, "")
	require.NoError(t, err)
	b, err := m.Acquire(ctx, "s1", "human", "human", time.Hour, "")
	require.NoError(t, err)

	assert.NotEqual(t, a.Token(), b.Token())

	_, err = m.Validate(ctx, a.Token(), "s1")
	assert.NoError(t, err)
	_, err = m.Validate(ctx, b.Token(), "s1")
	assert.NoError(t, err)

	active, err := m.ListActive(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestValidateExpiryBoundary(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	now := time.Now()

	tests := []struct {
		name      string
		expiresAt time.Time
		wantErr   error
	}{
		{"Just past expiry", now.Add(-time.Millisecond), ErrExpired},
		{"Long expired", now.Add(-time.Hour), ErrExpired},
		{"Still live", now.Add(5 * time.Second), nil},
		{"Far from expiry", now.Add(time.Hour), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := insertLease(t, store, "s1", now.Add(-time.Minute), tt.expiresAt)
			_, err := m.Validate(ctx, id, "s1")
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestValidateFailureModes(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "s1", "operator", "operator", time.Hour, "")
	require.NoError(t, err)

	_, err = m.Validate(ctx, l.Token(), "s2")
	assert.ErrorIs(t, err, ErrTargetMismatch)

	_, err = m.Validate(ctx, "not-a-uuid", "s1")
	assert.ErrorIs(t, err, ErrUnknown)

	_, err = m.Validate(ctx, uuid.New().String(), "s1")
	assert.ErrorIs(t, err, ErrUnknown)
}

func TestRenewExtendsInPlace(t *testing.T) {
	m, _, aud := newTestManager(t)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "s1", "operator", "operator", time.Hour, "")
	require.NoError(t, err)
	sibling, err := m.Acquire(ctx, "s1", "agent", "agent", time.Hour, "")
	require.NoError(t, err)

	var renewedSessions []string
	var mu sync.Mutex
	m.RenewHook = func(sessionID string) {
		mu.Lock()
		renewedSessions = append(renewedSessions, sessionID)
		mu.Unlock()
	}

	renewed, err := m.Renew(ctx, l.Token())
	require.NoError(t, err)
	assert.Equal(t, l.ID, renewed.ID, "renewal never allocates a new token")
	assert.True(t, renewed.ExpiresAt.After(l.ExpiresAt))

	// The sibling is untouched.
	got, err := m.Validate(ctx, sibling.Token(), "s1")
	require.NoError(t, err)
	assert.Equal(t, sibling.ExpiresAt.Unix(), got.ExpiresAt.Unix())

	assert.Contains(t, aud.Kinds(), models.EventRenewed)
	mu.Lock()
	assert.Equal(t, []string{"s1"}, renewedSessions)
	mu.Unlock()
}

func TestRenewFailureModes(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Renew(ctx, uuid.New().String())
	assert.ErrorIs(t, err, ErrUnknown)

	expired := insertLease(t, store, "s1", time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour))
	_, err = m.Renew(ctx, expired)
	assert.ErrorIs(t, err, ErrExpired)

	l, err := m.Acquire(ctx, "s1", "operator", "operator", time.Hour, "")
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, l.Token()))
	_, err = m.Renew(ctx, l.Token())
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestReleaseIsIdempotentAndTerminal(t *testing.T) {
	m, _, aud := newTestManager(t)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "s1", "operator", "operator", time.Hour, "")
	require.NoError(t, err)

	require.NoError(t, m.Release(ctx, l.Token()))
	require.NoError(t, m.Release(ctx, l.Token()), "second release is a no-op")
	require.NoError(t, m.Release(ctx, uuid.New().String()), "releasing an unknown token succeeds quietly")

	_, err = m.Validate(ctx, l.Token(), "s1")
	assert.ErrorIs(t, err, ErrRevoked)

	assert.Contains(t, aud.Kinds(), models.EventReleased)
}

func TestReleaseHookFiresOnLastLease(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	var mu sync.Mutex
	var stripped []string
	m.ReleaseHook = func(sessionID string) {
		mu.Lock()
		stripped = append(stripped, sessionID)
		mu.Unlock()
	}

	a, err := m.Acquire(ctx, "s1", "agent", "agent", time.Hour, "")
	require.NoError(t, err)
	b, err := m.Acquire(ctx, "s1", "human", "human", time.Hour, "")
	require.NoError(t, err)

	require.NoError(t, m.Release(ctx, a.Token()))
	mu.Lock()
	assert.Empty(t, stripped, "a sibling is still active")
	mu.Unlock()

	require.NoError(t, m.Release(ctx, b.Token()))
	mu.Lock()
	assert.Equal(t, []string{"s1"}, stripped)
	mu.Unlock()
}

func TestRevokeAll(t *testing.T) {
	m, _, aud := newTestManager(t)
	ctx := context.Background()

	a, err := m.Acquire(ctx, "s1", "agent", "agent", time.Hour, "")
	require.NoError(t, err)
	b, err := m.Acquire(ctx, "s1", "human", "human", time.Hour, "")
	require.NoError(t, err)
	other, err := m.Acquire(ctx, "s2", "human", "human", time.Hour, "")
	require.NoError(t, err)

	n, err := m.RevokeAll(ctx, "s1", "emergency stop")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = m.Validate(ctx, a.Token(), "s1")
	assert.ErrorIs(t, err, ErrRevoked)
	_, err = m.Validate(ctx, b.Token(), "s1")
	assert.ErrorIs(t, err, ErrRevoked)

	// Leases on other sessions are untouched.
	_, err = m.Validate(ctx, other.Token(), "s2")
	assert.NoError(t, err)

	var revokedEvents int
	for _, k := range aud.Kinds() {
		if k == models.EventRevoked {
			revokedEvents++
		}
	}
	assert.Equal(t, 2, revokedEvents, "one revoked event per lease")
}

func TestSweepRemovesOnlyLeasesPastGrace(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	old := insertLease(t, store, "s1", time.Now().Add(-4*time.Hour), time.Now().Add(-2*time.Hour))
	recent := insertLease(t, store, "s1", time.Now().Add(-time.Hour), time.Now().Add(-time.Minute))
	live, err := m.Acquire(ctx, "s1", "operator", "operator", time.Hour, "")
	require.NoError(t, err)

	m.sweep(ctx)

	_, err = store.Get(ctx, old)
	assert.ErrorIs(t, err, ErrUnknown, "expired past the grace window is removed")

	_, err = store.Get(ctx, recent)
	assert.NoError(t, err, "recently expired stays within the grace window")

	_, err = m.Validate(ctx, live.Token(), "s1")
	assert.NoError(t, err)
}
