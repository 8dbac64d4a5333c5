package handshake

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privatebeach/beach-manager/internal/audit"
	"github.com/privatebeach/beach-manager/internal/auth"
	"github.com/privatebeach/beach-manager/internal/broker"
	"github.com/privatebeach/beach-manager/internal/control"
	"github.com/privatebeach/beach-manager/internal/directory"
	"github.com/privatebeach/beach-manager/internal/lease"
	"github.com/privatebeach/beach-manager/internal/metrics"
	"github.com/privatebeach/beach-manager/internal/models"
	"github.com/privatebeach/beach-manager/internal/registry"
)

// recordingBinder captures the pairing calls the coordinator makes on
// the action pipeline.
type recordingBinder struct {
	mu      sync.Mutex
	bound   map[string]string
	unbound []string
}

func newRecordingBinder() *recordingBinder {
	return &recordingBinder{bound: make(map[string]string)}
}

func (b *recordingBinder) BindController(leaseID, sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bound[leaseID] = sessionID
}

func (b *recordingBinder) UnbindSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unbound = append(b.unbound, sessionID)
}

type coordFixture struct {
	coord  *Coordinator
	reg    *registry.Registry
	leases *lease.Manager
	hub    *control.Hub
	tokens *auth.PublishTokens
	aud    *audit.Memory
	binder *recordingBinder
}

func newCoordFixture(t *testing.T, dir *directory.Client) *coordFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	aud := audit.NewMemory()
	brk := broker.NewFromClient(rdb)
	reg := registry.New(registry.NewMemoryStore(), brk, aud, time.Minute, time.Second)
	leases := lease.NewManager(lease.NewMemoryStore(), aud, metrics.New())
	hub := control.NewHub()
	tokens := auth.NewPublishTokens("coord-test-secret")
	binder := newRecordingBinder()

	return &coordFixture{
		coord:  New(reg, leases, dir, hub, tokens, aud, binder, "http://manager.test"),
		reg:    reg,
		leases: leases,
		hub:    hub,
		tokens: tokens,
		aud:    aud,
		binder: binder,
	}
}

func stubDirectory(t *testing.T, status int) *directory.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return directory.NewClient(srv.URL)
}

func registerSession(t *testing.T, f *coordFixture, id string) *registry.RegisterResult {
	t.Helper()
	res, err := f.reg.Register(context.Background(), registry.RegisterParams{
		SessionID:       id,
		OriginSessionID: "origin-" + id,
		HarnessKind:     models.HarnessTerminal,
	})
	require.NoError(t, err)
	return res
}

// dialControl connects a host-side control channel so the test can read
// what the coordinator dispatches.
func dialControl(t *testing.T, hub *control.Hub, sessionID string) *websocket.Conn {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		hub.Attach(sessionID, conn)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readHandshake(t *testing.T, conn *websocket.Conn) models.ManagerHandshake {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg models.ControlMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	require.Equal(t, models.ControlManagerHandshake, msg.Type)

	var hs models.ManagerHandshake
	require.NoError(t, json.Unmarshal(msg.Payload, &hs))
	return hs
}

func TestAttachByCodeRoundTrip(t *testing.T) {
	f := newCoordFixture(t, stubDirectory(t, http.StatusOK))
	ctx := context.Background()

	registerSession(t, f, "s6")
	conn := dialControl(t, f.hub, "s6")

	sess, err := f.coord.AttachByCode(ctx, "pb1", "s6", "ABCDEF", "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "pb1", sess.PrivateBeachID)
	assert.Equal(t, models.SessionAttached, sess.State)

	// The round-trip law: the attached session shows up in the listing.
	listed, err := f.reg.List(ctx, "pb1")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "s6", listed[0].ID)

	// A publish token was minted, scoped to this session.
	grant, ok := f.coord.Grant("s6")
	require.True(t, ok)
	hp, err := f.tokens.Verify(grant.Token)
	require.NoError(t, err)
	assert.Equal(t, "s6", hp.SessionID)

	// A bootstrap lease exists and was paired with the session.
	active, err := f.leases.ListActive(ctx, "s6")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Empty(t, active[0].ControllingAccount, "bootstrap leases have no controlling account")
	f.binder.mu.Lock()
	assert.Equal(t, "s6", f.binder.bound[active[0].ID])
	f.binder.mu.Unlock()

	// The attach was audited.
	assert.Contains(t, f.aud.Kinds(), models.EventAttached)

	// The host received the manager_handshake with everything it needs.
	hs := readHandshake(t, conn)
	assert.Equal(t, "pb1", hs.PrivateBeachID)
	assert.Equal(t, "http://manager.test", hs.ManagerURL)
	assert.Equal(t, active[0].ID, hs.ControllerToken)
	assert.Equal(t, "ABCDEF", hs.ControllerAutoAttach.AttachCode)
	assert.Equal(t, grant.Token, hs.IdlePublishToken.Token)
	assert.ElementsMatch(t,
		[]string{models.ChannelActions, models.ChannelAcks, models.ChannelState},
		hs.TransportHints.ChannelLabels)
}

func TestAttachByCodeRejectedCode(t *testing.T) {
	f := newCoordFixture(t, stubDirectory(t, http.StatusForbidden))
	ctx := context.Background()

	registerSession(t, f, "s6")

	_, err := f.coord.AttachByCode(ctx, "pb1", "s6", "WRONG1", "acct-1")
	assert.ErrorIs(t, err, ErrCodeInvalid)

	// Nothing was bound or minted.
	got, err := f.reg.Get(ctx, "s6")
	require.NoError(t, err)
	assert.Empty(t, got.PrivateBeachID)
	_, ok := f.coord.Grant("s6")
	assert.False(t, ok)
}

func TestAttachByCodeUnknownSession(t *testing.T) {
	f := newCoordFixture(t, stubDirectory(t, http.StatusOK))
	_, err := f.coord.AttachByCode(context.Background(), "pb1", "missing", "ABCDEF", "acct-1")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestAttachByCodeDirectoryDownFallsBackToLocalCode(t *testing.T) {
	// An unconfigured directory client always reports unreachable.
	f := newCoordFixture(t, directory.NewClient(""))
	ctx := context.Background()

	res := registerSession(t, f, "s6")

	// The locally minted join code still proves control.
	sess, err := f.coord.AttachByCode(ctx, "pb1", "s6", res.JoinCode, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "pb1", sess.PrivateBeachID)
}

func TestAttachByCodeDirectoryDownWrongCode(t *testing.T) {
	f := newCoordFixture(t, directory.NewClient(""))
	ctx := context.Background()

	registerSession(t, f, "s6")

	_, err := f.coord.AttachByCode(ctx, "pb1", "s6", "WRONG1", "acct-1")
	assert.ErrorIs(t, err, ErrDirectoryUnavailable)
}

func TestAttachOwnedCountsDuplicates(t *testing.T) {
	f := newCoordFixture(t, stubDirectory(t, http.StatusOK))
	ctx := context.Background()

	registerSession(t, f, "s1")
	registerSession(t, f, "s2")
	_, err := f.coord.AttachByCode(ctx, "pb1", "s1", "ABCDEF", "acct-1")
	require.NoError(t, err)

	res, err := f.coord.AttachOwned(ctx, "pb1", []string{"s1", "s2"}, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attached)
	assert.Equal(t, 1, res.Duplicates)
}

func TestLastLeaseReleaseStripsGrant(t *testing.T) {
	f := newCoordFixture(t, stubDirectory(t, http.StatusOK))
	ctx := context.Background()

	registerSession(t, f, "s6")
	_, err := f.coord.AttachByCode(ctx, "pb1", "s6", "ABCDEF", "acct-1")
	require.NoError(t, err)

	active, err := f.leases.ListActive(ctx, "s6")
	require.NoError(t, err)
	require.Len(t, active, 1)

	require.NoError(t, f.leases.Release(ctx, active[0].ID))

	_, ok := f.coord.Grant("s6")
	assert.False(t, ok, "grant stripped when the last lease goes away")
	f.binder.mu.Lock()
	assert.Contains(t, f.binder.unbound, "s6")
	f.binder.mu.Unlock()
}

func TestRenewRotatesPublishToken(t *testing.T) {
	f := newCoordFixture(t, stubDirectory(t, http.StatusOK))
	ctx := context.Background()

	registerSession(t, f, "s6")
	_, err := f.coord.AttachByCode(ctx, "pb1", "s6", "ABCDEF", "acct-1")
	require.NoError(t, err)

	before, ok := f.coord.Grant("s6")
	require.True(t, ok)

	active, err := f.leases.ListActive(ctx, "s6")
	require.NoError(t, err)
	require.Len(t, active, 1)

	// Publish tokens carry second-granularity timestamps; step past the
	// issue instant so the rotated token differs.
	time.Sleep(1100 * time.Millisecond)
	_, err = f.leases.Renew(ctx, active[0].ID)
	require.NoError(t, err)

	after, ok := f.coord.Grant("s6")
	require.True(t, ok)
	assert.NotEqual(t, before.Token, after.Token, "renewal re-mints the publish token")
}
