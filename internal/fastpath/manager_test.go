package fastpath

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privatebeach/beach-manager/internal/metrics"
	"github.com/privatebeach/beach-manager/internal/models"
)

// dialHost drives the host side of the signaling exchange against the
// manager: creates the three channels, offers with gathered candidates,
// applies the answer, and pumps the manager's trickled candidates back.
func dialHost(t *testing.T, m *Manager, sessionID string) (*webrtc.PeerConnection, uint64) {
	t.Helper()

	host, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { host.Close() })

	for _, label := range []string{models.ChannelActions, models.ChannelAcks, models.ChannelState} {
		_, err := host.CreateDataChannel(label, nil)
		require.NoError(t, err)
	}

	offer, err := host.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(host)
	require.NoError(t, host.SetLocalDescription(offer))
	<-gathered

	answer, fastPathID, err := m.HandleOffer(sessionID, "host-peer", host.LocalDescription().SDP)
	require.NoError(t, err)
	require.NoError(t, host.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}))

	// Pump the manager's trickled candidates to the host until this
	// peer is superseded or the test ends. The fast_path_id guard stops
	// a stale pump from draining a successor's candidates.
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(50 * time.Millisecond):
			}
			cur, ok := m.Get(sessionID)
			if !ok || cur.FastPathID != fastPathID {
				return
			}
			cands, err := m.LocalCandidates(sessionID)
			if err != nil {
				continue
			}
			for _, c := range cands {
				host.AddICECandidate(c)
			}
		}
	}()

	return host, fastPathID
}

func waitForActions(t *testing.T, m *Manager, sessionID string) *Session {
	t.Helper()
	var got *Session
	require.Eventually(t, func() bool {
		s, ok := m.AcquireActions(sessionID)
		if ok {
			got = s
		}
		return ok
	}, 20*time.Second, 100*time.Millisecond, "mgr-actions never became ready")
	return got
}

func TestHandshakeReachesReady(t *testing.T) {
	m, err := NewManager(Config{}, metrics.New())
	require.NoError(t, err)
	t.Cleanup(m.CloseAll)

	ready := make(chan string, 4)
	m.OnReady = func(sessionID string) { ready <- sessionID }

	_, fastPathID := dialHost(t, m, "s1")

	s := waitForActions(t, m, "s1")
	assert.Equal(t, fastPathID, s.FastPathID)
	assert.True(t, m.ChannelReady("s1"))

	require.Eventually(t, func() bool { return s.State() == StateReady }, 20*time.Second, 100*time.Millisecond)
	select {
	case sid := <-ready:
		assert.Equal(t, "s1", sid)
	case <-time.After(5 * time.Second):
		t.Fatal("ready callback never fired")
	}
}

func TestReofferSupersedesPriorPeer(t *testing.T) {
	m, err := NewManager(Config{}, metrics.New())
	require.NoError(t, err)
	t.Cleanup(m.CloseAll)

	_, firstID := dialHost(t, m, "s2")
	first := waitForActions(t, m, "s2")
	require.Equal(t, firstID, first.FastPathID)

	// The host re-offers; the prior peer is closed and its ack loop
	// drained before the new one takes the slot.
	_, secondID := dialHost(t, m, "s2")
	assert.Greater(t, secondID, firstID, "fast_path_id is monotonic")
	assert.Equal(t, StateClosed, first.State(), "prior peer closed by the time HandleOffer returns")

	// First-channel-wins: the forwarder binds to whichever peer now
	// holds an open mgr-actions, without waiting on a specific id.
	second := waitForActions(t, m, "s2")
	assert.Equal(t, secondID, second.FastPathID)
	assert.False(t, first.ActionsReady())

	// Sends land on the winner, not the superseded peer.
	err = m.SendAction("s2", &models.ActionCommand{ID: "a1", Kind: models.ActionTerminalWrite, Payload: []byte("A")})
	assert.NoError(t, err)
}

func TestCloseAllTearsDownPeers(t *testing.T) {
	m, err := NewManager(Config{}, metrics.New())
	require.NoError(t, err)

	_, _ = dialHost(t, m, "s3")
	s := waitForActions(t, m, "s3")

	m.CloseAll()
	assert.Equal(t, StateClosed, s.State())
	_, ok := m.Get("s3")
	assert.False(t, ok)
	assert.False(t, m.ChannelReady("s3"))
}
