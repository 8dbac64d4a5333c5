package fastpath

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privatebeach/beach-manager/internal/metrics"
	"github.com/privatebeach/beach-manager/internal/models"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	s := newSession(1, "s1", "peer-1", pc, metrics.New())
	t.Cleanup(s.Close)
	return s
}

func TestSessionInitialState(t *testing.T) {
	s := newTestSession(t)
	assert.Equal(t, StateOffering, s.State())
	assert.False(t, s.ActionsReady(), "no channel has opened yet")
}

func TestSessionCloseIsTerminalAndIdempotent(t *testing.T) {
	s := newTestSession(t)

	var closedCalls int
	s.onClosed = func(*Session) { closedCalls++ }

	s.Close()
	s.Close()

	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 1, closedCalls, "closed callback fires once")
	assert.False(t, s.ActionsReady())

	// The ack loop is released, so a supersede does not hang.
	s.DrainAcks()
}

func TestSendActionWithoutChannel(t *testing.T) {
	s := newTestSession(t)
	err := s.SendAction(&models.ActionCommand{ID: "a1", Kind: models.ActionTerminalWrite, Payload: []byte("A")})
	assert.ErrorIs(t, err, ErrChannelNotOpen)
}

func TestStateStrings(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateOffering, "offering"},
		{StateConnecting, "connecting"},
		{StateChannelsOpening, "channels_opening"},
		{StateReady, "ready"},
		{StateClosed, "closed"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestManagerLookup(t *testing.T) {
	m, err := NewManager(Config{}, metrics.New())
	require.NoError(t, err)
	t.Cleanup(m.CloseAll)

	_, ok := m.Get("missing")
	assert.False(t, ok)

	_, ok = m.AcquireActions("missing")
	assert.False(t, ok, "no session means no channel to win")

	err = m.AddRemoteCandidate("missing", webrtc.ICECandidateInit{Candidate: "candidate:0"})
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = m.LocalCandidates("missing")
	assert.ErrorIs(t, err, ErrNoSession)
}
