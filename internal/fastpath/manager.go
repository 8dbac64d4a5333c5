package fastpath

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/privatebeach/beach-manager/internal/logger"
	"github.com/privatebeach/beach-manager/internal/metrics"
	"github.com/privatebeach/beach-manager/internal/models"
)

// ErrChannelNotOpen is returned when a send targets a channel that has
// not opened.
var ErrChannelNotOpen = errors.New("fast-path channel not open")

// ErrNoSession is returned when no peer exists for the session id.
var ErrNoSession = errors.New("no fast-path session")

// Config carries the ICE NAT hints for the answering peer.
type Config struct {
	// PublicIP, when set, is advertised as a host candidate for NATed
	// deployments.
	PublicIP string

	// PortStart/PortEnd bound the ephemeral UDP range; zero means
	// unrestricted.
	PortStart uint16
	PortEnd   uint16
}

// Manager holds the process-wide map of session id to fast-path peer.
// The map is updated atomically with peer-connection state; the Command
// Gate reads it to decide fast-path delivery.
type Manager struct {
	api     *webrtc.API
	metrics *metrics.Metrics

	nextID atomic.Uint64

	mu       sync.RWMutex
	sessions map[string]*Session

	// AckHandler receives acks from every session's mgr-acks channel.
	AckHandler AckHandler

	// OnReady fires when a session's three channels complete the
	// sentinel handshake.
	OnReady func(sessionID string)

	// OnClosed fires when a peer closes and the registry slot is freed.
	OnClosed func(sessionID string)
}

// NewManager builds the peer factory with the configured ICE hints.
func NewManager(cfg Config, m *metrics.Metrics) (*Manager, error) {
	se := webrtc.SettingEngine{}
	if cfg.PortStart > 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.PortStart, cfg.PortEnd); err != nil {
			return nil, fmt.Errorf("set ICE port range: %w", err)
		}
	}
	if cfg.PublicIP != "" {
		se.SetNAT1To1IPs([]string{cfg.PublicIP}, webrtc.ICECandidateTypeHost)
	}

	return &Manager{
		api:      webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		metrics:  m,
		sessions: make(map[string]*Session),
	}, nil
}

// HandleOffer answers a host SDP offer, superseding any prior peer for
// the session. The prior peer's ack loop drains (or times out) before
// the new peer takes the registry slot.
func (m *Manager) HandleOffer(sessionID, peerID, offerSDP string) (answerSDP string, fastPathID uint64, err error) {
	m.mu.Lock()
	prior := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if prior != nil {
		logger.FastPath().Info().
			Str("session_id", sessionID).
			Uint64("prior_fast_path_id", prior.FastPathID).
			Msg("Superseding fast-path session")
		prior.Close()
		prior.DrainAcks()
	}

	pc, err := m.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return "", 0, fmt.Errorf("new peer connection: %w", err)
	}

	s := newSession(m.nextID.Add(1), sessionID, peerID, pc, m.metrics)
	s.ackHandler = m.AckHandler
	s.onReady = func(sess *Session) {
		logger.FastPath().Info().
			Str("session_id", sess.SessionID).
			Uint64("fast_path_id", sess.FastPathID).
			Msg("Fast-path ready")
		if m.OnReady != nil {
			m.OnReady(sess.SessionID)
		}
	}
	s.onClosed = func(sess *Session) {
		m.mu.Lock()
		if cur, ok := m.sessions[sess.SessionID]; ok && cur.FastPathID == sess.FastPathID {
			delete(m.sessions, sess.SessionID)
		}
		m.mu.Unlock()
		m.metrics.FastPathSessions.Dec()
		if m.OnClosed != nil {
			m.OnClosed(sess.SessionID)
		}
	}
	s.wire()

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}); err != nil {
		pc.Close()
		return "", 0, fmt.Errorf("set remote offer: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return "", 0, fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return "", 0, fmt.Errorf("set local answer: %w", err)
	}

	m.mu.Lock()
	m.sessions[sessionID] = s
	m.mu.Unlock()
	m.metrics.FastPathSessions.Inc()

	return answer.SDP, s.FastPathID, nil
}

// Get returns the current peer for a session id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// AcquireActions returns the session whose mgr-actions channel is ready
// to send on. First-channel-wins: whichever peer currently holds the
// slot with an open channel is accepted; callers do not wait for a
// particular fast_path_id, which would leave them bound to a handshake
// that a host re-offer has already replaced.
func (m *Manager) AcquireActions(sessionID string) (*Session, bool) {
	s, ok := m.Get(sessionID)
	if !ok || !s.ActionsReady() {
		return nil, false
	}
	return s, true
}

// ChannelReady reports whether a batch could go out on the data channel
// right now.
func (m *Manager) ChannelReady(sessionID string) bool {
	_, ok := m.AcquireActions(sessionID)
	return ok
}

// SendAction routes one action onto whichever peer currently wins the
// mgr-actions channel.
func (m *Manager) SendAction(sessionID string, cmd *models.ActionCommand) error {
	s, ok := m.AcquireActions(sessionID)
	if !ok {
		return ErrChannelNotOpen
	}
	return s.SendAction(cmd)
}

// AddRemoteCandidate routes a host ICE candidate to the session's peer.
func (m *Manager) AddRemoteCandidate(sessionID string, cand webrtc.ICECandidateInit) error {
	s, ok := m.Get(sessionID)
	if !ok {
		return ErrNoSession
	}
	return s.AddRemoteCandidate(cand)
}

// LocalCandidates drains gathered manager-side candidates for the host.
func (m *Manager) LocalCandidates(sessionID string) ([]webrtc.ICECandidateInit, error) {
	s, ok := m.Get(sessionID)
	if !ok {
		return nil, ErrNoSession
	}
	return s.LocalCandidates(), nil
}

// CloseAll tears down every peer; used during shutdown after intake has
// stopped.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
