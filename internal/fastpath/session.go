package fastpath

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/privatebeach/beach-manager/internal/logger"
	"github.com/privatebeach/beach-manager/internal/metrics"
	"github.com/privatebeach/beach-manager/internal/models"
)

// State is the fast-path session lifecycle.
type State int32

const (
	StateIdle State = iota
	StateOffering
	StateConnecting
	StateChannelsOpening
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateConnecting:
		return "connecting"
	case StateChannelsOpening:
		return "channels_opening"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Sentinel and readiness tuning.
const (
	sentinelRetries  = 8
	sentinelInterval = 2 * time.Second

	// channelReadyTimeout is the per-channel deadline for the readiness
	// sentinel once channels start opening. A miss closes the peer.
	channelReadyTimeout = 10 * time.Second

	// ackDrainTimeout bounds how long a superseded session may hold the
	// registry slot while its ack loop drains.
	ackDrainTimeout = 5 * time.Second
)

// AckHandler consumes acks arriving on mgr-acks.
type AckHandler func(sessionID string, ack models.ActionAck)

// Session is the manager-side half of one WebRTC peer connection.
type Session struct {
	// FastPathID is the monotonic internal id for this peer instance.
	// Re-offers mint a fresh id; consumers bind to the first ready
	// channel rather than a specific id.
	FastPathID uint64
	SessionID  string
	PeerID     string

	pc      *webrtc.PeerConnection
	metrics *metrics.Metrics

	state atomic.Int32
	seq   atomic.Uint64

	mu       sync.Mutex
	channels map[string]*webrtc.DataChannel
	// delivered marks channels whose plaintext __ready__ sentinel went
	// out successfully.
	delivered map[string]bool

	ackHandler AckHandler
	onReady    func(s *Session)
	onClosed   func(s *Session)

	// ackDone closes when the ack loop has observed channel closure and
	// finished handing off buffered acks.
	ackDone   chan struct{}
	closeOnce sync.Once

	candMu     sync.Mutex
	candidates []webrtc.ICECandidateInit
}

func newSession(fastPathID uint64, sessionID, peerID string, pc *webrtc.PeerConnection, m *metrics.Metrics) *Session {
	s := &Session{
		FastPathID: fastPathID,
		SessionID:  sessionID,
		PeerID:     peerID,
		pc:         pc,
		metrics:    m,
		channels:   make(map[string]*webrtc.DataChannel),
		delivered:  make(map[string]bool),
		ackDone:    make(chan struct{}),
	}
	s.state.Store(int32(StateOffering))
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) transition(to State) {
	from := State(s.state.Swap(int32(to)))
	if from != to {
		logger.FastPath().Debug().
			Str("session_id", s.SessionID).
			Uint64("fast_path_id", s.FastPathID).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Fast-path state transition")
	}
}

// wire installs the peer-connection callbacks. The host (offerer)
// creates the channels; the Manager only observes them.
func (s *Session) wire() {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		s.candMu.Lock()
		s.candidates = append(s.candidates, c.ToJSON())
		s.candMu.Unlock()
	})

	s.pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		if st == webrtc.ICEConnectionStateChecking && s.State() == StateOffering {
			s.transition(StateConnecting)
		}
	})

	s.pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		switch st {
		case webrtc.PeerConnectionStateConnected:
			if s.State() == StateConnecting || s.State() == StateOffering {
				s.transition(StateChannelsOpening)
				go s.watchReadiness()
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.Close()
		}
	})

	s.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		label := dc.Label()
		switch label {
		case models.ChannelActions, models.ChannelAcks, models.ChannelState:
		default:
			logger.FastPath().Warn().
				Str("session_id", s.SessionID).
				Str("label", label).
				Msg("Unexpected data channel ignored")
			return
		}

		s.mu.Lock()
		s.channels[label] = dc
		s.mu.Unlock()

		dc.OnOpen(func() {
			// The sentinel must go out plaintext: the peer has not been
			// told secure transport is on, and an encrypted sentinel
			// leaves ack/state silently dead while actions still flow.
			go s.sendSentinel(dc)
		})

		if label == models.ChannelAcks {
			dc.OnMessage(func(msg webrtc.DataChannelMessage) {
				s.handleAck(msg.Data)
			})
			dc.OnClose(func() {
				s.closeAckLoop()
			})
		}
	})
}

// sendSentinel emits __ready__ on a freshly opened channel, retrying on
// send failure.
func (s *Session) sendSentinel(dc *webrtc.DataChannel) {
	for attempt := 1; attempt <= sentinelRetries; attempt++ {
		err := dc.SendText(models.ReadySentinel)
		if err == nil {
			s.mu.Lock()
			s.delivered[dc.Label()] = true
			allReady := len(s.delivered) == 3
			s.mu.Unlock()

			if allReady && s.State() != StateReady && s.State() != StateClosed {
				s.transition(StateReady)
				if s.onReady != nil {
					s.onReady(s)
				}
			}
			return
		}
		logger.FastPath().Warn().
			Err(err).
			Str("session_id", s.SessionID).
			Str("label", dc.Label()).
			Int("attempt", attempt).
			Msg("Readiness sentinel send failed")
		time.Sleep(sentinelInterval)
	}
}

// watchReadiness enforces the per-channel sentinel deadline once
// channels begin opening.
func (s *Session) watchReadiness() {
	deadline := time.NewTimer(channelReadyTimeout)
	defer deadline.Stop()

	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline.C:
			s.mu.Lock()
			missing := 0
			for _, label := range []string{models.ChannelActions, models.ChannelAcks, models.ChannelState} {
				if !s.delivered[label] {
					missing++
				}
			}
			s.mu.Unlock()
			if missing > 0 && s.State() != StateClosed {
				for i := 0; i < missing; i++ {
					s.metrics.FastPathReadyTimeouts.Inc()
				}
				logger.FastPath().Error().
					Str("session_id", s.SessionID).
					Int("channels_missing", missing).
					Msg("Readiness sentinel deadline missed, closing peer")
				s.Close()
			}
			return
		case <-tick.C:
			if st := s.State(); st == StateReady || st == StateClosed {
				return
			}
		}
	}
}

// ActionsReady reports whether the mgr-actions channel is open and its
// sentinel delivered.
func (s *Session) ActionsReady() bool {
	if s.State() == StateClosed {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dc, ok := s.channels[models.ChannelActions]
	return ok && s.delivered[models.ChannelActions] && dc.ReadyState() == webrtc.DataChannelStateOpen
}

// SendAction writes one action as wire frames on mgr-actions, in order,
// with a fresh monotonic sequence.
func (s *Session) SendAction(cmd *models.ActionCommand) error {
	s.mu.Lock()
	dc, ok := s.channels[models.ChannelActions]
	s.mu.Unlock()
	if !ok {
		return ErrChannelNotOpen
	}

	seq := s.seq.Add(1)
	for _, frame := range EncodeActionFrames(seq, cmd.ID, cmd.Payload) {
		if err := dc.Send(frame); err != nil {
			return err
		}
	}
	return nil
}

// SendState writes a state snapshot or delta on mgr-state. Best effort:
// the channel is partially reliable by contract.
func (s *Session) SendState(payload []byte) error {
	s.mu.Lock()
	dc, ok := s.channels[models.ChannelState]
	s.mu.Unlock()
	if !ok {
		return ErrChannelNotOpen
	}
	return dc.Send(payload)
}

func (s *Session) handleAck(data []byte) {
	var ack models.ActionAck
	if err := json.Unmarshal(data, &ack); err != nil {
		logger.FastPath().Warn().
			Err(err).
			Str("session_id", s.SessionID).
			Msg("Malformed ack on mgr-acks")
		return
	}
	if s.ackHandler != nil {
		s.ackHandler(s.SessionID, ack)
	}
}

func (s *Session) closeAckLoop() {
	s.mu.Lock()
	select {
	case <-s.ackDone:
	default:
		close(s.ackDone)
	}
	s.mu.Unlock()
}

// DrainAcks blocks until the ack loop finishes or the drain timeout
// lapses. Supersession waits on this before releasing the registry slot.
func (s *Session) DrainAcks() {
	select {
	case <-s.ackDone:
	case <-time.After(ackDrainTimeout):
		logger.FastPath().Warn().
			Str("session_id", s.SessionID).
			Msg("Ack drain timed out during supersede")
	}
}

// AddRemoteCandidate feeds a host ICE candidate into the peer.
func (s *Session) AddRemoteCandidate(cand webrtc.ICECandidateInit) error {
	return s.pc.AddICECandidate(cand)
}

// LocalCandidates drains the gathered local candidates for the host to
// fetch.
func (s *Session) LocalCandidates() []webrtc.ICECandidateInit {
	s.candMu.Lock()
	defer s.candMu.Unlock()
	out := s.candidates
	s.candidates = nil
	return out
}

// Close tears the peer down: channels stop accepting sends, the ack
// loop is released, and the closed callback fires once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.transition(StateClosed)
		s.closeAckLoop()
		if err := s.pc.Close(); err != nil {
			logger.FastPath().Debug().Err(err).Str("session_id", s.SessionID).Msg("Peer close")
		}
		if s.onClosed != nil {
			s.onClosed(s)
		}
	})
}
