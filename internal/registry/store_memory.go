package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/privatebeach/beach-manager/internal/models"
)

// MemoryStore keeps sessions in a map. It backs hermetic tests and
// local builds with no database.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]models.Session
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]models.Session)}
}

func (s *MemoryStore) Insert(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = *sess
	return nil
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := sess
	return &out, nil
}

func (s *MemoryStore) GetByOrigin(_ context.Context, privateBeachID, originSessionID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.PrivateBeachID == privateBeachID && sess.OriginSessionID == originSessionID {
			out := sess
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) List(_ context.Context, privateBeachID string) ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sessions []*models.Session
	for _, sess := range s.sessions {
		if sess.PrivateBeachID == privateBeachID && sess.State != models.SessionEnded {
			out := sess
			sessions = append(sessions, &out)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func (s *MemoryStore) Bind(_ context.Context, sessionID, privateBeachID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	sess.PrivateBeachID = privateBeachID
	sess.State = models.SessionAttached
	sess.UpdatedAt = time.Now()
	s.sessions[sessionID] = sess
	return nil
}

func (s *MemoryStore) SetTransportMode(_ context.Context, sessionID string, mode models.TransportMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		sess.TransportMode = mode
		sess.UpdatedAt = time.Now()
		s.sessions[sessionID] = sess
	}
	return nil
}

func (s *MemoryStore) End(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		sess.State = models.SessionEnded
		s.sessions[sessionID] = sess
	}
	return nil
}
