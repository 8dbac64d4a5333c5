package lease

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/privatebeach/beach-manager/internal/models"
)

// MemoryStore keeps leases in a map. It backs hermetic tests and local
// builds with no database.
type MemoryStore struct {
	mu     sync.Mutex
	leases map[string]models.ControllerLease
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{leases: make(map[string]models.ControllerLease)}
}

func (s *MemoryStore) Insert(_ context.Context, l *models.ControllerLease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases[l.ID] = *l
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.ControllerLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[id]
	if !ok {
		return nil, ErrUnknown
	}
	out := l
	return &out, nil
}

func (s *MemoryStore) UpdateExpiry(_ context.Context, id string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[id]; ok && l.RevokedAt == nil {
		l.ExpiresAt = expiresAt
		s.leases[id] = l
	}
	return nil
}

func (s *MemoryStore) Revoke(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[id]; ok && l.RevokedAt == nil {
		t := at
		l.RevokedAt = &t
		s.leases[id] = l
	}
	return nil
}

func (s *MemoryStore) RevokeAll(_ context.Context, sessionID string, at time.Time) ([]models.ControllerLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var revoked []models.ControllerLease
	for id, l := range s.leases {
		if l.SessionID == sessionID && l.RevokedAt == nil {
			t := at
			l.RevokedAt = &t
			s.leases[id] = l
			revoked = append(revoked, l)
		}
	}
	return revoked, nil
}

func (s *MemoryStore) ListActive(_ context.Context, sessionID string, now time.Time) ([]models.ControllerLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	leases := []models.ControllerLease{}
	for _, l := range s.leases {
		if l.SessionID == sessionID && l.RevokedAt == nil && now.Before(l.ExpiresAt) {
			leases = append(leases, l)
		}
	}
	sort.Slice(leases, func(i, j int) bool { return leases[i].IssuedAt.Before(leases[j].IssuedAt) })
	return leases, nil
}

func (s *MemoryStore) HasActive(_ context.Context, sessionID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.leases {
		if l.SessionID == sessionID && l.RevokedAt == nil && now.Before(l.ExpiresAt) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) DeleteExpiredBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, l := range s.leases {
		if l.ExpiresAt.Before(cutoff) {
			delete(s.leases, id)
			n++
		}
	}
	return n, nil
}
