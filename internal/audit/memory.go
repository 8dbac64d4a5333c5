package audit

import (
	"context"
	"sync"

	"github.com/privatebeach/beach-manager/internal/models"
)

// Memory is an in-process Recorder used by hermetic tests.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	events []models.ControllerEvent
}

// NewMemory creates an empty in-memory recorder.
func NewMemory() *Memory {
	return &Memory{}
}

// Record appends the event and assigns it a sequence id.
func (m *Memory) Record(_ context.Context, ev *models.ControllerEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	ev.ID = m.nextID
	m.events = append(m.events, *ev)
	return nil
}

// Events returns a copy of everything recorded so far.
func (m *Memory) Events() []models.ControllerEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ControllerEvent, len(m.events))
	copy(out, m.events)
	return out
}

// Kinds returns the recorded event kinds in order.
func (m *Memory) Kinds() []models.ControllerEventKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := make([]models.ControllerEventKind, 0, len(m.events))
	for _, ev := range m.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

// ForSession returns recorded events for one session.
func (m *Memory) ForSession(sessionID string) []models.ControllerEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ControllerEvent
	for _, ev := range m.events {
		if ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	return out
}
