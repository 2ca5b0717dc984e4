// Package meetings keeps meeting records for the relay: a store (Redis or
// in-memory), the REST API over it, a presence mirror fed by room membership
// and a reaper that collects meetings nobody is in.
package meetings

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrNotFound = errors.New("meeting not found")

type Meeting struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	HostID    string    `json:"hostId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	// ActiveParticipants is filled from presence on read.
	ActiveParticipants int `json:"activeParticipants"`
}

// Store persists meetings and who is currently in them. A meeting id doubles
// as the signaling room id.
type Store interface {
	Create(ctx context.Context, m Meeting) error
	Get(ctx context.Context, id string) (Meeting, error)
	// List returns meetings oldest first.
	List(ctx context.Context) ([]Meeting, error)
	Delete(ctx context.Context, id string) error

	AddParticipant(ctx context.Context, meetingID, participantID string) error
	RemoveParticipant(ctx context.Context, meetingID, participantID string) error
	// SetParticipants replaces the presence set of a meeting.
	SetParticipants(ctx context.Context, meetingID string, participantIDs []string) error

	Ping(ctx context.Context) error
	Close() error
}

func sortByCreated(ms []Meeting) {
	sort.Slice(ms, func(i, j int) bool {
		if !ms[i].CreatedAt.Equal(ms[j].CreatedAt) {
			return ms[i].CreatedAt.Before(ms[j].CreatedAt)
		}
		return ms[i].ID < ms[j].ID
	})
}

// MemoryStore is the store used when no Redis address is configured.
// Presence for rooms without a meeting record is ignored.
type MemoryStore struct {
	mu       sync.RWMutex
	meetings map[string]Meeting
	present  map[string]map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		meetings: make(map[string]Meeting),
		present:  make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) Create(_ context.Context, m Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meetings[m.ID]; ok {
		return errors.New("meeting already exists")
	}
	m.ActiveParticipants = 0
	s.meetings[m.ID] = m
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meetings[id]
	if !ok {
		return Meeting{}, ErrNotFound
	}
	m.ActiveParticipants = len(s.present[id])
	return m, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Meeting, error) {
	s.mu.RLock()
	out := make([]Meeting, 0, len(s.meetings))
	for id, m := range s.meetings {
		m.ActiveParticipants = len(s.present[id])
		out = append(out, m)
	}
	s.mu.RUnlock()
	sortByCreated(out)
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meetings[id]; !ok {
		return ErrNotFound
	}
	delete(s.meetings, id)
	delete(s.present, id)
	return nil
}

func (s *MemoryStore) AddParticipant(_ context.Context, meetingID, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meetings[meetingID]; !ok {
		return nil
	}
	set := s.present[meetingID]
	if set == nil {
		set = make(map[string]struct{})
		s.present[meetingID] = set
	}
	set[participantID] = struct{}{}
	return nil
}

func (s *MemoryStore) RemoveParticipant(_ context.Context, meetingID, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.present[meetingID], participantID)
	return nil
}

func (s *MemoryStore) SetParticipants(_ context.Context, meetingID string, participantIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meetings[meetingID]; !ok {
		return nil
	}
	set := make(map[string]struct{}, len(participantIDs))
	for _, id := range participantIDs {
		set[id] = struct{}{}
	}
	s.present[meetingID] = set
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error               { return nil }
