package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("ride not found")
	// ErrStaleState means the compare-and-set lost a race: the stored state no
	// longer matches the expected value. Callers re-read and retry or treat
	// the transition as already handled.
	ErrStaleState = errors.New("stale ride state")
)

// StateChange carries the field updates applied atomically with a CAS state
// transition.
type StateChange struct {
	DriverID     string
	CancelReason string
	CancelledBy  string
	At           time.Time
}

// RideStore persists rides. CASState is the single writer for the state
// column: it succeeds for exactly one caller per (from, to) transition.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	CASState(ctx context.Context, id string, from, to models.RideState, change StateChange) (*models.Ride, error)
	AppendRideEvent(ctx context.Context, ev *models.RideEvent) error
}

type MemoryStore struct {
	mu     sync.Mutex
	rides  map[string]*models.Ride
	events []*models.RideEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride)}
}

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) CASState(_ context.Context, id string, from, to models.RideState, change StateChange) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.State != from {
		return nil, ErrStaleState
	}
	at := change.At
	if at.IsZero() {
		at = time.Now()
	}
	r.State = to
	r.UpdatedAt = at
	if change.DriverID != "" {
		r.DriverID = change.DriverID
	}
	switch to {
	case models.StateAccepted:
		r.AcceptedAt = at
	case models.StateArrived:
		r.ArrivedAt = at
	case models.StateInProgress:
		r.StartedAt = at
	case models.StateCompleted:
		r.CompletedAt = at
	case models.StateCancelled, models.StateExpired:
		r.CancelledAt = at
		r.CancelReason = change.CancelReason
		r.CancelledBy = change.CancelledBy
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) AppendRideEvent(_ context.Context, ev *models.RideEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// RideEvents returns the appended audit rows; test helper.
func (m *MemoryStore) RideEvents() []*models.RideEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.RideEvent, len(m.events))
	copy(out, m.events)
	return out
}
