// Package ride owns the ride lifecycle. Every state change goes through
// Machine.Transition, which validates the transition table and applies the
// change via compare-and-set on the stored state, so concurrent attempts are
// linearized: one caller wins, the rest observe storage.ErrStaleState.
package ride

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrRideAlreadyAccepted    = errors.New("ride already accepted")
)

// transitions is the explicit legal-transition table. Completion always
// passes through PENDING_SETTLEMENT so blocked settlements (fare mismatch,
// insufficient balance) hold the ride there until resolved.
var transitions = map[models.RideState][]models.RideState{
	models.StateRequested:         {models.StateMatching, models.StateCancelled, models.StateExpired},
	models.StateMatching:          {models.StateAccepted, models.StateCancelled, models.StateExpired},
	models.StateAccepted:          {models.StateArrived, models.StateCancelled},
	models.StateArrived:           {models.StateInProgress, models.StateCancelled},
	models.StateInProgress:        {models.StatePendingSettlement},
	models.StatePendingSettlement: {models.StateCompleted},
}

// Allowed reports whether from -> to is a legal transition.
func Allowed(from, to models.RideState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Machine struct {
	Store  storage.RideStore
	Events events.Publisher
	Logger *slog.Logger
}

// Transition moves the ride to the target state. It fails with
// ErrInvalidStateTransition when the table forbids the move and with
// storage.ErrStaleState when a concurrent caller won the CAS. The domain
// event is emitted only after the state write is committed.
func (m *Machine) Transition(ctx context.Context, rideID string, to models.RideState, actor string, change storage.StateChange) (*models.Ride, error) {
	cur, err := m.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !Allowed(cur.State, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, cur.State, to)
	}
	r, err := m.Store.CASState(ctx, rideID, cur.State, to, change)
	if err != nil {
		return nil, err
	}
	observability.TransitionsTotal.WithLabelValues(string(to)).Inc()
	if err := m.Store.AppendRideEvent(ctx, &models.RideEvent{
		RideID: rideID, From: cur.State, To: to, Actor: actor, CreatedAt: r.UpdatedAt,
	}); err != nil {
		m.Logger.Error("ride event append failed", "ride_id", rideID, "error", err)
	}
	m.emit(ctx, r, to)
	return r, nil
}

// Accept performs the MATCHING -> ACCEPTED CAS for a driver. A lost race is
// reported as ErrRideAlreadyAccepted when another driver won; other stale
// outcomes (cancel, expiry) surface as storage.ErrStaleState.
func (m *Machine) Accept(ctx context.Context, rideID, driverID string, at time.Time) (*models.Ride, error) {
	r, err := m.Transition(ctx, rideID, models.StateAccepted, driverID, storage.StateChange{DriverID: driverID, At: at})
	if err == nil {
		return r, nil
	}
	if errors.Is(err, storage.ErrStaleState) || errors.Is(err, ErrInvalidStateTransition) {
		cur, gerr := m.Store.GetRide(ctx, rideID)
		if gerr == nil && cur.DriverID != "" && cur.DriverID != driverID {
			return nil, ErrRideAlreadyAccepted
		}
	}
	return nil, err
}

// emit publishes the event for the transition that just committed. It is
// keyed on the committed target state, never on a re-read of the row, so a
// concurrent follow-up transition cannot swallow or duplicate an event.
func (m *Machine) emit(ctx context.Context, r *models.Ride, to models.RideState) {
	var ev events.Event
	switch to {
	case models.StateAccepted:
		ev = events.RideAccepted{RideID: r.ID, DriverID: r.DriverID}
	case models.StateArrived:
		ev = events.RideArrived{RideID: r.ID}
	case models.StateInProgress:
		ev = events.RideStarted{RideID: r.ID}
	case models.StateCompleted:
		var fare int64
		if r.Quote != nil {
			fare = r.Quote.Amount
		}
		ev = events.RideCompleted{RideID: r.ID, FareAmount: fare}
	case models.StateCancelled:
		ev = events.RideCancelled{RideID: r.ID, Reason: r.CancelReason}
	case models.StateExpired:
		ev = events.RideExpired{RideID: r.ID, Reason: r.CancelReason}
	default:
		return // MATCHING and PENDING_SETTLEMENT are internal hops
	}
	if err := m.Events.Publish(ctx, ev); err != nil {
		// at-least-once: the state write is durable, delivery is retried by
		// the publisher; log and keep going.
		m.Logger.Error("event publish failed", "ride_id", r.ID, "event", ev.Name(), "error", err)
	}
}
