// Package geofence converts driver location streams into approach/arrival
// events. Each tracked driver carries a latch that only moves forward
// (none -> approaching -> arrived) for the current leg, so a threshold fires
// at most once even when the distance oscillates around the radius.
package geofence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

type Leg int

const (
	LegPickup Leg = iota
	LegDropoff
)

type level int

const (
	levelNone level = iota
	levelApproaching
	levelArrived
)

// States is the slice of the ride state machine the monitor drives.
type States interface {
	Transition(ctx context.Context, rideID string, to models.RideState, actor string, change storage.StateChange) (*models.Ride, error)
}

type Monitor struct {
	ApproachRadiusM float64
	ArriveRadiusM   float64
	// Freshness rejects stale location updates; an old fix must not advance
	// the latch.
	Freshness time.Duration

	Events events.Publisher
	States States
	Logger *slog.Logger

	// injectable clock for staleness tests
	Now func() time.Time

	mu      sync.Mutex
	latches map[string]*latch // keyed by driver id; one active ride per driver
}

type latch struct {
	rideID string
	leg    Leg
	target models.Coord
	level  level
}

func NewMonitor(approachM, arriveM float64, freshness time.Duration, pub events.Publisher, st States, logger *slog.Logger) *Monitor {
	return &Monitor{
		ApproachRadiusM: approachM,
		ArriveRadiusM:   arriveM,
		Freshness:       freshness,
		Events:          pub,
		States:          st,
		Logger:          logger,
		Now:             time.Now,
		latches:         make(map[string]*latch),
	}
}

// Track starts watching the pickup leg for an accepted ride.
func (m *Monitor) Track(rideID, driverID string, pickup models.Coord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latches[driverID] = &latch{rideID: rideID, leg: LegPickup, target: pickup}
}

// StartDropoffLeg switches the watch to the dropoff target once the trip
// starts. The latch resets: the next leg gets its own single crossing of
// each threshold.
func (m *Monitor) StartDropoffLeg(driverID string, dropoff models.Coord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.latches[driverID]; ok {
		l.leg = LegDropoff
		l.target = dropoff
		l.level = levelNone
	}
}

// Forget drops the watch for a finished or cancelled ride.
func (m *Monitor) Forget(driverID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.latches, driverID)
}

// Update feeds one driver location fix. Stale fixes are dropped without
// surfacing an error. Crossing the arrive radius on the pickup leg requests
// the ACCEPTED -> ARRIVED transition; losing that CAS just means someone
// else already moved the ride, which is fine.
func (m *Monitor) Update(ctx context.Context, driverID string, loc models.Coord, at time.Time) {
	if m.Freshness > 0 && m.Now().Sub(at) > m.Freshness {
		m.Logger.Debug("stale location fix ignored", "driver_id", driverID, "age", m.Now().Sub(at))
		return
	}

	m.mu.Lock()
	l, ok := m.latches[driverID]
	if !ok {
		m.mu.Unlock()
		return
	}
	dist := geo.Haversine(loc.Lat, loc.Lon, l.target.Lat, l.target.Lon)
	var fireApproach, fireArrive bool
	if dist <= m.ApproachRadiusM && l.level < levelApproaching {
		l.level = levelApproaching
		fireApproach = true
	}
	if dist <= m.ArriveRadiusM && l.level < levelArrived {
		l.level = levelArrived
		fireArrive = true
	}
	rideID, leg := l.rideID, l.leg
	m.mu.Unlock()

	if fireApproach {
		observability.GeofenceEventsTotal.WithLabelValues(string(models.ThresholdApproaching)).Inc()
		m.publish(ctx, events.DriverApproaching{RideID: rideID, DriverID: driverID})
	}
	if fireArrive {
		observability.GeofenceEventsTotal.WithLabelValues(string(models.ThresholdArrived)).Inc()
		m.publish(ctx, events.DriverArrived{RideID: rideID, DriverID: driverID})
		if leg == LegPickup {
			_, err := m.States.Transition(ctx, rideID, models.StateArrived, driverID, storage.StateChange{At: at})
			if err != nil && !errors.Is(err, storage.ErrStaleState) && !errors.Is(err, ride.ErrInvalidStateTransition) {
				m.Logger.Error("arrival transition failed", "ride_id", rideID, "error", err)
			}
		}
	}
}

func (m *Monitor) publish(ctx context.Context, ev events.Event) {
	if err := m.Events.Publish(ctx, ev); err != nil {
		m.Logger.Error("event publish failed", "event", ev.Name(), "error", err)
	}
}
