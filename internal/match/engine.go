// Package match finds, ranks and races candidate drivers for a ride request.
// One matching session runs per ride: candidates inside the search radius are
// invited top-K at a time, the radius grows between rounds, and the first
// acceptance to win the state CAS gets the ride. The storage layer's
// single-writer guarantee resolves ties, not application-level ordering.
package match

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

var ErrNoDriversAvailable = errors.New("no drivers available")

// States is the slice of the ride state machine the engine needs.
type States interface {
	Transition(ctx context.Context, rideID string, to models.RideState, actor string, change storage.StateChange) (*models.Ride, error)
	Accept(ctx context.Context, rideID, driverID string, at time.Time) (*models.Ride, error)
}

// Dispatcher carries invitations to drivers and tells losers the ride is gone.
type Dispatcher interface {
	Offer(driverID string, offer models.RideOffer) error
	RideTaken(driverID, rideID string) error
}

type Config struct {
	InitialRadiusM float64
	GrowthFactor   float64
	MaxRounds      int
	RoundTimeout   time.Duration
	TopK           int
}

type Engine struct {
	Geo      geo.Geo
	Dispatch Dispatcher
	States   States
	Logger   *slog.Logger
	Cfg      Config

	mu       sync.Mutex
	sessions map[string]*session
}

type response struct {
	driverID string
	accepted bool
}

// session is the transient per-ride matching state; it is dropped as soon as
// the session resolves.
type session struct {
	responses chan response

	mu        sync.Mutex
	contacted map[string]bool // invited at any round
	excluded  map[string]bool // declined or timed out, never re-invited
}

func NewEngine(g geo.Geo, d Dispatcher, st States, logger *slog.Logger, cfg Config) *Engine {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.GrowthFactor <= 1 {
		cfg.GrowthFactor = 1.5
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 3
	}
	return &Engine{Geo: g, Dispatch: d, States: st, Logger: logger, Cfg: cfg, sessions: make(map[string]*session)}
}

// Run executes the matching session for a ride in REQUESTED state and blocks
// until a driver is assigned, the rounds are exhausted, or ctx is cancelled.
// The per-round wait is the engine's only blocking wait; external ride
// cancellation cancels ctx and short-circuits it.
func (e *Engine) Run(ctx context.Context, r *models.Ride) (*models.Ride, error) {
	if _, err := e.States.Transition(ctx, r.ID, models.StateMatching, "system", storage.StateChange{At: time.Now()}); err != nil {
		return nil, err
	}

	s := &session{
		responses: make(chan response, 64),
		contacted: make(map[string]bool),
		excluded:  make(map[string]bool),
	}
	e.mu.Lock()
	e.sessions[r.ID] = s
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.sessions, r.ID)
		e.mu.Unlock()
	}()

	radius := e.Cfg.InitialRadiusM
	for round := 1; round <= e.Cfg.MaxRounds; round++ {
		invited := e.broadcast(ctx, r, s, radius)
		if invited > 0 {
			won, err := e.await(ctx, r.ID, s, round)
			if err != nil {
				return nil, err
			}
			if won != nil {
				observability.MatchesTotal.Inc()
				observability.MatchRounds.Observe(float64(round))
				e.notifyLosers(s, r.ID, won.DriverID)
				return won, nil
			}
		} else if err := ctx.Err(); err != nil {
			return nil, err
		}
		radius *= e.Cfg.GrowthFactor
	}

	observability.MatchExpired.Inc()
	expired, err := e.States.Transition(ctx, r.ID, models.StateExpired, "system", storage.StateChange{
		CancelReason: "NoDriversAvailable", CancelledBy: "system", At: time.Now(),
	})
	if err != nil {
		return nil, err
	}
	_ = expired
	return nil, ErrNoDriversAvailable
}

// broadcast invites a fresh top-K inside the current radius, skipping drivers
// already declined or timed out this session. Returns the invite count.
func (e *Engine) broadcast(ctx context.Context, r *models.Ride, s *session, radius float64) int {
	s.mu.Lock()
	// the nearest len(excluded) candidates may all be spent, so fetch enough
	// that a full top-K of eligible drivers is still reachable
	limit := e.Cfg.TopK + len(s.excluded)
	s.mu.Unlock()
	candidates := e.Geo.Nearby(ctx, r.Pickup.Lat, r.Pickup.Lon, radius, r.VehicleType, limit)
	invited := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range candidates {
		if invited >= e.Cfg.TopK {
			break
		}
		if s.excluded[d.ID] {
			continue
		}
		dist := geo.Haversine(r.Pickup.Lat, r.Pickup.Lon, d.Loc.Lat, d.Loc.Lon)
		offer := models.RideOffer{
			RideID:      r.ID,
			Pickup:      r.Pickup,
			Dropoff:     r.Dropoff,
			DistanceM:   dist,
			ExpiresInMS: e.Cfg.RoundTimeout.Milliseconds(),
		}
		if r.Quote != nil {
			offer.FareAmount = r.Quote.Amount
			offer.Currency = r.Quote.Params.Currency
		}
		if err := e.Dispatch.Offer(d.ID, offer); err != nil {
			// unreachable driver: never a match, don't burn an invite slot
			s.excluded[d.ID] = true
			continue
		}
		s.contacted[d.ID] = true
		invited++
	}
	return invited
}

// await consumes driver responses for one round. Returns the accepted ride
// when a driver wins the CAS, nil when the round times out or everyone
// declines, and an error when the session must stop.
func (e *Engine) await(ctx context.Context, rideID string, s *session, round int) (*models.Ride, error) {
	timer := time.NewTimer(e.Cfg.RoundTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			// everyone contacted and silent is excluded from rebroadcast
			s.mu.Lock()
			for id := range s.contacted {
				s.excluded[id] = true
			}
			s.mu.Unlock()
			return nil, nil
		case resp := <-s.responses:
			if !resp.accepted {
				s.mu.Lock()
				s.excluded[resp.driverID] = true
				s.mu.Unlock()
				continue
			}
			won, err := e.States.Accept(ctx, rideID, resp.driverID, time.Now())
			if err == nil {
				return won, nil
			}
			if errors.Is(err, ride.ErrRideAlreadyAccepted) {
				// race already resolved by the CAS; reject this driver only
				_ = e.Dispatch.RideTaken(resp.driverID, rideID)
				continue
			}
			if errors.Is(err, storage.ErrStaleState) || errors.Is(err, ride.ErrInvalidStateTransition) {
				// ride left MATCHING underneath us (external cancellation)
				e.Logger.Info("matching stopped, ride no longer matchable",
					"ride_id", rideID, "round", round)
				return nil, err
			}
			return nil, err
		}
	}
}

func (e *Engine) notifyLosers(s *session, rideID, winner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.contacted {
		if id != winner && !s.excluded[id] {
			_ = e.Dispatch.RideTaken(id, rideID)
		}
	}
}

// HandleResponse feeds a driver's accept/decline into the ride's matching
// session. A late acceptance after the session resolved is rejected with
// ride.ErrRideAlreadyAccepted; late declines are ignored.
func (e *Engine) HandleResponse(rideID, driverID string, accepted bool) error {
	e.mu.Lock()
	s, ok := e.sessions[rideID]
	e.mu.Unlock()
	if !ok {
		if accepted {
			return ride.ErrRideAlreadyAccepted
		}
		return nil
	}
	select {
	case s.responses <- response{driverID: driverID, accepted: accepted}:
		return nil
	default:
		return errors.New("matching session busy")
	}
}
