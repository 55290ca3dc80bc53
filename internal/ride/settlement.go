package ride

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/wallet"
)

// Settlement drives a ride from IN_PROGRESS to COMPLETED: verify the signed
// quote against actual tracked values, settle the three-way ledger split,
// then commit the final transition. A blocked settlement (fare mismatch,
// insufficient balance) leaves the ride in PENDING_SETTLEMENT; retrying the
// operation is safe because the ledger is idempotent on the ride id.
type Settlement struct {
	Machine         *Machine
	Fare            *fare.Engine
	Ledger          wallet.Ledger
	Logger          *slog.Logger
	PlatformAccount string
	FeeRate         float64
}

func (s *Settlement) Complete(ctx context.Context, rideID string, actualKm, actualMin float64, actor string) (*models.Ride, error) {
	r, err := s.Machine.Transition(ctx, rideID, models.StatePendingSettlement, actor, storage.StateChange{At: time.Now()})
	if err != nil {
		// a retry after a blocked settlement finds the ride already parked
		// in PENDING_SETTLEMENT; anything else is the caller's problem
		cur, gerr := s.Machine.Store.GetRide(ctx, rideID)
		if gerr != nil || cur.State != models.StatePendingSettlement {
			return nil, err
		}
		r = cur
	}
	if r.Quote == nil {
		return nil, fmt.Errorf("ride %s has no fare quote", rideID)
	}

	amount, err := s.Fare.Verify(r.Quote, actualKm, actualMin)
	if err != nil {
		observability.SettlementsBlocked.WithLabelValues("fare_mismatch").Inc()
		s.Logger.Error("settlement blocked, manual review required",
			"ride_id", rideID, "error", err)
		return r, err
	}

	res, err := s.Ledger.Settle(ctx, wallet.SettleParams{
		RideID:          rideID,
		RiderAccount:    r.RiderID,
		DriverAccount:   r.DriverID,
		PlatformAccount: s.PlatformAccount,
		Fare:            amount,
		FeeRate:         s.FeeRate,
	})
	if err != nil {
		if errors.Is(err, wallet.ErrInsufficientBalance) {
			observability.SettlementsBlocked.WithLabelValues("insufficient_balance").Inc()
			s.Logger.Warn("settlement deferred pending top-up",
				"ride_id", rideID, "rider", r.RiderID, "fare", amount)
		} else {
			observability.SettlementsBlocked.WithLabelValues("ledger_error").Inc()
			s.Logger.Error("settlement failed", "ride_id", rideID, "error", err)
		}
		return r, err
	}

	r, err = s.Machine.Transition(ctx, rideID, models.StateCompleted, "system", storage.StateChange{At: time.Now()})
	if err != nil {
		// the money moved; a crash here is repaired by the next retry, which
		// replays the ledger legs and lands on this transition again
		return nil, err
	}
	observability.SettlementsTotal.Inc()
	if perr := s.Machine.Events.Publish(ctx, events.PaymentSettled{
		RideID:        rideID,
		RiderEntryID:  res.RiderEntry.ID,
		DriverEntryID: res.DriverEntry.ID,
	}); perr != nil {
		s.Logger.Error("event publish failed", "ride_id", rideID, "event", "payment.settled", "error", perr)
	}
	return r, nil
}
