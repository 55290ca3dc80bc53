package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/match"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/wallet"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func newRideID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return "ride_" + hex.EncodeToString(b)
}

type rideResponse struct {
	RideID   string            `json:"ride_id"`
	State    models.RideState  `json:"state"`
	DriverID string            `json:"driver_id,omitempty"`
	Quote    *models.FareQuote `json:"quote,omitempty"`
}

// handleRequestRide quotes the fare, persists the ride in REQUESTED and
// kicks off the matching session asynchronously. The rider must have a
// wallet that covers the quoted fare before any driver is contacted.
func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	var req models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RiderID == "" {
		writeError(w, http.StatusBadRequest, "rider_id is required")
		return
	}
	if req.Pickup == req.Dropoff {
		writeError(w, http.StatusBadRequest, "pickup and dropoff must differ")
		return
	}

	now := time.Now()
	rideID := newRideID()
	distKm := geo.Haversine(req.Pickup.Lat, req.Pickup.Lon, req.Dropoff.Lat, req.Dropoff.Lon) / 1000
	durMin := s.est.Minutes(req.Pickup, req.Dropoff)

	params, err := s.pricing.ActivePricing(req.VehicleType, "", now)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "pricing unavailable")
		return
	}
	surge := s.pricing.ActiveSurge(req.VehicleType, "", now)
	quote, err := s.fares.Quote(rideID, params, surge, distKm, durMin, now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to quote fare")
		return
	}

	balance, err := s.ledger.Balance(r.Context(), req.RiderID)
	if err != nil || balance < quote.Amount {
		writeError(w, http.StatusPaymentRequired, "insufficient wallet balance for quoted fare")
		return
	}

	rd := &models.Ride{
		ID:          rideID,
		RiderID:     req.RiderID,
		Pickup:      req.Pickup,
		Dropoff:     req.Dropoff,
		VehicleType: req.VehicleType,
		State:       models.StateRequested,
		Quote:       quote,
		RequestedAt: now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateRide(r.Context(), rd); err != nil {
		s.logger.Error("ride create failed", "ride_id", rideID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create ride")
		return
	}

	mctx, cancel := context.WithCancel(context.Background())
	s.trackMatching(rideID, cancel)
	go s.runMatching(mctx, rd)

	writeJSON(w, http.StatusAccepted, rideResponse{RideID: rideID, State: rd.State, Quote: quote})
}

// runMatching owns the async matching session for one ride. An expired quote
// never reaches a driver: the ride is expired before the first broadcast.
func (s *Server) runMatching(ctx context.Context, r *models.Ride) {
	defer s.dropMatching(r.ID)

	if s.fares.Expired(r.Quote, time.Now()) {
		_, err := s.machine.Transition(ctx, r.ID, models.StateExpired, "system", storage.StateChange{
			CancelReason: "QuoteExpired", CancelledBy: "system", At: time.Now(),
		})
		if err != nil {
			s.logger.Error("quote expiry transition failed", "ride_id", r.ID, "error", err)
		}
		return
	}

	won, err := s.matcher.Run(ctx, r)
	if err != nil {
		switch {
		case errors.Is(err, match.ErrNoDriversAvailable):
			s.logger.Info("matching exhausted", "ride_id", r.ID)
		case errors.Is(err, context.Canceled), errors.Is(err, storage.ErrStaleState),
			errors.Is(err, ride.ErrInvalidStateTransition):
			// external cancellation won; nothing to clean up
		default:
			s.logger.Error("matching failed", "ride_id", r.ID, "error", err)
		}
		return
	}
	s.fence.Track(won.ID, won.DriverID, won.Pickup)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	rd, err := s.store.GetRide(r.Context(), rideID)
	if err != nil {
		writeError(w, http.StatusNotFound, "ride not found")
		return
	}
	writeJSON(w, http.StatusOK, rideResponse{RideID: rd.ID, State: rd.State, DriverID: rd.DriverID, Quote: rd.Quote})
}

type driverActionRequest struct {
	DriverID string `json:"driver_id"`
}

// handleAccept is the HTTP fallback for drivers without a live websocket.
func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var req driverActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id is required")
		return
	}
	if err := s.matcher.HandleResponse(rideID, req.DriverID, true); err != nil {
		if errors.Is(err, ride.ErrRideAlreadyAccepted) {
			writeError(w, http.StatusConflict, "ride already taken")
			return
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "response recorded"})
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var req driverActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id is required")
		return
	}
	_ = s.matcher.HandleResponse(rideID, req.DriverID, false)
	w.WriteHeader(http.StatusNoContent)
}

type cancelRequest struct {
	Actor  string `json:"actor"` // rider, driver, system
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return
	}

	// stop an in-flight matching session first so its round wait unblocks
	s.cancelMatching(rideID)

	rd, err := s.machine.Transition(r.Context(), rideID, models.StateCancelled, req.Actor, storage.StateChange{
		CancelReason: req.Reason, CancelledBy: req.Actor, At: time.Now(),
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "ride not found")
		case errors.Is(err, ride.ErrInvalidStateTransition), errors.Is(err, storage.ErrStaleState):
			writeError(w, http.StatusConflict, "ride is not cancellable in its current state")
		default:
			writeError(w, http.StatusInternalServerError, "cancel failed")
		}
		return
	}
	if rd.DriverID != "" {
		s.fence.Forget(rd.DriverID)
	}
	writeJSON(w, http.StatusOK, rideResponse{RideID: rd.ID, State: rd.State, DriverID: rd.DriverID})
}

// handleStart moves ARRIVED -> IN_PROGRESS and switches geofencing to the
// dropoff leg.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var req driverActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id is required")
		return
	}
	rd, err := s.machine.Transition(r.Context(), rideID, models.StateInProgress, req.DriverID, storage.StateChange{At: time.Now()})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "ride not found")
		case errors.Is(err, ride.ErrInvalidStateTransition), errors.Is(err, storage.ErrStaleState):
			writeError(w, http.StatusConflict, "ride cannot start in its current state")
		default:
			writeError(w, http.StatusInternalServerError, "start failed")
		}
		return
	}
	s.fence.StartDropoffLeg(rd.DriverID, rd.Dropoff)
	writeJSON(w, http.StatusOK, rideResponse{RideID: rd.ID, State: rd.State, DriverID: rd.DriverID})
}

type completeRequest struct {
	DriverID  string  `json:"driver_id"`
	ActualKm  float64 `json:"actual_km"`
	ActualMin float64 `json:"actual_min"`
}

// handleComplete runs settlement. A blocked settlement leaves the ride in
// PENDING_SETTLEMENT and reports why; retrying the call is safe.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id is required")
		return
	}
	rd, err := s.settler.Complete(r.Context(), rideID, req.ActualKm, req.ActualMin, req.DriverID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "ride not found")
		case errors.Is(err, fare.ErrFareMismatch):
			writeError(w, http.StatusConflict, "fare verification failed, held for manual review")
		case errors.Is(err, wallet.ErrInsufficientBalance):
			writeError(w, http.StatusPaymentRequired, "rider balance insufficient, settlement deferred")
		case errors.Is(err, ride.ErrInvalidStateTransition), errors.Is(err, storage.ErrStaleState):
			writeError(w, http.StatusConflict, "ride cannot complete in its current state")
		default:
			writeError(w, http.StatusInternalServerError, "settlement failed")
		}
		return
	}
	if rd.DriverID != "" {
		s.fence.Forget(rd.DriverID)
	}
	writeJSON(w, http.StatusOK, rideResponse{RideID: rd.ID, State: rd.State, DriverID: rd.DriverID})
}

type walletRequest struct {
	OwnerID string `json:"owner_id"`
}

func (s *Server) handleCreateWallet(w http.ResponseWriter, r *http.Request) {
	var req walletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OwnerID == "" {
		writeError(w, http.StatusBadRequest, "owner_id is required")
		return
	}
	a, err := s.ledger.CreateAccount(r.Context(), req.OwnerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create wallet")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"owner_id": a.OwnerID, "balance": a.Balance})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	ownerID := mux.Vars(r)["owner_id"]
	balance, err := s.ledger.Balance(r.Context(), ownerID)
	if err != nil {
		writeError(w, http.StatusNotFound, "wallet not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner_id": ownerID, "balance": balance})
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	ownerID := mux.Vars(r)["owner_id"]
	entries, err := s.ledger.Entries(r.Context(), ownerID)
	if err != nil {
		writeError(w, http.StatusNotFound, "wallet not found")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type fundsRequest struct {
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
	PaymentMethod  string `json:"payment_method"` // "card" goes through the card hold flow
	CustomerID     string `json:"customer_id"`
	Currency       string `json:"currency"`
}

// handleDeposit credits the wallet. Card deposits are held first, credited,
// then captured; a failed credit releases the hold so no money is taken
// without a matching ledger entry. A retried deposit is answered from the
// existing ledger entry before any card hold is created, and the hold itself
// carries the caller's idempotency key so a concurrent duplicate lands on the
// same PaymentIntent.
func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	ownerID := mux.Vars(r)["owner_id"]
	var req fundsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount <= 0 || req.IdempotencyKey == "" {
		writeError(w, http.StatusBadRequest, "amount and idempotency_key are required")
		return
	}

	key := "deposit:" + req.IdempotencyKey
	prior, err := s.ledger.Entry(r.Context(), ownerID, key)
	switch {
	case err == nil:
		if prior.Delta != req.Amount || prior.Kind != models.EntryCredit {
			writeError(w, http.StatusConflict, "idempotency key reused with a different amount")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entry_id": prior.ID, "balance": prior.BalanceAfter})
		return
	case errors.Is(err, wallet.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "wallet not found")
		return
	case !errors.Is(err, wallet.ErrEntryNotFound):
		writeError(w, http.StatusInternalServerError, "deposit failed")
		return
	}

	var holdID string
	if req.PaymentMethod == "card" && s.stripe != nil {
		currency := req.Currency
		if currency == "" {
			currency = s.cfg.FareCurrency
		}
		id, err := s.stripe.Hold(r.Context(), req.Amount, currency, req.CustomerID, key)
		if err != nil {
			s.logger.Error("card hold failed", "owner_id", ownerID, "error", err)
			writeError(w, http.StatusBadGateway, "card payment failed")
			return
		}
		holdID = id
	}

	entry, err := s.ledger.Credit(r.Context(), ownerID, req.Amount, key, "")
	if err != nil {
		if holdID != "" {
			if cerr := s.stripe.Cancel(r.Context(), holdID); cerr != nil {
				s.logger.Error("card hold release failed", "owner_id", ownerID, "hold_id", holdID, "error", cerr)
			}
		}
		switch {
		case errors.Is(err, wallet.ErrAccountNotFound):
			writeError(w, http.StatusNotFound, "wallet not found")
		case errors.Is(err, wallet.ErrIdempotencyConflict):
			writeError(w, http.StatusConflict, "idempotency key reused with a different amount")
		default:
			writeError(w, http.StatusInternalServerError, "deposit failed")
		}
		return
	}
	if holdID != "" {
		if err := s.stripe.Capture(r.Context(), holdID); err != nil {
			// the ledger credit stands; the capture is retried out of band
			s.logger.Error("card capture failed", "owner_id", ownerID, "hold_id", holdID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entry_id": entry.ID, "balance": entry.BalanceAfter})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	ownerID := mux.Vars(r)["owner_id"]
	var req fundsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount <= 0 || req.IdempotencyKey == "" {
		writeError(w, http.StatusBadRequest, "amount and idempotency_key are required")
		return
	}
	entry, err := s.ledger.Debit(r.Context(), ownerID, req.Amount, "withdraw:"+req.IdempotencyKey, "")
	if err != nil {
		switch {
		case errors.Is(err, wallet.ErrAccountNotFound):
			writeError(w, http.StatusNotFound, "wallet not found")
		case errors.Is(err, wallet.ErrInsufficientBalance):
			writeError(w, http.StatusPaymentRequired, "insufficient balance")
		case errors.Is(err, wallet.ErrIdempotencyConflict):
			writeError(w, http.StatusConflict, "idempotency key reused with a different amount")
		default:
			writeError(w, http.StatusInternalServerError, "withdrawal failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entry_id": entry.ID, "balance": entry.BalanceAfter})
}

// handleDriverLocation ingests one driver fix: the geo index is updated for
// matching, the fix is streamed to Kafka for downstream consumers, and the
// geofence monitor checks threshold crossings for the driver's active ride.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil || d.ID == "" {
		writeError(w, http.StatusBadRequest, "invalid driver location")
		return
	}
	at := d.Updated
	if at.IsZero() {
		at = time.Now()
		d.Updated = at
	}
	s.geo.Upsert(r.Context(), d)
	if s.locations != nil {
		if err := s.locations.PublishLocation(d); err != nil {
			s.logger.Warn("location publish failed", "driver_id", d.ID, "error", err)
		}
	}
	s.fence.Update(r.Context(), d.ID, d.Loc, at)
	w.WriteHeader(http.StatusAccepted)
}

// handleDriverWS upgrades the driver connection and pumps offer responses
// into the match engine until the socket drops.
func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	if driverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id is required")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "driver_id", driverID, "error", err)
		return
	}
	s.wsreg.Add(driverID, conn)
	s.wsreg.Listen(driverID, conn, s.matcher)
}
