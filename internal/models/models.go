package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RideState is the lifecycle state of a ride. Transitions are validated by
// the ride package; the stored state column is only ever advanced via CAS.
type RideState string

const (
	StateRequested         RideState = "REQUESTED"
	StateMatching          RideState = "MATCHING"
	StateAccepted          RideState = "ACCEPTED"
	StateArrived           RideState = "ARRIVED"
	StateInProgress        RideState = "IN_PROGRESS"
	StatePendingSettlement RideState = "PENDING_SETTLEMENT"
	StateCompleted         RideState = "COMPLETED"
	StateCancelled         RideState = "CANCELLED"
	StateExpired           RideState = "EXPIRED"
)

// Terminal reports whether no further transition is possible from s.
func (s RideState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateExpired
}

type RideRequest struct {
	RiderID     string    `json:"rider_id"`
	Pickup      Coord     `json:"pickup"`
	Dropoff     Coord     `json:"dropoff"`
	VehicleType string    `json:"vehicle_type"`
	RequestedAt time.Time `json:"requested_at"`
}

type Ride struct {
	ID          string
	RiderID     string
	DriverID    string // empty until ACCEPTED; set at most once
	Pickup      Coord
	Dropoff     Coord
	VehicleType string
	State       RideState

	Quote *FareQuote

	CancelReason string
	CancelledBy  string // rider, driver, system

	RequestedAt time.Time
	AcceptedAt  time.Time
	ArrivedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	CancelledAt time.Time
	UpdatedAt   time.Time
}

// RideEvent is an audit row appended for every successful state transition.
type RideEvent struct {
	RideID    string
	From      RideState
	To        RideState
	Actor     string
	CreatedAt time.Time
}

type Driver struct {
	ID          string    `json:"id"`
	Loc         Coord     `json:"loc"`
	VehicleType string    `json:"vehicle_type"`
	Rating      float64   `json:"rating"` // 0..5
	Online      bool      `json:"online"`
	Available   bool      `json:"available"`
	Updated     time.Time `json:"updated"`
}

// DriverCandidate is transient matching state; it lives only for the duration
// of one matching round and is never persisted.
type DriverCandidate struct {
	DriverID  string  `json:"driver_id"`
	DistanceM float64 `json:"distance_m"`
	Available bool    `json:"available"`
}

// RideOffer is the invitation broadcast to candidate drivers.
type RideOffer struct {
	RideID      string  `json:"ride_id"`
	Pickup      Coord   `json:"pickup"`
	Dropoff     Coord   `json:"dropoff"`
	DistanceM   float64 `json:"distance_m"`
	FareAmount  int64   `json:"fare_amount"`
	Currency    string  `json:"currency"`
	ExpiresInMS int64   `json:"expires_in_ms"`
}

// PricingParams are the rate inputs locked into a quote at creation time.
// All amounts are minor currency units.
type PricingParams struct {
	Base     int64   `json:"base"`
	PerKm    int64   `json:"per_km"`
	PerMin   int64   `json:"per_min"`
	MinFare  int64   `json:"min_fare"`
	MaxFare  int64   `json:"max_fare"`
	Currency string  `json:"currency"`
}

// FareQuote is a signed, time-bounded fare commitment. Created once at request
// time, never mutated, consumed exactly once at settlement.
type FareQuote struct {
	RideID      string        `json:"ride_id"`
	Amount      int64         `json:"amount"`
	DistanceKm  float64       `json:"distance_km"`
	DurationMin float64       `json:"duration_min"`
	Params      PricingParams `json:"params"`
	Surge       float64       `json:"surge"`
	ExpiresAt   time.Time     `json:"expires_at"`
	Signature   string        `json:"signature"` // hex HMAC-SHA256 over canonical inputs
}

type EntryKind string

const (
	EntryDebit  EntryKind = "debit"
	EntryCredit EntryKind = "credit"
	EntryRefund EntryKind = "refund"
	EntryFee    EntryKind = "fee"
)

// LedgerEntry is append-only. Reversals are new refund entries referencing the
// original; nothing is ever updated or deleted.
type LedgerEntry struct {
	ID             string
	AccountID      string
	Delta          int64 // signed, minor units
	BalanceAfter   int64
	IdempotencyKey string
	RideID         string
	Kind           EntryKind
	RefEntryID     string // refund only: the entry being reversed
	CreatedAt      time.Time
}

type WalletAccount struct {
	OwnerID   string
	Balance   int64 // must equal the sum of the account's entry deltas
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

type GeofenceThreshold string

const (
	ThresholdApproaching GeofenceThreshold = "approaching"
	ThresholdArrived     GeofenceThreshold = "arrived"
)

type GeofenceEvent struct {
	RideID    string            `json:"ride_id"`
	DriverID  string            `json:"driver_id"`
	Threshold GeofenceThreshold `json:"threshold"`
	At        time.Time         `json:"at"`
}
