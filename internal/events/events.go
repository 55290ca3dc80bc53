// Package events defines the typed domain events the engine exposes to
// collaborators (notification, analytics, chat provisioning) and the
// publishers that deliver them. Delivery is at-least-once; consumers are
// expected to be idempotent.
package events

import "context"

// Event is a domain event. Key is the partitioning key (the ride id), so all
// events for one ride are delivered in order.
type Event interface {
	Name() string
	Key() string
}

type RideAccepted struct {
	RideID   string `json:"ride_id"`
	DriverID string `json:"driver_id"`
}

func (e RideAccepted) Name() string { return "ride.accepted" }
func (e RideAccepted) Key() string  { return e.RideID }

type RideArrived struct {
	RideID string `json:"ride_id"`
}

func (e RideArrived) Name() string { return "ride.arrived" }
func (e RideArrived) Key() string  { return e.RideID }

type RideStarted struct {
	RideID string `json:"ride_id"`
}

func (e RideStarted) Name() string { return "ride.started" }
func (e RideStarted) Key() string  { return e.RideID }

type RideCompleted struct {
	RideID     string `json:"ride_id"`
	FareAmount int64  `json:"fare_amount"`
}

func (e RideCompleted) Name() string { return "ride.completed" }
func (e RideCompleted) Key() string  { return e.RideID }

type RideCancelled struct {
	RideID string `json:"ride_id"`
	Reason string `json:"reason"`
}

func (e RideCancelled) Name() string { return "ride.cancelled" }
func (e RideCancelled) Key() string  { return e.RideID }

type RideExpired struct {
	RideID string `json:"ride_id"`
	Reason string `json:"reason"`
}

func (e RideExpired) Name() string { return "ride.expired" }
func (e RideExpired) Key() string  { return e.RideID }

type DriverApproaching struct {
	RideID   string `json:"ride_id"`
	DriverID string `json:"driver_id"`
}

func (e DriverApproaching) Name() string { return "driver.approaching" }
func (e DriverApproaching) Key() string  { return e.RideID }

type DriverArrived struct {
	RideID   string `json:"ride_id"`
	DriverID string `json:"driver_id"`
}

func (e DriverArrived) Name() string { return "driver.arrived" }
func (e DriverArrived) Key() string  { return e.RideID }

type PaymentSettled struct {
	RideID        string `json:"ride_id"`
	RiderEntryID  string `json:"rider_entry_id"`
	DriverEntryID string `json:"driver_entry_id"`
}

func (e PaymentSettled) Name() string { return "payment.settled" }
func (e PaymentSettled) Key() string  { return e.RideID }

// Publisher delivers domain events to collaborators.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}
