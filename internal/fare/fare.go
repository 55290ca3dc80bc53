// Package fare produces tamper-evident fare quotes and verifies them at
// settlement. Rates and surge are locked into the quote at creation time;
// verification always recomputes with those locked inputs, never with
// current pricing.
package fare

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrFareMismatch blocks settlement: signature failure or out-of-tolerance
// divergence is never silently accepted and routes to manual review.
var ErrFareMismatch = errors.New("fare mismatch")

// PricingSource is the external pricing configuration store.
type PricingSource interface {
	ActivePricing(vehicleType, city string, at time.Time) (models.PricingParams, error)
	ActiveSurge(vehicleType, city string, at time.Time) float64
}

type Engine struct {
	Secret []byte
	TTL    time.Duration

	// Tolerance is the permitted recomputation drift in minor units. It
	// absorbs rounding plus small metering drift; larger divergence is an
	// integrity failure.
	Tolerance int64

	// MaxDistanceDivergence is the anti-tamper bound on
	// |actual - estimated| / estimated distance.
	MaxDistanceDivergence float64
}

// Quote computes fare = clamp(base + perKm*dist + perMin*dur, min, max) * surge,
// rounds half-up to the minor currency unit, and signs the result together
// with the ride id, all inputs, and an expiry.
func (e *Engine) Quote(rideID string, p models.PricingParams, surge, distanceKm, durationMin float64, now time.Time) (*models.FareQuote, error) {
	if surge <= 0 {
		surge = 1.0
	}
	amount := computeFare(p, surge, distanceKm, durationMin)
	q := &models.FareQuote{
		RideID:      rideID,
		Amount:      amount,
		DistanceKm:  distanceKm,
		DurationMin: durationMin,
		Params:      p,
		Surge:       surge,
		ExpiresAt:   now.Add(e.TTL),
	}
	q.Signature = e.sign(q)
	return q, nil
}

// Expired reports whether the quote is past its TTL. Checked when the ride
// enters matching; settlement relies on the signature, not the expiry.
func (e *Engine) Expired(q *models.FareQuote, now time.Time) bool {
	return now.After(q.ExpiresAt)
}

// Verify recomputes the fare from the actual tracked distance and duration
// using the quote's locked rates and compares against the signed amount.
// Any signature tampering fails regardless of the numeric comparison.
func (e *Engine) Verify(q *models.FareQuote, actualKm, actualMin float64) (int64, error) {
	if !hmac.Equal([]byte(e.sign(q)), []byte(q.Signature)) {
		return 0, fmt.Errorf("%w: bad signature for ride %s", ErrFareMismatch, q.RideID)
	}
	if q.DistanceKm > 0 {
		div := math.Abs(actualKm-q.DistanceKm) / q.DistanceKm
		if div > e.MaxDistanceDivergence {
			return 0, fmt.Errorf("%w: distance divergence %.1f%% exceeds %.1f%%",
				ErrFareMismatch, div*100, e.MaxDistanceDivergence*100)
		}
	}
	recomputed := computeFare(q.Params, q.Surge, actualKm, actualMin)
	if diff := recomputed - q.Amount; diff > e.Tolerance || diff < -e.Tolerance {
		return 0, fmt.Errorf("%w: recomputed %d vs quoted %d", ErrFareMismatch, recomputed, q.Amount)
	}
	return q.Amount, nil
}

func computeFare(p models.PricingParams, surge, distanceKm, durationMin float64) int64 {
	subtotal := float64(p.Base) + float64(p.PerKm)*distanceKm + float64(p.PerMin)*durationMin
	if floor := float64(p.MinFare); subtotal < floor {
		subtotal = floor
	}
	if ceil := float64(p.MaxFare); p.MaxFare > 0 && subtotal > ceil {
		subtotal = ceil
	}
	return roundHalfUp(subtotal * surge)
}

// roundHalfUp is the platform rounding rule: half-up to the minor unit,
// applied once after the surge multiplier.
func roundHalfUp(x float64) int64 {
	return int64(math.Floor(x + 0.5))
}

// sign computes the HMAC-SHA256 over the canonical quote inputs.
func (e *Engine) sign(q *models.FareQuote) string {
	mac := hmac.New(sha256.New, e.Secret)
	fmt.Fprintf(mac, "%s|%d|%.4f|%.4f|%d|%d|%d|%d|%d|%.4f|%d",
		q.RideID, q.Amount, q.DistanceKm, q.DurationMin,
		q.Params.Base, q.Params.PerKm, q.Params.PerMin, q.Params.MinFare, q.Params.MaxFare,
		q.Surge, q.ExpiresAt.Unix())
	return hex.EncodeToString(mac.Sum(nil))
}

// StaticPricing serves one rate card for every vehicle type and city; it
// stands in for the external pricing store in local runs and tests.
type StaticPricing struct {
	Params models.PricingParams
	Surge  float64
}

func (s StaticPricing) ActivePricing(_, _ string, _ time.Time) (models.PricingParams, error) {
	return s.Params, nil
}

func (s StaticPricing) ActiveSurge(_, _ string, _ time.Time) float64 {
	if s.Surge <= 0 {
		return 1.0
	}
	return s.Surge
}
