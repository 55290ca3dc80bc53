// Package wallet is the append-only ledger and the only entry point for
// balance mutation. Operations on one account are fully serialized; accounts
// are independent. Every operation is idempotent under retries via a
// caller-supplied key.
package wallet

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrAccountNotFound     = errors.New("wallet account not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrIdempotencyConflict means the same key was replayed with a different
	// delta. That is a logic or replay bug, never resolved automatically.
	ErrIdempotencyConflict = errors.New("idempotency key conflict")
	ErrEntryNotFound       = errors.New("ledger entry not found")
)

// SettleParams describes the compound settlement for one completed ride:
// debit the rider the full fare, credit the driver fare minus the platform
// fee, credit the platform account the fee. All three share one idempotency
// key derived from the ride id and are applied atomically.
type SettleParams struct {
	RideID          string
	RiderAccount    string
	DriverAccount   string
	PlatformAccount string
	Fare            int64
	FeeRate         float64 // e.g. 0.20
}

type SettleResult struct {
	RiderEntry    *models.LedgerEntry
	DriverEntry   *models.LedgerEntry
	PlatformEntry *models.LedgerEntry
	Fee           int64
	Replayed      bool
}

type Ledger interface {
	CreateAccount(ctx context.Context, ownerID string) (*models.WalletAccount, error)
	Balance(ctx context.Context, accountID string) (int64, error)
	Entries(ctx context.Context, accountID string) ([]*models.LedgerEntry, error)
	// Entry looks up a prior entry by its idempotency key, or ErrEntryNotFound.
	Entry(ctx context.Context, accountID, key string) (*models.LedgerEntry, error)

	Debit(ctx context.Context, accountID string, amount int64, key, rideID string) (*models.LedgerEntry, error)
	Credit(ctx context.Context, accountID string, amount int64, key, rideID string) (*models.LedgerEntry, error)
	// Refund reverses a prior entry with a new entry; the original is never
	// touched.
	Refund(ctx context.Context, accountID string, amount int64, key, rideID, origEntryID string) (*models.LedgerEntry, error)

	Settle(ctx context.Context, p SettleParams) (*SettleResult, error)
}

// Fee splits the fare per the platform rate, rounding the fee half-up.
func Fee(fare int64, rate float64) int64 {
	return int64(math.Floor(float64(fare)*rate + 0.5))
}

func newEntryID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func settleKeys(rideID string) (rider, driver, platform string) {
	base := "settle:" + rideID
	return base + ":rider", base + ":driver", base + ":fee"
}
