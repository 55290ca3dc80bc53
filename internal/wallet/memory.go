package wallet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryLedger keeps one mutex per account, so operations on the same
// account are serialized while different accounts proceed in parallel.
type MemoryLedger struct {
	mu       sync.RWMutex
	accounts map[string]*memAccount
}

type memAccount struct {
	mu      sync.Mutex
	owner   string
	balance int64
	version int64
	entries []*models.LedgerEntry
	byKey   map[string]*models.LedgerEntry
	created time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{accounts: make(map[string]*memAccount)}
}

func (l *MemoryLedger) CreateAccount(_ context.Context, ownerID string) (*models.WalletAccount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.accounts[ownerID]; ok {
		return &models.WalletAccount{OwnerID: a.owner, Balance: a.balance, Version: a.version, CreatedAt: a.created}, nil
	}
	a := &memAccount{owner: ownerID, byKey: make(map[string]*models.LedgerEntry), created: time.Now()}
	l.accounts[ownerID] = a
	return &models.WalletAccount{OwnerID: ownerID, CreatedAt: a.created}, nil
}

func (l *MemoryLedger) account(id string) (*memAccount, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return a, nil
}

func (l *MemoryLedger) Balance(_ context.Context, accountID string) (int64, error) {
	a, err := l.account(accountID)
	if err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance, nil
}

func (l *MemoryLedger) Entry(_ context.Context, accountID, key string) (*models.LedgerEntry, error) {
	a, err := l.account(accountID)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.byKey[key]; ok {
		return e, nil
	}
	return nil, ErrEntryNotFound
}

func (l *MemoryLedger) Entries(_ context.Context, accountID string) ([]*models.LedgerEntry, error) {
	a, err := l.account(accountID)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*models.LedgerEntry, len(a.entries))
	copy(out, a.entries)
	return out, nil
}

// apply appends one entry with a.mu held. Idempotent replays return the prior
// entry; the same key with a different delta is an integrity failure.
func (a *memAccount) apply(kind models.EntryKind, delta int64, key, rideID, refEntryID string) (*models.LedgerEntry, bool, error) {
	if prior, ok := a.byKey[key]; ok {
		if prior.Delta == delta && prior.Kind == kind {
			return prior, true, nil
		}
		return nil, false, ErrIdempotencyConflict
	}
	if delta < 0 && a.balance+delta < 0 {
		return nil, false, ErrInsufficientBalance
	}
	a.balance += delta
	a.version++
	e := &models.LedgerEntry{
		ID:             newEntryID(),
		AccountID:      a.owner,
		Delta:          delta,
		BalanceAfter:   a.balance,
		IdempotencyKey: key,
		RideID:         rideID,
		Kind:           kind,
		RefEntryID:     refEntryID,
		CreatedAt:      time.Now(),
	}
	a.entries = append(a.entries, e)
	a.byKey[key] = e
	return e, false, nil
}

func (l *MemoryLedger) applyOne(accountID string, kind models.EntryKind, delta int64, key, rideID, refEntryID string) (*models.LedgerEntry, error) {
	a, err := l.account(accountID)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	e, _, err := a.apply(kind, delta, key, rideID, refEntryID)
	return e, err
}

func (l *MemoryLedger) Debit(_ context.Context, accountID string, amount int64, key, rideID string) (*models.LedgerEntry, error) {
	return l.applyOne(accountID, models.EntryDebit, -amount, key, rideID, "")
}

func (l *MemoryLedger) Credit(_ context.Context, accountID string, amount int64, key, rideID string) (*models.LedgerEntry, error) {
	return l.applyOne(accountID, models.EntryCredit, amount, key, rideID, "")
}

func (l *MemoryLedger) Refund(_ context.Context, accountID string, amount int64, key, rideID, origEntryID string) (*models.LedgerEntry, error) {
	a, err := l.account(accountID)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	found := false
	for _, e := range a.entries {
		if e.ID == origEntryID {
			found = true
			break
		}
	}
	if !found {
		return nil, ErrEntryNotFound
	}
	e, _, err := a.apply(models.EntryRefund, amount, key, rideID, origEntryID)
	return e, err
}

// Settle locks the three accounts in deterministic order, then applies
// rider debit, driver credit and platform fee as one unit: the rider balance
// and every leg's idempotency key are checked before anything is written, so
// either all three entries appear or none do.
func (l *MemoryLedger) Settle(_ context.Context, p SettleParams) (*SettleResult, error) {
	accts := make([]*memAccount, 0, 3)
	for _, id := range []string{p.RiderAccount, p.DriverAccount, p.PlatformAccount} {
		a, err := l.account(id)
		if err != nil {
			return nil, err
		}
		accts = append(accts, a)
	}
	rider, driver, platform := accts[0], accts[1], accts[2]

	locked := make([]*memAccount, 0, 3)
	seen := make(map[string]bool, 3)
	for _, a := range accts {
		if !seen[a.owner] {
			seen[a.owner] = true
			locked = append(locked, a)
		}
	}
	sort.Slice(locked, func(i, j int) bool { return locked[i].owner < locked[j].owner })
	for _, a := range locked {
		a.mu.Lock()
	}
	defer func() {
		for _, a := range locked {
			a.mu.Unlock()
		}
	}()

	riderKey, driverKey, platformKey := settleKeys(p.RideID)
	fee := Fee(p.Fare, p.FeeRate)

	// replay detection on the rider leg; the other legs must agree
	if prior, ok := rider.byKey[riderKey]; ok {
		if prior.Delta != -p.Fare {
			return nil, ErrIdempotencyConflict
		}
		de := driver.byKey[driverKey]
		pe := platform.byKey[platformKey]
		if de == nil || pe == nil {
			return nil, ErrIdempotencyConflict
		}
		return &SettleResult{RiderEntry: prior, DriverEntry: de, PlatformEntry: pe, Fee: fee, Replayed: true}, nil
	}

	if rider.balance < p.Fare {
		return nil, ErrInsufficientBalance
	}
	// every leg that would fail must be rejected before any leg is written
	if prior, ok := driver.byKey[driverKey]; ok && (prior.Delta != p.Fare-fee || prior.Kind != models.EntryCredit) {
		return nil, ErrIdempotencyConflict
	}
	if prior, ok := platform.byKey[platformKey]; ok && (prior.Delta != fee || prior.Kind != models.EntryFee) {
		return nil, ErrIdempotencyConflict
	}

	re, _, err := rider.apply(models.EntryDebit, -p.Fare, riderKey, p.RideID, "")
	if err != nil {
		return nil, err
	}
	de, _, err := driver.apply(models.EntryCredit, p.Fare-fee, driverKey, p.RideID, "")
	if err != nil {
		return nil, err
	}
	pe, _, err := platform.apply(models.EntryFee, fee, platformKey, p.RideID, "")
	if err != nil {
		return nil, err
	}
	return &SettleResult{RiderEntry: re, DriverEntry: de, PlatformEntry: pe, Fee: fee}, nil
}
