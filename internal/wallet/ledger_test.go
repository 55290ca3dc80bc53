package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func newFundedLedger(t *testing.T, owner string, funds int64) *MemoryLedger {
	t.Helper()
	l := NewMemoryLedger()
	if _, err := l.CreateAccount(context.Background(), owner); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if funds > 0 {
		if _, err := l.Credit(context.Background(), owner, funds, "seed:"+owner, ""); err != nil {
			t.Fatalf("seed funds: %v", err)
		}
	}
	return l
}

func TestCreditDebitBalance(t *testing.T) {
	l := newFundedLedger(t, "u1", 0)
	ctx := context.Background()

	e, err := l.Credit(ctx, "u1", 1500, "dep:1", "")
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if e.Delta != 1500 || e.BalanceAfter != 1500 || e.Kind != models.EntryCredit {
		t.Fatalf("unexpected credit entry: %+v", e)
	}

	e, err = l.Debit(ctx, "u1", 400, "wd:1", "")
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if e.Delta != -400 || e.BalanceAfter != 1100 {
		t.Fatalf("unexpected debit entry: %+v", e)
	}

	b, err := l.Balance(ctx, "u1")
	if err != nil || b != 1100 {
		t.Fatalf("balance = %d, %v", b, err)
	}
}

func TestDebitInsufficientBalance(t *testing.T) {
	l := newFundedLedger(t, "u1", 300)
	_, err := l.Debit(context.Background(), "u1", 400, "wd:1", "")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if b, _ := l.Balance(context.Background(), "u1"); b != 300 {
		t.Fatalf("failed debit mutated balance: %d", b)
	}
}

func TestUnknownAccount(t *testing.T) {
	l := NewMemoryLedger()
	if _, err := l.Balance(context.Background(), "ghost"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	if _, err := l.Credit(context.Background(), "ghost", 10, "k", ""); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestIdempotentReplayReturnsOriginalEntry(t *testing.T) {
	l := newFundedLedger(t, "u1", 1000)
	ctx := context.Background()

	first, err := l.Debit(ctx, "u1", 250, "wd:retry", "")
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	second, err := l.Debit(ctx, "u1", 250, "wd:retry", "")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("replay produced a new entry: %s vs %s", first.ID, second.ID)
	}
	if b, _ := l.Balance(ctx, "u1"); b != 750 {
		t.Fatalf("replay applied twice: balance %d", b)
	}
}

func TestIdempotencyConflict(t *testing.T) {
	l := newFundedLedger(t, "u1", 1000)
	ctx := context.Background()

	if _, err := l.Debit(ctx, "u1", 250, "wd:1", ""); err != nil {
		t.Fatalf("debit: %v", err)
	}
	_, err := l.Debit(ctx, "u1", 300, "wd:1", "")
	if !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	l := newFundedLedger(t, "u1", 1000)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 2)
	amounts := []int64{700, 500}
	for i, amt := range amounts {
		wg.Add(1)
		go func(i int, amt int64) {
			defer wg.Done()
			_, results[i] = l.Debit(ctx, "u1", amt, fmt.Sprintf("wd:%d", i), "")
		}(i, amt)
	}
	wg.Wait()

	failures := 0
	var succeeded int64
	for i, err := range results {
		if err == nil {
			succeeded += amounts[i]
			continue
		}
		if !errors.Is(err, ErrInsufficientBalance) {
			t.Fatalf("unexpected error: %v", err)
		}
		failures++
	}
	if failures != 1 {
		t.Fatalf("expected exactly one rejected debit, got %d", failures)
	}
	b, _ := l.Balance(ctx, "u1")
	if b != 1000-succeeded || b < 0 {
		t.Fatalf("balance = %d after debiting %d", b, succeeded)
	}
}

func TestConcurrentCreditsAllApply(t *testing.T) {
	l := newFundedLedger(t, "u1", 0)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := l.Credit(ctx, "u1", 10, fmt.Sprintf("dep:%d", i), ""); err != nil {
				t.Errorf("credit %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if b, _ := l.Balance(ctx, "u1"); b != n*10 {
		t.Fatalf("balance = %d, want %d", b, n*10)
	}
	entries, _ := l.Entries(ctx, "u1")
	if len(entries) != n {
		t.Fatalf("entries = %d, want %d", len(entries), n)
	}
	var sum int64
	for _, e := range entries {
		sum += e.Delta
	}
	if sum != n*10 {
		t.Fatalf("entry deltas sum to %d, want %d", sum, n*10)
	}
}

func TestRefundReferencesOriginal(t *testing.T) {
	l := newFundedLedger(t, "u1", 1000)
	ctx := context.Background()

	orig, err := l.Debit(ctx, "u1", 600, "pay:1", "ride-1")
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	ref, err := l.Refund(ctx, "u1", 600, "refund:1", "ride-1", orig.ID)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if ref.Kind != models.EntryRefund || ref.RefEntryID != orig.ID || ref.Delta != 600 {
		t.Fatalf("unexpected refund entry: %+v", ref)
	}
	if b, _ := l.Balance(ctx, "u1"); b != 1000 {
		t.Fatalf("balance after refund = %d, want 1000", b)
	}
}

func TestSettleThreeWaySplit(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	for _, owner := range []string{"rider", "driver", "platform"} {
		if _, err := l.CreateAccount(ctx, owner); err != nil {
			t.Fatalf("create %s: %v", owner, err)
		}
	}
	if _, err := l.Credit(ctx, "rider", 5000, "seed", ""); err != nil {
		t.Fatalf("seed: %v", err)
	}

	res, err := l.Settle(ctx, SettleParams{
		RideID: "ride-1", RiderAccount: "rider", DriverAccount: "driver",
		PlatformAccount: "platform", Fare: 3450, FeeRate: 0.20,
	})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.Fee != 690 {
		t.Fatalf("fee = %d, want 690", res.Fee)
	}
	if res.RiderEntry.Delta != -3450 || res.DriverEntry.Delta != 2760 || res.PlatformEntry.Delta != 690 {
		t.Fatalf("unexpected split: rider %d driver %d platform %d",
			res.RiderEntry.Delta, res.DriverEntry.Delta, res.PlatformEntry.Delta)
	}
	if res.PlatformEntry.Kind != models.EntryFee {
		t.Fatalf("platform entry kind = %s, want fee", res.PlatformEntry.Kind)
	}

	// the three legs always sum to zero
	if res.RiderEntry.Delta+res.DriverEntry.Delta+res.PlatformEntry.Delta != 0 {
		t.Fatal("settlement legs do not balance")
	}
}

func TestSettleReplayIsIdempotent(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	for _, owner := range []string{"rider", "driver", "platform"} {
		if _, err := l.CreateAccount(ctx, owner); err != nil {
			t.Fatalf("create %s: %v", owner, err)
		}
	}
	if _, err := l.Credit(ctx, "rider", 5000, "seed", ""); err != nil {
		t.Fatalf("seed: %v", err)
	}

	p := SettleParams{
		RideID: "ride-1", RiderAccount: "rider", DriverAccount: "driver",
		PlatformAccount: "platform", Fare: 3450, FeeRate: 0.20,
	}
	first, err := l.Settle(ctx, p)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	second, err := l.Settle(ctx, p)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Replayed {
		t.Fatal("replay not flagged")
	}
	if first.RiderEntry.ID != second.RiderEntry.ID {
		t.Fatal("replay created new rider entry")
	}
	if b, _ := l.Balance(ctx, "rider"); b != 5000-3450 {
		t.Fatalf("rider charged twice: %d", b)
	}
	entries, _ := l.Entries(ctx, "driver")
	if len(entries) != 1 {
		t.Fatalf("driver entries = %d, want 1", len(entries))
	}
}

func TestSettleInsufficientWritesNothing(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	for _, owner := range []string{"rider", "driver", "platform"} {
		if _, err := l.CreateAccount(ctx, owner); err != nil {
			t.Fatalf("create %s: %v", owner, err)
		}
	}
	if _, err := l.Credit(ctx, "rider", 100, "seed", ""); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err := l.Settle(ctx, SettleParams{
		RideID: "ride-1", RiderAccount: "rider", DriverAccount: "driver",
		PlatformAccount: "platform", Fare: 3450, FeeRate: 0.20,
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	for _, owner := range []string{"driver", "platform"} {
		entries, _ := l.Entries(ctx, owner)
		if len(entries) != 0 {
			t.Fatalf("%s has %d entries after failed settle", owner, len(entries))
		}
	}
}

func TestSettleLegConflictWritesNothing(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	for _, owner := range []string{"rider", "driver", "platform"} {
		if _, err := l.CreateAccount(ctx, owner); err != nil {
			t.Fatalf("create %s: %v", owner, err)
		}
	}
	if _, err := l.Credit(ctx, "rider", 5000, "seed", ""); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// the driver leg's key is already taken with a different amount, so the
	// settlement must fail before the rider debit is written
	if _, err := l.Credit(ctx, "driver", 100, "settle:ride-1:driver", "ride-1"); err != nil {
		t.Fatalf("seed driver conflict: %v", err)
	}

	_, err := l.Settle(ctx, SettleParams{
		RideID: "ride-1", RiderAccount: "rider", DriverAccount: "driver",
		PlatformAccount: "platform", Fare: 3450, FeeRate: 0.20,
	})
	if !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}
	if b, _ := l.Balance(ctx, "rider"); b != 5000 {
		t.Fatalf("rider balance %d after failed settle, want 5000", b)
	}
	entries, _ := l.Entries(ctx, "rider")
	if len(entries) != 1 {
		t.Fatalf("rider has %d entries after failed settle, want the seed only", len(entries))
	}
	if entries, _ := l.Entries(ctx, "platform"); len(entries) != 0 {
		t.Fatalf("platform has %d entries after failed settle", len(entries))
	}
}

func TestEntryLookupByKey(t *testing.T) {
	l := newFundedLedger(t, "u1", 0)
	ctx := context.Background()

	e, err := l.Credit(ctx, "u1", 1500, "dep:1", "")
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	got, err := l.Entry(ctx, "u1", "dep:1")
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if got.ID != e.ID {
		t.Fatalf("lookup returned %s, want %s", got.ID, e.ID)
	}
	if _, err := l.Entry(ctx, "u1", "dep:2"); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
	if _, err := l.Entry(ctx, "ghost", "dep:1"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestFeeRounding(t *testing.T) {
	cases := []struct {
		fare int64
		rate float64
		want int64
	}{
		{3450, 0.20, 690},
		{1001, 0.20, 200}, // 200.2 rounds down
		{1003, 0.25, 251}, // 250.75 rounds up
		{1, 0.20, 0},
		{0, 0.20, 0},
	}
	for _, c := range cases {
		if got := Fee(c.fare, c.rate); got != c.want {
			t.Errorf("Fee(%d, %.2f) = %d, want %d", c.fare, c.rate, got, c.want)
		}
	}
}
