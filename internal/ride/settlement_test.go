package ride

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/wallet"
)

func testPricing() models.PricingParams {
	return models.PricingParams{Base: 500, PerKm: 150, PerMin: 15, MinFare: 500, MaxFare: 1_000_000, Currency: "NGN"}
}

func newSettlementFixture(t *testing.T, riderFunds int64) (*Settlement, *storage.MemoryStore, *wallet.MemoryLedger, *fare.Engine) {
	t.Helper()
	store := storage.NewMemoryStore()
	bus := events.NewBus()
	machine := &Machine{Store: store, Events: bus, Logger: testLogger()}
	eng := &fare.Engine{Secret: []byte("test-secret"), TTL: 10 * time.Minute, Tolerance: 100, MaxDistanceDivergence: 0.15}
	ledger := wallet.NewMemoryLedger()

	ctx := context.Background()
	for _, owner := range []string{"rider-1", "driver-1", "platform"} {
		if _, err := ledger.CreateAccount(ctx, owner); err != nil {
			t.Fatalf("create account %s: %v", owner, err)
		}
	}
	if riderFunds > 0 {
		if _, err := ledger.Credit(ctx, "rider-1", riderFunds, "seed:rider", ""); err != nil {
			t.Fatalf("fund rider: %v", err)
		}
	}

	quote, err := eng.Quote("r1", testPricing(), 1.5, 10, 20, time.Now())
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	r := &models.Ride{
		ID: "r1", RiderID: "rider-1", DriverID: "driver-1",
		State: models.StateInProgress, Quote: quote,
	}
	if err := store.CreateRide(ctx, r); err != nil {
		t.Fatalf("seed ride: %v", err)
	}

	s := &Settlement{
		Machine: machine, Fare: eng, Ledger: ledger, Logger: testLogger(),
		PlatformAccount: "platform", FeeRate: 0.20,
	}
	return s, store, ledger, eng
}

func TestCompleteSettlesThreeWays(t *testing.T) {
	s, store, ledger, _ := newSettlementFixture(t, 5000)
	ctx := context.Background()

	r, err := s.Complete(ctx, "r1", 10, 20, "driver-1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if r.State != models.StateCompleted {
		t.Fatalf("state = %s, want COMPLETED", r.State)
	}

	// fare 3450, fee 690 at 20%, driver earning 2760
	checks := map[string]int64{"rider-1": 5000 - 3450, "driver-1": 2760, "platform": 690}
	for owner, want := range checks {
		got, err := ledger.Balance(ctx, owner)
		if err != nil {
			t.Fatalf("balance %s: %v", owner, err)
		}
		if got != want {
			t.Errorf("balance %s = %d, want %d", owner, got, want)
		}
	}
	_ = store
}

func TestCompleteBlockedOnTamperedQuote(t *testing.T) {
	s, store, ledger, _ := newSettlementFixture(t, 5000)
	ctx := context.Background()

	r, _ := store.GetRide(ctx, "r1")
	r.Quote.Amount -= 1000 // rider-side tampering
	if err := store.CreateRide(ctx, r); err != nil {
		t.Fatalf("overwrite ride: %v", err)
	}

	got, err := s.Complete(ctx, "r1", 10, 20, "driver-1")
	if !errors.Is(err, fare.ErrFareMismatch) {
		t.Fatalf("expected ErrFareMismatch, got %v", err)
	}
	if got.State != models.StatePendingSettlement {
		t.Fatalf("blocked ride should hold in PENDING_SETTLEMENT, got %s", got.State)
	}
	if b, _ := ledger.Balance(ctx, "rider-1"); b != 5000 {
		t.Fatalf("no money may move on a blocked settlement, rider balance %d", b)
	}
}

func TestCompleteBlockedOnDistanceDivergence(t *testing.T) {
	s, _, ledger, _ := newSettlementFixture(t, 5000)
	ctx := context.Background()

	_, err := s.Complete(ctx, "r1", 14, 20, "driver-1") // 40% over the estimate
	if !errors.Is(err, fare.ErrFareMismatch) {
		t.Fatalf("expected ErrFareMismatch, got %v", err)
	}
	if b, _ := ledger.Balance(ctx, "rider-1"); b != 5000 {
		t.Fatalf("rider balance moved: %d", b)
	}
}

func TestCompleteDeferredThenRetriedAfterTopUp(t *testing.T) {
	s, store, ledger, _ := newSettlementFixture(t, 1000)
	ctx := context.Background()

	_, err := s.Complete(ctx, "r1", 10, 20, "driver-1")
	if !errors.Is(err, wallet.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	r, _ := store.GetRide(ctx, "r1")
	if r.State != models.StatePendingSettlement {
		t.Fatalf("deferred ride should hold in PENDING_SETTLEMENT, got %s", r.State)
	}

	if _, err := ledger.Credit(ctx, "rider-1", 5000, "topup:1", ""); err != nil {
		t.Fatalf("top up: %v", err)
	}
	r, err = s.Complete(ctx, "r1", 10, 20, "driver-1")
	if err != nil {
		t.Fatalf("retry after top-up: %v", err)
	}
	if r.State != models.StateCompleted {
		t.Fatalf("state = %s, want COMPLETED", r.State)
	}
	if b, _ := ledger.Balance(ctx, "rider-1"); b != 1000+5000-3450 {
		t.Fatalf("rider balance = %d", b)
	}
}

func TestCompleteRetryReplaysWithoutDoubleCharge(t *testing.T) {
	s, store, ledger, _ := newSettlementFixture(t, 5000)
	ctx := context.Background()

	if _, err := s.Complete(ctx, "r1", 10, 20, "driver-1"); err != nil {
		t.Fatalf("first complete: %v", err)
	}
	// a second call must fail on the terminal state, not move money again
	_, err := s.Complete(ctx, "r1", 10, 20, "driver-1")
	if err == nil {
		t.Fatal("second complete on a COMPLETED ride must fail")
	}
	if b, _ := ledger.Balance(ctx, "rider-1"); b != 5000-3450 {
		t.Fatalf("rider charged twice: balance %d", b)
	}
	entries, _ := ledger.Entries(ctx, "rider-1")
	debits := 0
	for _, e := range entries {
		if e.Kind == models.EntryDebit {
			debits++
		}
	}
	if debits != 1 {
		t.Fatalf("expected 1 settlement debit, got %d", debits)
	}
	_ = store
}
