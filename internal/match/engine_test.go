package match

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingDispatcher captures offers and ride-taken notices and signals each
// offer on a channel so tests can synchronize with the broadcast.
type recordingDispatcher struct {
	mu      sync.Mutex
	offers  map[string]int
	taken   map[string]int
	offered chan string
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{
		offers:  make(map[string]int),
		taken:   make(map[string]int),
		offered: make(chan string, 64),
	}
}

func (d *recordingDispatcher) Offer(driverID string, _ models.RideOffer) error {
	d.mu.Lock()
	d.offers[driverID]++
	d.mu.Unlock()
	d.offered <- driverID
	return nil
}

func (d *recordingDispatcher) RideTaken(driverID, _ string) error {
	d.mu.Lock()
	d.taken[driverID]++
	d.mu.Unlock()
	return nil
}

func (d *recordingDispatcher) offerCount(driverID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.offers[driverID]
}

func (d *recordingDispatcher) takenCount(driverID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.taken[driverID]
}

func (d *recordingDispatcher) waitOffers(t *testing.T, n int) []string {
	t.Helper()
	got := make([]string, 0, n)
	for len(got) < n {
		select {
		case id := <-d.offered:
			got = append(got, id)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %d offers, got %v", n, got)
		}
	}
	return got
}

type fixture struct {
	engine   *Engine
	store    *storage.MemoryStore
	dispatch *recordingDispatcher
	index    *geo.Index
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	machine := &ride.Machine{Store: store, Events: events.NewBus(), Logger: testLogger()}
	d := newRecordingDispatcher()
	idx := geo.NewIndex()
	return &fixture{
		engine:   NewEngine(idx, d, machine, testLogger(), cfg),
		store:    store,
		dispatch: d,
		index:    idx,
	}
}

// driverAtKm places an online, available driver the given distance north of
// the origin.
func (f *fixture) driverAtKm(id string, km float64) {
	f.index.Upsert(context.Background(), models.Driver{
		ID:        id,
		Loc:       models.Coord{Lat: km / 111.0, Lon: 0},
		Online:    true,
		Available: true,
	})
}

func (f *fixture) seedRide(t *testing.T) *models.Ride {
	t.Helper()
	r := &models.Ride{
		ID:      "r1",
		RiderID: "rider-1",
		Pickup:  models.Coord{Lat: 0, Lon: 0},
		Dropoff: models.Coord{Lat: 0.09, Lon: 0},
		State:   models.StateRequested,
		Quote:   &models.FareQuote{RideID: "r1", Amount: 3450, Params: models.PricingParams{Currency: "NGN"}},
	}
	if err := f.store.CreateRide(context.Background(), r); err != nil {
		t.Fatalf("seed ride: %v", err)
	}
	return r
}

type runResult struct {
	ride *models.Ride
	err  error
}

func TestFirstAcceptWinsAndLosersAreTold(t *testing.T) {
	f := newFixture(t, Config{InitialRadiusM: 5000, GrowthFactor: 1.5, MaxRounds: 3, RoundTimeout: time.Second, TopK: 5})
	f.driverAtKm("d1", 1)
	f.driverAtKm("d2", 3)
	f.driverAtKm("d3", 4)
	r := f.seedRide(t)

	done := make(chan runResult, 1)
	go func() {
		won, err := f.engine.Run(context.Background(), r)
		done <- runResult{won, err}
	}()

	offers := f.dispatch.waitOffers(t, 3)
	if offers[0] != "d1" || offers[1] != "d2" || offers[2] != "d3" {
		t.Fatalf("offers not in distance order: %v", offers)
	}

	if err := f.engine.HandleResponse("r1", "d2", false); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if err := f.engine.HandleResponse("r1", "d1", true); err != nil {
		t.Fatalf("accept: %v", err)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("run: %v", res.err)
	}
	if res.ride.DriverID != "d1" || res.ride.State != models.StateAccepted {
		t.Fatalf("unexpected winner: %+v", res.ride)
	}

	// d3 never answered and is told the ride is gone; d2 declined and is not
	if f.dispatch.takenCount("d3") != 1 {
		t.Fatalf("d3 taken notices = %d, want 1", f.dispatch.takenCount("d3"))
	}
	if f.dispatch.takenCount("d2") != 0 {
		t.Fatalf("d2 taken notices = %d, want 0", f.dispatch.takenCount("d2"))
	}

	// a late accept after resolution is rejected
	if err := f.engine.HandleResponse("r1", "d3", true); !errors.Is(err, ride.ErrRideAlreadyAccepted) {
		t.Fatalf("late accept: expected ErrRideAlreadyAccepted, got %v", err)
	}
}

func TestRadiusGrowsAcrossRounds(t *testing.T) {
	f := newFixture(t, Config{InitialRadiusM: 5000, GrowthFactor: 2, MaxRounds: 3, RoundTimeout: time.Second, TopK: 5})
	f.driverAtKm("far", 8) // outside round 1, inside round 2 at 10km
	r := f.seedRide(t)

	done := make(chan runResult, 1)
	go func() {
		won, err := f.engine.Run(context.Background(), r)
		done <- runResult{won, err}
	}()

	f.dispatch.waitOffers(t, 1)
	if err := f.engine.HandleResponse("r1", "far", true); err != nil {
		t.Fatalf("accept: %v", err)
	}

	res := <-done
	if res.err != nil || res.ride.DriverID != "far" {
		t.Fatalf("run: %+v %v", res.ride, res.err)
	}
	if f.dispatch.offerCount("far") != 1 {
		t.Fatalf("far offered %d times, want 1", f.dispatch.offerCount("far"))
	}
}

func TestDeclinedDriverNotReinvited(t *testing.T) {
	f := newFixture(t, Config{InitialRadiusM: 5000, GrowthFactor: 1.5, MaxRounds: 2, RoundTimeout: 50 * time.Millisecond, TopK: 5})
	f.driverAtKm("d1", 1)
	r := f.seedRide(t)

	done := make(chan runResult, 1)
	go func() {
		won, err := f.engine.Run(context.Background(), r)
		done <- runResult{won, err}
	}()

	f.dispatch.waitOffers(t, 1)
	if err := f.engine.HandleResponse("r1", "d1", false); err != nil {
		t.Fatalf("decline: %v", err)
	}

	res := <-done
	if !errors.Is(res.err, ErrNoDriversAvailable) {
		t.Fatalf("expected ErrNoDriversAvailable, got %v", res.err)
	}
	if f.dispatch.offerCount("d1") != 1 {
		t.Fatalf("declined driver reinvited: %d offers", f.dispatch.offerCount("d1"))
	}
}

func TestExhaustedRoundsExpireRide(t *testing.T) {
	f := newFixture(t, Config{InitialRadiusM: 5000, GrowthFactor: 1.5, MaxRounds: 3, RoundTimeout: 10 * time.Millisecond, TopK: 5})
	r := f.seedRide(t)

	_, err := f.engine.Run(context.Background(), r)
	if !errors.Is(err, ErrNoDriversAvailable) {
		t.Fatalf("expected ErrNoDriversAvailable, got %v", err)
	}

	got, _ := f.store.GetRide(context.Background(), "r1")
	if got.State != models.StateExpired {
		t.Fatalf("state = %s, want EXPIRED", got.State)
	}
	if got.CancelReason != "NoDriversAvailable" {
		t.Fatalf("reason = %q", got.CancelReason)
	}
}

func TestCancellationStopsSession(t *testing.T) {
	f := newFixture(t, Config{InitialRadiusM: 5000, GrowthFactor: 1.5, MaxRounds: 3, RoundTimeout: 5 * time.Second, TopK: 5})
	f.driverAtKm("d1", 1)
	r := f.seedRide(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan runResult, 1)
	go func() {
		won, err := f.engine.Run(ctx, r)
		done <- runResult{won, err}
	}()

	f.dispatch.waitOffers(t, 1)
	cancel()

	res := <-done
	if !errors.Is(res.err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", res.err)
	}
}

// With TopK=1 every round burns one driver, so by round five the four nearest
// are all excluded. The fetch limit has to grow with the exclusion count or
// the fifth driver is never even pulled from the index.
func TestBroadcastReachesPastExcludedDrivers(t *testing.T) {
	f := newFixture(t, Config{InitialRadiusM: 10000, GrowthFactor: 1.5, MaxRounds: 6, RoundTimeout: 150 * time.Millisecond, TopK: 1})
	for i, id := range []string{"d1", "d2", "d3", "d4", "d5"} {
		f.driverAtKm(id, float64(i+1))
	}
	r := f.seedRide(t)

	done := make(chan runResult, 1)
	go func() {
		won, err := f.engine.Run(context.Background(), r)
		done <- runResult{won, err}
	}()

	for _, id := range []string{"d1", "d2", "d3", "d4"} {
		offers := f.dispatch.waitOffers(t, 1)
		if offers[0] != id {
			t.Fatalf("expected offer for %s, got %s", id, offers[0])
		}
		if err := f.engine.HandleResponse("r1", id, false); err != nil {
			t.Fatalf("decline %s: %v", id, err)
		}
	}

	offers := f.dispatch.waitOffers(t, 1)
	if offers[0] != "d5" {
		t.Fatalf("expected the fifth driver to be invited, got %s", offers[0])
	}
	if err := f.engine.HandleResponse("r1", "d5", true); err != nil {
		t.Fatalf("accept: %v", err)
	}

	res := <-done
	if res.err != nil || res.ride.DriverID != "d5" {
		t.Fatalf("run: %+v %v", res.ride, res.err)
	}
}

func TestTimedOutDriversExcludedNextRound(t *testing.T) {
	f := newFixture(t, Config{InitialRadiusM: 5000, GrowthFactor: 1.5, MaxRounds: 2, RoundTimeout: 40 * time.Millisecond, TopK: 5})
	f.driverAtKm("quiet", 2)
	r := f.seedRide(t)

	_, err := f.engine.Run(context.Background(), r)
	if !errors.Is(err, ErrNoDriversAvailable) {
		t.Fatalf("expected ErrNoDriversAvailable, got %v", err)
	}
	if f.dispatch.offerCount("quiet") != 1 {
		t.Fatalf("silent driver reinvited: %d offers", f.dispatch.offerCount("quiet"))
	}
}
