package geo

import (
	"context"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestNearbySortsAndFilters(t *testing.T) {
	g := NewIndex()
	ctx := context.Background()
	// ~1.11km per 0.01 degree of latitude
	g.Upsert(ctx, models.Driver{ID: "far", Loc: models.Coord{Lat: 0.03, Lon: 0}, Online: true, Available: true})
	g.Upsert(ctx, models.Driver{ID: "near", Loc: models.Coord{Lat: 0.01, Lon: 0}, Online: true, Available: true})
	g.Upsert(ctx, models.Driver{ID: "mid", Loc: models.Coord{Lat: 0.02, Lon: 0}, Online: true, Available: true})
	g.Upsert(ctx, models.Driver{ID: "offline", Loc: models.Coord{Lat: 0.001, Lon: 0}, Online: false, Available: true})
	g.Upsert(ctx, models.Driver{ID: "busy", Loc: models.Coord{Lat: 0.001, Lon: 0}, Online: true, Available: false})
	g.Upsert(ctx, models.Driver{ID: "suv", Loc: models.Coord{Lat: 0.001, Lon: 0}, Online: true, Available: true, VehicleType: "suv"})

	got := g.Nearby(ctx, 0, 0, 5000, "", 10)
	if len(got) != 4 {
		t.Fatalf("expected 4 drivers, got %d", len(got))
	}
	if got[0].ID != "suv" || got[1].ID != "near" || got[2].ID != "mid" || got[3].ID != "far" {
		t.Fatalf("wrong order: %v %v %v %v", got[0].ID, got[1].ID, got[2].ID, got[3].ID)
	}

	got = g.Nearby(ctx, 0, 0, 5000, "suv", 10)
	if len(got) != 1 || got[0].ID != "suv" {
		t.Fatalf("vehicle filter failed: %v", got)
	}

	got = g.Nearby(ctx, 0, 0, 1500, "", 10)
	if len(got) != 2 {
		t.Fatalf("radius filter failed, got %d drivers", len(got))
	}
}
