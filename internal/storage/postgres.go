package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	var quote []byte
	if r.Quote != nil {
		b, err := json.Marshal(r.Quote)
		if err != nil {
			return err
		}
		quote = b
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides(id, rider_id, driver_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
			vehicle_type, state, quote, requested_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		r.ID, r.RiderID, r.DriverID, r.Pickup.Lat, r.Pickup.Lon, r.Dropoff.Lat, r.Dropoff.Lon,
		r.VehicleType, string(r.State), quote, r.RequestedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, rider_id, driver_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
			vehicle_type, state, quote, cancel_reason, cancelled_by,
			requested_at, accepted_at, arrived_at, started_at, completed_at, cancelled_at, updated_at
		FROM rides WHERE id=$1`, id)
	return scanRide(row)
}

// CASState advances the state column only when it still holds the expected
// value. The RETURNING clause hands back the row exactly as committed, so a
// concurrent follow-up transition can never leak into what the caller (and
// its event emission) observes.
func (p *PostgresStore) CASState(ctx context.Context, id string, from, to models.RideState, change StateChange) (*models.Ride, error) {
	at := change.At
	if at.IsZero() {
		at = time.Now()
	}
	row := p.db.QueryRowContext(ctx, `
		UPDATE rides
		SET state = $1,
		    updated_at = $2,
		    driver_id = CASE WHEN $3 <> '' THEN $3 ELSE driver_id END,
		    accepted_at  = CASE WHEN $1 = 'ACCEPTED' THEN $2 ELSE accepted_at END,
		    arrived_at   = CASE WHEN $1 = 'ARRIVED' THEN $2 ELSE arrived_at END,
		    started_at   = CASE WHEN $1 = 'IN_PROGRESS' THEN $2 ELSE started_at END,
		    completed_at = CASE WHEN $1 = 'COMPLETED' THEN $2 ELSE completed_at END,
		    cancelled_at = CASE WHEN $1 IN ('CANCELLED','EXPIRED') THEN $2 ELSE cancelled_at END,
		    cancel_reason = CASE WHEN $1 IN ('CANCELLED','EXPIRED') THEN $4 ELSE cancel_reason END,
		    cancelled_by  = CASE WHEN $1 IN ('CANCELLED','EXPIRED') THEN $5 ELSE cancelled_by END
		WHERE id = $6 AND state = $7
		RETURNING id, rider_id, driver_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
			vehicle_type, state, quote, cancel_reason, cancelled_by,
			requested_at, accepted_at, arrived_at, started_at, completed_at, cancelled_at, updated_at`,
		string(to), at, change.DriverID, change.CancelReason, change.CancelledBy, id, string(from))
	r, err := scanRide(row)
	if errors.Is(err, ErrNotFound) {
		// no row matched: missing ride or lost race
		if _, gerr := p.GetRide(ctx, id); errors.Is(gerr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrStaleState
	}
	return r, err
}

func (p *PostgresStore) AppendRideEvent(ctx context.Context, ev *models.RideEvent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ride_events(ride_id, from_state, to_state, actor, created_at)
		VALUES($1,$2,$3,$4,$5)`,
		ev.RideID, string(ev.From), string(ev.To), ev.Actor, ev.CreatedAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var r models.Ride
	var state string
	var quote []byte
	var cancelReason, cancelledBy sql.NullString
	var acceptedAt, arrivedAt, startedAt, completedAt, cancelledAt sql.NullTime
	err := row.Scan(&r.ID, &r.RiderID, &r.DriverID, &r.Pickup.Lat, &r.Pickup.Lon, &r.Dropoff.Lat, &r.Dropoff.Lon,
		&r.VehicleType, &state, &quote, &cancelReason, &cancelledBy,
		&r.RequestedAt, &acceptedAt, &arrivedAt, &startedAt, &completedAt, &cancelledAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.State = models.RideState(state)
	if len(quote) > 0 {
		var q models.FareQuote
		if err := json.Unmarshal(quote, &q); err == nil {
			r.Quote = &q
		}
	}
	r.CancelReason = cancelReason.String
	r.CancelledBy = cancelledBy.String
	if acceptedAt.Valid {
		r.AcceptedAt = acceptedAt.Time
	}
	if arrivedAt.Valid {
		r.ArrivedAt = arrivedAt.Time
	}
	if startedAt.Valid {
		r.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = completedAt.Time
	}
	if cancelledAt.Valid {
		r.CancelledAt = cancelledAt.Time
	}
	return &r, nil
}
