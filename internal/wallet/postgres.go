package wallet

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresLedger serializes per-account mutation with row locks
// (SELECT ... FOR UPDATE, rows locked in owner-id order) and relies on the
// (account_id, idempotency_key) unique constraint as the final guard against
// concurrent replays.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) CreateAccount(ctx context.Context, ownerID string) (*models.WalletAccount, error) {
	now := time.Now()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO wallet_accounts(owner_id, balance, version, created_at, updated_at)
		VALUES($1, 0, 0, $2, $2)
		ON CONFLICT (owner_id) DO NOTHING`, ownerID, now)
	if err != nil {
		return nil, err
	}
	return l.getAccount(ctx, l.db, ownerID, false)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (l *PostgresLedger) getAccount(ctx context.Context, q queryer, ownerID string, forUpdate bool) (*models.WalletAccount, error) {
	query := `SELECT owner_id, balance, version, created_at, updated_at FROM wallet_accounts WHERE owner_id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var a models.WalletAccount
	err := q.QueryRowContext(ctx, query, ownerID).Scan(&a.OwnerID, &a.Balance, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (l *PostgresLedger) Balance(ctx context.Context, accountID string) (int64, error) {
	a, err := l.getAccount(ctx, l.db, accountID, false)
	if err != nil {
		return 0, err
	}
	return a.Balance, nil
}

func (l *PostgresLedger) Entries(ctx context.Context, accountID string) ([]*models.LedgerEntry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, account_id, delta, balance_after, idempotency_key, ride_id, kind, ref_entry_id, created_at
		FROM ledger_entries WHERE account_id=$1 ORDER BY created_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var rideID, refID sql.NullString
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Delta, &e.BalanceAfter, &e.IdempotencyKey, &rideID, &e.Kind, &refID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.RideID = rideID.String
		e.RefEntryID = refID.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) Debit(ctx context.Context, accountID string, amount int64, key, rideID string) (*models.LedgerEntry, error) {
	return l.applyOne(ctx, accountID, models.EntryDebit, -amount, key, rideID, "")
}

func (l *PostgresLedger) Credit(ctx context.Context, accountID string, amount int64, key, rideID string) (*models.LedgerEntry, error) {
	return l.applyOne(ctx, accountID, models.EntryCredit, amount, key, rideID, "")
}

func (l *PostgresLedger) Refund(ctx context.Context, accountID string, amount int64, key, rideID, origEntryID string) (*models.LedgerEntry, error) {
	var exists bool
	err := l.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE id=$1 AND account_id=$2)`,
		origEntryID, accountID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrEntryNotFound
	}
	return l.applyOne(ctx, accountID, models.EntryRefund, amount, key, rideID, origEntryID)
}

func (l *PostgresLedger) applyOne(ctx context.Context, accountID string, kind models.EntryKind, delta int64, key, rideID, refEntryID string) (*models.LedgerEntry, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if prior, err := l.findByKey(ctx, tx, accountID, key); err == nil {
		if prior.Delta == delta && prior.Kind == kind {
			return prior, nil
		}
		return nil, ErrIdempotencyConflict
	} else if !errors.Is(err, ErrEntryNotFound) {
		return nil, err
	}

	a, err := l.getAccount(ctx, tx, accountID, true)
	if err != nil {
		return nil, err
	}
	if delta < 0 && a.Balance+delta < 0 {
		return nil, ErrInsufficientBalance
	}
	e, err := l.insertEntry(ctx, tx, a, kind, delta, key, rideID, refEntryID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e, nil
}

// Settle applies the three settlement legs in one transaction; rows are
// locked in owner-id order so concurrent settlements cannot deadlock.
func (l *PostgresLedger) Settle(ctx context.Context, p SettleParams) (*SettleResult, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ids := []string{p.RiderAccount, p.DriverAccount, p.PlatformAccount}
	rows, err := tx.QueryContext(ctx, `
		SELECT owner_id FROM wallet_accounts WHERE owner_id = ANY($1) ORDER BY owner_id FOR UPDATE`,
		pq.Array(ids))
	if err != nil {
		return nil, err
	}
	lockedCount := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		lockedCount++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if lockedCount < 3 {
		return nil, ErrAccountNotFound
	}

	riderKey, driverKey, platformKey := settleKeys(p.RideID)
	fee := Fee(p.Fare, p.FeeRate)

	if prior, err := l.findByKey(ctx, tx, p.RiderAccount, riderKey); err == nil {
		if prior.Delta != -p.Fare {
			return nil, ErrIdempotencyConflict
		}
		de, derr := l.findByKey(ctx, tx, p.DriverAccount, driverKey)
		pe, perr := l.findByKey(ctx, tx, p.PlatformAccount, platformKey)
		if derr != nil || perr != nil {
			return nil, ErrIdempotencyConflict
		}
		return &SettleResult{RiderEntry: prior, DriverEntry: de, PlatformEntry: pe, Fee: fee, Replayed: true}, nil
	} else if !errors.Is(err, ErrEntryNotFound) {
		return nil, err
	}

	rider, err := l.getAccount(ctx, tx, p.RiderAccount, false) // already locked above
	if err != nil {
		return nil, err
	}
	if rider.Balance < p.Fare {
		return nil, ErrInsufficientBalance
	}
	driver, err := l.getAccount(ctx, tx, p.DriverAccount, false)
	if err != nil {
		return nil, err
	}
	platform, err := l.getAccount(ctx, tx, p.PlatformAccount, false)
	if err != nil {
		return nil, err
	}

	re, err := l.insertEntry(ctx, tx, rider, models.EntryDebit, -p.Fare, riderKey, p.RideID, "")
	if err != nil {
		return nil, err
	}
	de, err := l.insertEntry(ctx, tx, driver, models.EntryCredit, p.Fare-fee, driverKey, p.RideID, "")
	if err != nil {
		return nil, err
	}
	pe, err := l.insertEntry(ctx, tx, platform, models.EntryFee, fee, platformKey, p.RideID, "")
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &SettleResult{RiderEntry: re, DriverEntry: de, PlatformEntry: pe, Fee: fee}, nil
}

func (l *PostgresLedger) Entry(ctx context.Context, accountID, key string) (*models.LedgerEntry, error) {
	return l.findByKey(ctx, l.db, accountID, key)
}

func (l *PostgresLedger) findByKey(ctx context.Context, q queryer, accountID, key string) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	var rideID, refID sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT id, account_id, delta, balance_after, idempotency_key, ride_id, kind, ref_entry_id, created_at
		FROM ledger_entries WHERE account_id=$1 AND idempotency_key=$2`,
		accountID, key).Scan(&e.ID, &e.AccountID, &e.Delta, &e.BalanceAfter, &e.IdempotencyKey, &rideID, &e.Kind, &refID, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	e.RideID = rideID.String
	e.RefEntryID = refID.String
	return &e, nil
}

// insertEntry appends the ledger row and moves the cached balance in the same
// transaction. The unique (account_id, idempotency_key) index turns a
// concurrent replay into ErrIdempotencyConflict instead of a double apply.
func (l *PostgresLedger) insertEntry(ctx context.Context, tx *sql.Tx, a *models.WalletAccount, kind models.EntryKind, delta int64, key, rideID, refEntryID string) (*models.LedgerEntry, error) {
	e := &models.LedgerEntry{
		ID:             newEntryID(),
		AccountID:      a.OwnerID,
		Delta:          delta,
		BalanceAfter:   a.Balance + delta,
		IdempotencyKey: key,
		RideID:         rideID,
		Kind:           kind,
		RefEntryID:     refEntryID,
		CreatedAt:      time.Now(),
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries(id, account_id, delta, balance_after, idempotency_key, ride_id, kind, ref_entry_id, created_at)
		VALUES($1,$2,$3,$4,$5,NULLIF($6,''),$7,NULLIF($8,''),$9)`,
		e.ID, e.AccountID, e.Delta, e.BalanceAfter, e.IdempotencyKey, e.RideID, string(e.Kind), e.RefEntryID, e.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrIdempotencyConflict
		}
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE wallet_accounts SET balance = balance + $1, version = version + 1, updated_at = $2
		WHERE owner_id = $3`, delta, e.CreatedAt, a.OwnerID); err != nil {
		return nil, err
	}
	a.Balance += delta
	return e, nil
}
