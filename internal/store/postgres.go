package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/finnblack/captionforge/internal/domain"
)

// PostgresStore is a durable EntitlementStore backed by Postgres. Per-identity
// atomicity comes from row locking (SELECT ... FOR UPDATE) inside a
// transaction, so concurrent updates for one identity serialize while
// different identities proceed in parallel.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle. Migrations must have been
// applied before first use.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const usageColumns = `identity, generation_count, subscribed, stripe_customer_id, last_verified_at, created_at, updated_at`

func scanUsageRecord(row interface{ Scan(...any) error }) (*domain.UsageRecord, error) {
	var (
		rec        domain.UsageRecord
		identity   string
		customerID sql.NullString
		verifiedAt sql.NullTime
	)
	if err := row.Scan(&identity, &rec.GenerationCount, &rec.Subscribed, &customerID, &verifiedAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Identity = domain.Identity(identity)
	if customerID.Valid {
		rec.StripeCustomerID = customerID.String
	}
	if verifiedAt.Valid {
		t := verifiedAt.Time
		rec.LastVerifiedAt = &t
	}
	return &rec, nil
}

// Get returns the record for an identity without creating one.
func (s *PostgresStore) Get(ctx context.Context, id domain.Identity) (*domain.UsageRecord, error) {
	const op = "store.get"

	row := s.db.QueryRowContext(ctx,
		`SELECT `+usageColumns+` FROM usage_records WHERE identity = $1`, id.String())
	rec, err := scanUsageRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound(op, "usage record", id.String())
	}
	if err != nil {
		return nil, domain.Internal(err, op, "failed to load usage record")
	}
	return rec, nil
}

// GetOrCreate inserts a default record if absent and returns the current one.
func (s *PostgresStore) GetOrCreate(ctx context.Context, id domain.Identity, subscribed bool) (*domain.UsageRecord, error) {
	const op = "store.get_or_create"

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records (identity, generation_count, subscribed, created_at, updated_at)
		 VALUES ($1, 0, $2, $3, $3)
		 ON CONFLICT (identity) DO NOTHING`,
		id.String(), subscribed, now)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to create usage record")
	}

	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to load usage record after create")
	}
	return rec, nil
}

// Update applies the mutator inside a transaction holding the row lock.
func (s *PostgresStore) Update(ctx context.Context, id domain.Identity, fn func(*domain.UsageRecord)) (*domain.UsageRecord, error) {
	const op = "store.update"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO usage_records (identity, generation_count, subscribed, created_at, updated_at)
		 VALUES ($1, 0, false, $2, $2)
		 ON CONFLICT (identity) DO NOTHING`,
		id.String(), now); err != nil {
		return nil, domain.Internal(err, op, "failed to ensure usage record")
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+usageColumns+` FROM usage_records WHERE identity = $1 FOR UPDATE`, id.String())
	rec, err := scanUsageRecord(row)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to lock usage record")
	}

	fn(rec)
	rec.Identity = id
	rec.UpdatedAt = time.Now().UTC()

	var customerID sql.NullString
	if rec.StripeCustomerID != "" {
		customerID = sql.NullString{String: rec.StripeCustomerID, Valid: true}
	}
	var verifiedAt sql.NullTime
	if rec.LastVerifiedAt != nil {
		verifiedAt = sql.NullTime{Time: *rec.LastVerifiedAt, Valid: true}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE usage_records
		 SET generation_count = $2, subscribed = $3, stripe_customer_id = $4, last_verified_at = $5, updated_at = $6
		 WHERE identity = $1`,
		id.String(), rec.GenerationCount, rec.Subscribed, customerID, verifiedAt, rec.UpdatedAt); err != nil {
		return nil, domain.Internal(err, op, "failed to persist usage record")
	}

	if err := tx.Commit(); err != nil {
		return nil, domain.Internal(err, op, "failed to commit usage record update")
	}
	return rec, nil
}

// FindByCustomerID looks up a record by its memoized billing customer id.
func (s *PostgresStore) FindByCustomerID(ctx context.Context, customerID string) (*domain.UsageRecord, error) {
	const op = "store.find_by_customer"

	if customerID == "" {
		return nil, domain.NotFound(op, "usage record", customerID)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+usageColumns+` FROM usage_records WHERE stripe_customer_id = $1 LIMIT 1`, customerID)
	rec, err := scanUsageRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound(op, "usage record", customerID)
	}
	if err != nil {
		return nil, domain.Internal(err, op, "failed to look up usage record by customer")
	}
	return rec, nil
}
