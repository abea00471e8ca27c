package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/synth-engine/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS events (
    id            UUID PRIMARY KEY,
    kind          TEXT        NOT NULL,
    user_id       TEXT        NOT NULL,
    counterparty  TEXT        NOT NULL DEFAULT '',
    token         TEXT        NOT NULL DEFAULT '',
    amount        NUMERIC(78) NOT NULL,
    bonus         NUMERIC(78) NOT NULL DEFAULT 0,
    health_factor NUMERIC(78) NOT NULL DEFAULT 0,
    timestamp     TIMESTAMPTZ NOT NULL,
    seq           BIGSERIAL
);
CREATE INDEX IF NOT EXISTS idx_events_user ON events(user_id, seq);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind, seq);

CREATE TABLE IF NOT EXISTS accounts (
    user_id    TEXT PRIMARY KEY,
    debt       NUMERIC(78) NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS collateral (
    user_id TEXT        NOT NULL,
    token   TEXT        NOT NULL,
    amount  NUMERIC(78) NOT NULL,
    PRIMARY KEY (user_id, token)
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All amounts are stored as NUMERIC for exact 256-bit precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Apply writes the batch in one transaction.
func (s *PostgresStore) Apply(ctx context.Context, b model.Batch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, e := range b.Events {
		batch.Queue(
			`INSERT INTO events (id, kind, user_id, counterparty, token, amount, bonus, health_factor, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
			e.ID, e.Kind, e.User, e.Counterparty, e.Token,
			e.Amount.String(), e.Bonus.String(), e.HealthFactor.String(),
			e.Timestamp,
		)
	}
	for _, a := range b.Accounts {
		batch.Queue(
			`INSERT INTO accounts (user_id, debt, updated_at) VALUES ($1, $2::NUMERIC, $3)
			 ON CONFLICT (user_id) DO UPDATE SET debt = EXCLUDED.debt, updated_at = EXCLUDED.updated_at`,
			a.User, a.Debt.String(), a.UpdatedAt,
		)
		for token, amount := range a.Collateral {
			batch.Queue(
				`INSERT INTO collateral (user_id, token, amount) VALUES ($1, $2, $3::NUMERIC)
				 ON CONFLICT (user_id, token) DO UPDATE SET amount = EXCLUDED.amount`,
				a.User, token, amount.String(),
			)
		}
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("store: apply batch: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetEventsByUser(ctx context.Context, user string) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, kind, user_id, counterparty, token,
		        amount::TEXT, bonus::TEXT, health_factor::TEXT, timestamp
		 FROM events WHERE user_id = $1 ORDER BY seq`, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) GetEventsByKind(ctx context.Context, kind string) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, kind, user_id, counterparty, token,
		        amount::TEXT, bonus::TEXT, health_factor::TEXT, timestamp
		 FROM events WHERE kind = $1 ORDER BY seq`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) GetAccount(ctx context.Context, user string) (*model.AccountSnapshot, error) {
	a := model.AccountSnapshot{User: user, Collateral: make(map[string]decimal.Decimal)}
	var debt string

	err := s.pool.QueryRow(ctx,
		`SELECT debt::TEXT, updated_at FROM accounts WHERE user_id = $1`, user).
		Scan(&debt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, user)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", user, err)
	}
	if a.Debt, err = decimal.NewFromString(debt); err != nil {
		return nil, fmt.Errorf("get account %s: debt: %w", user, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT token, amount::TEXT FROM collateral WHERE user_id = $1`, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var token, amount string
		if err := rows.Scan(&token, &amount); err != nil {
			return nil, err
		}
		if a.Collateral[token], err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("get account %s: %s: %w", user, token, err)
		}
	}
	return &a, rows.Err()
}

// rowScanner is the part of pgx.Rows that scanEvents needs.
type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanEvents(rows rowScanner) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var e model.Event
		var amount, bonus, health string

		if err := rows.Scan(&e.ID, &e.Kind, &e.User, &e.Counterparty, &e.Token,
			&amount, &bonus, &health, &e.Timestamp); err != nil {
			return nil, err
		}
		if err := parseAmounts(&e, amount, bonus, health); err != nil {
			return nil, err
		}
		e.Timestamp = e.Timestamp.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

func parseAmounts(e *model.Event, amount, bonus, health string) error {
	var err error
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return fmt.Errorf("event %s amount: %w", e.ID, err)
	}
	if e.Bonus, err = decimal.NewFromString(bonus); err != nil {
		return fmt.Errorf("event %s bonus: %w", e.ID, err)
	}
	if e.HealthFactor, err = decimal.NewFromString(health); err != nil {
		return fmt.Errorf("event %s health factor: %w", e.ID, err)
	}
	return nil
}
