package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/atmx/synth-engine/internal/model"
)

// Amounts are TEXT: SQLite has no exact type wide enough for 256-bit values.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
    seq           INTEGER PRIMARY KEY AUTOINCREMENT,
    id            TEXT NOT NULL UNIQUE,
    kind          TEXT NOT NULL,
    user_id       TEXT NOT NULL,
    counterparty  TEXT NOT NULL DEFAULT '',
    token         TEXT NOT NULL DEFAULT '',
    amount        TEXT NOT NULL,
    bonus         TEXT NOT NULL DEFAULT '0',
    health_factor TEXT NOT NULL DEFAULT '0',
    timestamp     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
    user_id    TEXT PRIMARY KEY,
    debt       TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS collateral (
    user_id TEXT NOT NULL,
    token   TEXT NOT NULL,
    amount  TEXT NOT NULL,
    PRIMARY KEY (user_id, token)
);

CREATE INDEX IF NOT EXISTS idx_events_user ON events(user_id, seq);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind, seq);
`

// SQLiteStore implements Store on an embedded SQLite database (pure Go, no
// cgo). Suitable for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. ":memory:" gives a throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer; also keeps ":memory:" on one connection
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Apply(ctx context.Context, b model.Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	for _, e := range b.Events {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (id, kind, user_id, counterparty, token, amount, bonus, health_factor, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.Kind, e.User, e.Counterparty, e.Token,
			e.Amount.String(), e.Bonus.String(), e.HealthFactor.String(),
			formatTime(e.Timestamp),
		); err != nil {
			return fmt.Errorf("store: insert event %s: %w", e.ID, err)
		}
	}
	for _, a := range b.Accounts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO accounts (user_id, debt, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT (user_id) DO UPDATE SET debt = excluded.debt, updated_at = excluded.updated_at`,
			a.User, a.Debt.String(), formatTime(a.UpdatedAt),
		); err != nil {
			return fmt.Errorf("store: upsert account %s: %w", a.User, err)
		}
		for token, amount := range a.Collateral {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO collateral (user_id, token, amount) VALUES (?, ?, ?)
				 ON CONFLICT (user_id, token) DO UPDATE SET amount = excluded.amount`,
				a.User, token, amount.String(),
			); err != nil {
				return fmt.Errorf("store: upsert collateral %s/%s: %w", a.User, token, err)
			}
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetEventsByUser(ctx context.Context, user string) ([]model.Event, error) {
	return s.queryEvents(ctx, `WHERE user_id = ?`, user)
}

func (s *SQLiteStore) GetEventsByKind(ctx context.Context, kind string) ([]model.Event, error) {
	return s.queryEvents(ctx, `WHERE kind = ?`, kind)
}

func (s *SQLiteStore) GetAccount(ctx context.Context, user string) (*model.AccountSnapshot, error) {
	a := model.AccountSnapshot{User: user, Collateral: make(map[string]decimal.Decimal)}
	var updated string

	err := s.db.QueryRowContext(ctx,
		`SELECT debt, updated_at FROM accounts WHERE user_id = ?`, user).
		Scan(&a.Debt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, user)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", user, err)
	}
	if a.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT token, amount FROM collateral WHERE user_id = ?`, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var token string
		var amount decimal.Decimal
		if err := rows.Scan(&token, &amount); err != nil {
			return nil, err
		}
		a.Collateral[token] = amount
	}
	return &a, rows.Err()
}

func (s *SQLiteStore) queryEvents(ctx context.Context, where string, arg any) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, user_id, counterparty, token, amount, bonus, health_factor, timestamp
		 FROM events `+where+` ORDER BY seq`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var ts string
		if err := rows.Scan(&e.ID, &e.Kind, &e.User, &e.Counterparty, &e.Token,
			&e.Amount, &e.Bonus, &e.HealthFactor, &ts); err != nil {
			return nil, err
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: parse time %q: %w", s, err)
	}
	return t, nil
}
