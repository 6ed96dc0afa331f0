package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sqlc-dev/pqtype"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS send_history (
	id       BIGSERIAL PRIMARY KEY,
	email    TEXT        NOT NULL,
	meta     JSONB,
	sent_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS send_history_email_idx ON send_history (email);
`

// pgMeta is the JSONB payload stored next to each address.
type pgMeta struct {
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

// pgLedger stores the ledger in a send_history table. Multiple processes may
// share one table; membership is always answered by the database.
type pgLedger struct {
	pool *sql.DB
}

// OpenPostgres connects to dsn, verifies the connection and ensures the
// send_history table exists.
func OpenPostgres(ctx context.Context, dsn string) (Ledger, error) {
	pool, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: postgres open: %w", err)
	}

	pool.SetMaxOpenConns(25)
	pool.SetMaxIdleConns(10)
	pool.SetConnMaxLifetime(5 * time.Minute)
	pool.SetConnMaxIdleTime(2 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := pool.PingContext(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: postgres ping: %w", err)
	}
	if _, err := pool.ExecContext(pingCtx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: postgres migrate: %w", err)
	}
	return &pgLedger{pool: pool}, nil
}

func (l *pgLedger) Contains(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := l.pool.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM send_history WHERE email = $1)`,
		Normalize(email),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("history: postgres contains: %w", err)
	}
	return exists, nil
}

func (l *pgLedger) Record(ctx context.Context, e Entry) error {
	e = stamp(e)
	if e.Email == "" {
		return ErrEmptyAddress
	}

	var meta pqtype.NullRawMessage
	if e.FirstName != "" || e.LastName != "" {
		raw, err := json.Marshal(pgMeta{FirstName: e.FirstName, LastName: e.LastName})
		if err != nil {
			return fmt.Errorf("history: marshal meta: %w", err)
		}
		meta = pqtype.NullRawMessage{RawMessage: raw, Valid: true}
	}

	_, err := l.pool.ExecContext(ctx,
		`INSERT INTO send_history (email, meta, sent_at) VALUES ($1, $2, $3)`,
		e.Email, meta, e.SentAt,
	)
	if err != nil {
		return fmt.Errorf("history: postgres record: %w", err)
	}
	return nil
}

func (l *pgLedger) List(ctx context.Context, fn func(Entry) error) error {
	rows, err := l.pool.QueryContext(ctx,
		`SELECT email, meta, sent_at FROM send_history ORDER BY id`,
	)
	if err != nil {
		return fmt.Errorf("history: postgres list: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e    Entry
			meta pqtype.NullRawMessage
		)
		if err := rows.Scan(&e.Email, &meta, &e.SentAt); err != nil {
			return fmt.Errorf("history: postgres scan: %w", err)
		}
		if meta.Valid {
			var m pgMeta
			if json.Unmarshal(meta.RawMessage, &m) == nil {
				e.FirstName, e.LastName = m.FirstName, m.LastName
			}
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (l *pgLedger) known(ctx context.Context, emails []string) (map[string]bool, error) {
	found := make(map[string]bool)
	if len(emails) == 0 {
		return found, nil
	}
	rows, err := l.pool.QueryContext(ctx,
		`SELECT DISTINCT email FROM send_history WHERE email = ANY($1)`,
		pq.Array(emails),
	)
	if err != nil {
		return nil, fmt.Errorf("history: postgres lookup: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("history: postgres scan: %w", err)
		}
		found[addr] = true
	}
	return found, rows.Err()
}

func (l *pgLedger) Close() error {
	return l.pool.Close()
}
