package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Postgres is a store.Provider backed by a Postgres table, opened the
// way abel123code-go-users-crud-backend/db.go opens its connection:
// pgx's database/sql stdlib driver over a DSN. Postgres never evicts
// on its own, so callers that want the arbitrary-eviction behavior
// the protocol is designed to tolerate must configure ttl and rely on
// the lazy expiry checks below; the protocol itself must and does
// tolerate a row that simply isn't there.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres opens a connection pool against dsn and ensures the
// backing table exists.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, wrapUnavailable(err)
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS cache_entries (
			key TEXT PRIMARY KEY,
			value BYTEA NOT NULL,
			version BIGINT NOT NULL DEFAULT 1,
			expires_at TIMESTAMPTZ
		)
	`); err != nil {
		db.Close()
		return nil, wrapUnavailable(err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, Token, bool, error) {
	var value []byte
	var version int64
	var expiresAt sql.NullTime
	err := p.db.QueryRowContext(ctx,
		`SELECT value, version, expires_at FROM cache_entries WHERE key = $1`, key,
	).Scan(&value, &version, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, wrapUnavailable(err)
	}
	if expiresAt.Valid && time.Now().After(expiresAt.Time) {
		return nil, 0, false, nil
	}
	return value, Token(version), true, nil
}

func (p *Postgres) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, version, expires_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, version = 1, expires_at = EXCLUDED.expires_at
		WHERE cache_entries.expires_at IS NOT NULL AND cache_entries.expires_at < now()
	`, key, value, pgExpiry(ttl))
	if err != nil {
		return false, wrapUnavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapUnavailable(err)
	}
	if n > 0 {
		return true, nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM cache_entries WHERE key = $1)`, key).Scan(&exists); err != nil {
		return false, wrapUnavailable(err)
	}
	if !exists {
		_, err := p.db.ExecContext(ctx, `INSERT INTO cache_entries (key, value, version, expires_at) VALUES ($1, $2, 1, $3) ON CONFLICT (key) DO NOTHING`,
			key, value, pgExpiry(ttl))
		return err == nil, wrapUnavailable(err)
	}
	return false, nil
}

func (p *Postgres) Incr(ctx context.Context, key string, delta int64) (int64, bool, error) {
	var next int64
	var expiresAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		UPDATE cache_entries
		SET value = (CAST(convert_from(value, 'UTF8') AS BIGINT) + $2)::text::bytea, version = version + 1
		WHERE key = $1
		RETURNING CAST(convert_from(value, 'UTF8') AS BIGINT), expires_at
	`, key, delta).Scan(&next, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapUnavailable(err)
	}
	if expiresAt.Valid && time.Now().After(expiresAt.Time) {
		return 0, false, nil
	}
	return next, true, nil
}

func (p *Postgres) CAS(ctx context.Context, key string, token Token, newValue []byte, ttl time.Duration) (CASOutcome, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE cache_entries
		SET value = $3, version = version + 1, expires_at = $4
		WHERE key = $1 AND version = $2
	`, key, int64(token), newValue, pgExpiry(ttl))
	if err != nil {
		return CASAbsent, wrapUnavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return CASAbsent, wrapUnavailable(err)
	}
	if n > 0 {
		return Replaced, nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM cache_entries WHERE key = $1)`, key).Scan(&exists); err != nil {
		return CASAbsent, wrapUnavailable(err)
	}
	if !exists {
		return CASAbsent, nil
	}
	return Conflict, nil
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = $1`, key)
	return wrapUnavailable(err)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func pgExpiry(ttl time.Duration) sql.NullTime {
	if ttl <= 0 {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: time.Now().Add(ttl), Valid: true}
}
