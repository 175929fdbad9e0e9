package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLite is a store.Provider backed by a single table, with a version
// column doubling as the CAS token, grounded on the teacher's
// cache/cache-provider.go SQLiteCache. Add, Incr and CAS each run
// inside a transaction (Add reads the row, then inserts it or
// overwrites an expired one) so the read-modify-write is atomic across
// processes sharing the same database file. Within one process the
// pool is limited to a single connection, so concurrent calls queue
// rather than collide on the database lock.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) a SQLite-backed store at
// path, using the teacher's cgo-free driver.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS cache_entries (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			expires_at INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		db.Close()
		return nil, wrapUnavailable(err)
	}
	return &SQLite{db: db}, nil
}

func expiresAtUnix(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return time.Now().Add(ttl).UnixNano()
}

func isLive(expiresAt int64, now time.Time) bool {
	return expiresAt == 0 || now.UnixNano() < expiresAt
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, Token, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value, version, expires_at FROM cache_entries WHERE key = ?`, key)
	var value []byte
	var version int64
	var expiresAt int64
	if err := row.Scan(&value, &version, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, false, nil
		}
		return nil, 0, false, wrapUnavailable(err)
	}
	if !isLive(expiresAt, time.Now()) {
		return nil, 0, false, nil
	}
	return value, Token(version), true, nil
}

func (s *SQLite) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, wrapUnavailable(err)
	}
	defer tx.Rollback()

	var expiresAt int64
	err = tx.QueryRowContext(ctx, `SELECT expires_at FROM cache_entries WHERE key = ?`, key).Scan(&expiresAt)
	switch {
	case err == nil:
		if isLive(expiresAt, time.Now()) {
			return false, nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE cache_entries SET value = ?, version = 1, expires_at = ? WHERE key = ?`,
			value, expiresAtUnix(ttl), key); err != nil {
			return false, wrapUnavailable(err)
		}
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `INSERT INTO cache_entries (key, value, version, expires_at) VALUES (?, ?, 1, ?)`,
			key, value, expiresAtUnix(ttl)); err != nil {
			return false, wrapUnavailable(err)
		}
	default:
		return false, wrapUnavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return false, wrapUnavailable(err)
	}
	return true, nil
}

func (s *SQLite) Incr(ctx context.Context, key string, delta int64) (int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, wrapUnavailable(err)
	}
	defer tx.Rollback()

	var current int64
	var expiresAt int64
	err = tx.QueryRowContext(ctx, `SELECT CAST(value AS INTEGER), expires_at FROM cache_entries WHERE key = ?`, key).
		Scan(&current, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapUnavailable(err)
	}
	if !isLive(expiresAt, time.Now()) {
		return 0, false, nil
	}
	next := current + delta
	if _, err := tx.ExecContext(ctx, `UPDATE cache_entries SET value = ?, version = version + 1 WHERE key = ?`,
		[]byte(strconv.FormatInt(next, 10)), key); err != nil {
		return 0, false, wrapUnavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, wrapUnavailable(err)
	}
	return next, true, nil
}

func (s *SQLite) CAS(ctx context.Context, key string, token Token, newValue []byte, ttl time.Duration) (CASOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CASAbsent, wrapUnavailable(err)
	}
	defer tx.Rollback()

	var version int64
	var expiresAt int64
	err = tx.QueryRowContext(ctx, `SELECT version, expires_at FROM cache_entries WHERE key = ?`, key).Scan(&version, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CASAbsent, nil
	}
	if err != nil {
		return CASAbsent, wrapUnavailable(err)
	}
	if !isLive(expiresAt, time.Now()) {
		return CASAbsent, nil
	}
	if Token(version) != token {
		return Conflict, nil
	}
	res, err := tx.ExecContext(ctx, `UPDATE cache_entries SET value = ?, version = version + 1, expires_at = ? WHERE key = ? AND version = ?`,
		newValue, expiresAtUnix(ttl), key, version)
	if err != nil {
		return CASAbsent, wrapUnavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return CASAbsent, wrapUnavailable(err)
	}
	if n == 0 {
		return Conflict, nil
	}
	if err := tx.Commit(); err != nil {
		return CASAbsent, wrapUnavailable(err)
	}
	return Replaced, nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	return wrapUnavailable(err)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
