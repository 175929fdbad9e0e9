package store

import (
	"context"
	"os"
	"testing"
	"time"
)

// TestPostgresProvider exercises Postgres against a live database.
// It is skipped unless RELAYCACHE_TEST_POSTGRES_DSN is set, since
// unlike Memory and SQLite it cannot be spun up inline: this mirrors
// how abel123code-go-users-crud-backend's own db.go expects a real
// DATABASE_URL rather than faking one.
func TestPostgresProvider(t *testing.T) {
	dsn := os.Getenv("RELAYCACHE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RELAYCACHE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	p, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	defer p.Close()

	key := "relaycache-test-key"
	defer p.Delete(ctx, key)

	inserted, err := p.Add(ctx, key, []byte("1"), time.Minute)
	if err != nil || !inserted {
		t.Fatalf("Add: inserted=%v err=%v", inserted, err)
	}
	next, existed, err := p.Incr(ctx, key, 1)
	if err != nil || !existed || next != 2 {
		t.Fatalf("Incr: next=%d existed=%v err=%v", next, existed, err)
	}
	value, tok, ok, err := p.Get(ctx, key)
	if err != nil || !ok || string(value) != "2" {
		t.Fatalf("Get: value=%q ok=%v err=%v", value, ok, err)
	}
	outcome, err := p.CAS(ctx, key, tok, []byte("3"), time.Minute)
	if err != nil || outcome != Replaced {
		t.Fatalf("CAS: outcome=%v err=%v", outcome, err)
	}
}
