package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/porthorian/planauth/pkg/storage"
	"github.com/porthorian/planauth/pkg/storage/testsuite"
)

const createSessionEntryTable = `
CREATE SCHEMA IF NOT EXISTS planauth;
CREATE TABLE IF NOT EXISTS planauth.session_entry (
  namespace     TEXT        NOT NULL,
  key           TEXT        NOT NULL,
  value         TEXT        NOT NULL,
  date_modified TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (namespace, key)
);
`

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv("PLANAUTH_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PLANAUTH_POSTGRES_DSN is not set; skipping Postgres integration test")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping db: %v", err)
	}
	if _, err := db.ExecContext(ctx, createSessionEntryTable); err != nil {
		t.Fatalf("create table: %v", err)
	}
	return db
}

func TestAdapterConformance_Integration(t *testing.T) {
	db := openTestDB(t)

	testsuite.Run(t, func(t *testing.T) storage.KeyValueStore {
		adapter, err := NewAdapter(db, "test-"+uuid.NewString())
		if err != nil {
			t.Fatalf("new adapter: %v", err)
		}
		t.Cleanup(func() {
			_ = adapter.DeleteAll(context.Background(), storage.SessionKeys)
			_ = adapter.Close()
		})
		return adapter
	})
}

func TestAdapterNamespacesAreIsolated_Integration(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first, err := NewAdapter(db, "test-"+uuid.NewString())
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	defer first.Close()
	second, err := NewAdapter(db, "test-"+uuid.NewString())
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	defer second.Close()

	if err := first.ReplaceAll(ctx, map[string]string{storage.KeyAccessToken: "first"}); err != nil {
		t.Fatalf("replace all: %v", err)
	}
	defer first.DeleteAll(ctx, storage.SessionKeys)

	values, err := second.GetMany(ctx, storage.SessionKeys)
	if err != nil {
		t.Fatalf("get many: %v", err)
	}
	if len(values) != 0 {
		t.Fatalf("expected namespaces to be isolated, got %v", values)
	}
}

func TestAdapterRequiresDB(t *testing.T) {
	if _, err := NewAdapter(nil, ""); err != ErrNilDB {
		t.Fatalf("expected ErrNilDB, got %v", err)
	}

	var adapter *Adapter
	if _, err := adapter.GetMany(context.Background(), storage.SessionKeys); err != ErrNilDB {
		t.Fatalf("expected ErrNilDB from nil adapter, got %v", err)
	}
}
