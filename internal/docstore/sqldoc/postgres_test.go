package sqldoc

import (
	"context"
	"os"
	"testing"

	"github.com/ansplan/schedsync/internal/docstore"
	"github.com/ansplan/schedsync/internal/docstore/docstoretest"
)

func makePGStore(t *testing.T) docstore.Store {
	t.Helper()
	dsn := os.Getenv("SCHEDSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SCHEDSYNC_TEST_POSTGRES_DSN not set; skipping postgres docstore test")
	}
	db, err := OpenPostgres(dsn)
	if err != nil {
		t.Fatalf("postgres open: %v", err)
	}
	s := New(db, Postgres)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("postgres migrate: %v", err)
	}
	return s
}

func TestPostgresStore_Compliance(t *testing.T) {
	docstoretest.Run(t, makePGStore)
}
