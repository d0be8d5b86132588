package ledger

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestPostgresStoreLifecycle(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	if _, err := store.pool.Exec(ctx, `TRUNCATE deposits`); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	exerciseStore(t, store)
}
