package postgres_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/duet/pkg/memory"
	"github.com/MrWong99/duet/pkg/memory/memorytest"
	"github.com/MrWong99/duet/pkg/memory/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if DUET_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("DUET_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DUET_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cleanPool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer cleanPool.Close()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS context_entries CASCADE",
		"DROP TABLE IF EXISTS messages CASCADE",
	} {
		if _, err := cleanPool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop schema %q: %v", stmt, err)
		}
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestStore(t *testing.T) {
	memorytest.Run(t, func(t *testing.T) memory.Store { return newTestStore(t) })
}

func TestMigrate_Idempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, testDSN(t))
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestAppend_PersistsAudio(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	audio := strings.Repeat("AAAA", 1024)
	if _, err := store.Append(ctx, "u1", memory.Message{Sender: memory.SenderUser, Text: "hi", Audio: audio}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	msgs, err := store.Messages(ctx, "u1")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Audio != audio {
		t.Fatalf("audio not round-tripped: %d messages", len(msgs))
	}
}

func TestNewStore_BadDSN(t *testing.T) {
	t.Parallel()
	if _, err := postgres.NewStore(context.Background(), "postgres://%zz"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNewStore_WithPoolOptions(t *testing.T) {
	dsn := testDSN(t)
	newTestStore(t)

	store, err := postgres.NewStore(context.Background(), dsn,
		postgres.WithMaxConns(4),
		postgres.WithConnectTimeout(5*time.Second),
	)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
