//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/ledger/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/clockwork/fpe/internal/ledger"
)

// setupPostgresLedger starts a PostgreSQL container and opens a Ledger
// against it, returning a cleanup func that closes the ledger and
// terminates the container.
func setupPostgresLedger(t *testing.T) (ledger.Ledger, func()) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("fpe_test"),
		tcpostgres.WithUsername("fpe"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("get connection string: %v", err)
	}

	l, err := ledger.Open(connStr)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("ledger.Open: %v", err)
	}

	cleanup := func() {
		l.Close()
		_ = pgContainer.Terminate(ctx)
	}
	return l, cleanup
}

func TestPostgresLedger_WriteAndPending(t *testing.T) {
	l, cleanup := setupPostgresLedger(t)
	defer cleanup()
	ctx := context.Background()

	if err := l.Write(ctx, "id-1", "/watch/a.txt", "copy", "default", true); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := l.Write(ctx, "id-2", "/watch/b.txt", "video", "clips", false); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if d := l.Depth(); d != 2 {
		t.Errorf("Depth = %d, want 2", d)
	}

	pending, err := l.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("Pending returned %d records, want 2", len(pending))
	}
	if pending[0].ID != "id-1" || pending[1].ID != "id-2" {
		t.Errorf("Pending order = [%q %q], want [id-1 id-2]", pending[0].ID, pending[1].ID)
	}
	if pending[1].Success {
		t.Errorf("pending[1].Success = true, want false")
	}
}

func TestPostgresLedger_WriteUpsertsOnConflict(t *testing.T) {
	l, cleanup := setupPostgresLedger(t)
	defer cleanup()
	ctx := context.Background()

	if err := l.Write(ctx, "id-1", "/watch/a.txt", "copy", "default", false); err != nil {
		t.Fatalf("first Write: %v", err)
	}
	if err := l.Write(ctx, "id-1", "/watch/a.txt", "copy", "default", true); err != nil {
		t.Fatalf("second (upsert) Write: %v", err)
	}

	pending, err := l.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Pending returned %d records, want 1 (upsert must not duplicate the row)", len(pending))
	}
	if !pending[0].Success {
		t.Error("Success = false, want true after upsert")
	}
}

func TestPostgresLedger_AckRemovesFromPending(t *testing.T) {
	l, cleanup := setupPostgresLedger(t)
	defer cleanup()
	ctx := context.Background()

	if err := l.Write(ctx, "id-1", "/watch/a.txt", "copy", "default", true); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := l.Ack(ctx, "id-1"); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	if d := l.Depth(); d != 0 {
		t.Errorf("Depth = %d after Ack, want 0", d)
	}
	pending, err := l.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Pending returned %d records after Ack, want 0", len(pending))
	}
}

func TestPostgresLedger_AckIsIdempotent(t *testing.T) {
	l, cleanup := setupPostgresLedger(t)
	defer cleanup()
	ctx := context.Background()

	if err := l.Write(ctx, "id-1", "/watch/a.txt", "copy", "default", true); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := l.Ack(ctx, "id-1"); err != nil {
		t.Fatalf("first Ack: %v", err)
	}
	if err := l.Ack(ctx, "id-1"); err != nil {
		t.Fatalf("second (duplicate) Ack: %v", err)
	}
	if d := l.Depth(); d != 0 {
		t.Errorf("Depth = %d after duplicate Ack, want 0", d)
	}
}

func TestPostgresLedger_DepthSeededFromExistingRowsOnReopen(t *testing.T) {
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("fpe_test"),
		tcpostgres.WithUsername("fpe"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	defer pgContainer.Terminate(ctx)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	func() {
		l, err := ledger.Open(connStr)
		if err != nil {
			t.Fatalf("open 1: %v", err)
		}
		defer l.Close()

		if err := l.Write(ctx, "acked", "/watch/a.txt", "copy", "default", true); err != nil {
			t.Fatalf("Write acked: %v", err)
		}
		if err := l.Write(ctx, "pending", "/watch/b.txt", "copy", "default", true); err != nil {
			t.Fatalf("Write pending: %v", err)
		}
		if err := l.Ack(ctx, "acked"); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	}()

	l2, err := ledger.Open(connStr)
	if err != nil {
		t.Fatalf("open 2: %v", err)
	}
	defer l2.Close()

	if d := l2.Depth(); d != 1 {
		t.Errorf("after reopen Depth = %d, want 1 (one unacknowledged record)", d)
	}
}
