package ledger

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresLedger is a pgxpool-backed Ledger, for deployments that run more
// than one engine instance against a shared audit trail.
//
// Grounded on the teacher's internal/server/storage/postgres.go for the
// pgxpool usage and internal/transport/grpc_client.go for the
// cenkalti/backoff reconnect pattern — repurposed here for the initial
// connection attempt rather than a stream reconnect, since a ledger is
// expected to be reachable at startup but may lag a just-started database
// container in compose/k8s bring-up.
type postgresLedger struct {
	pool  *pgxpool.Pool
	depth atomic.Int64
}

const postgresDDL = `
CREATE TABLE IF NOT EXISTS ledger (
    id          TEXT PRIMARY KEY,
    path        TEXT NOT NULL,
    action      TEXT NOT NULL,
    rule        TEXT NOT NULL,
    success     BOOLEAN NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL,
    acked       BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_ledger_pending ON ledger (acked, recorded_at);
`

func openPostgres(dsn string) (Ledger, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var pool *pgxpool.Pool
	connect := func() error {
		p, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(connect, bo); err != nil {
		return nil, fmt.Errorf("ledger: connect to postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: apply schema: %w", err)
	}

	l := &postgresLedger{pool: pool}

	var count int64
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM ledger WHERE acked = FALSE`).Scan(&count); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: count pending rows: %w", err)
	}
	l.depth.Store(count)

	return l, nil
}

func (l *postgresLedger) Write(ctx context.Context, id, path, action, rule string, success bool) error {
	_, err := l.pool.Exec(ctx,
		`INSERT INTO ledger (id, path, action, rule, success, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET success = excluded.success, recorded_at = excluded.recorded_at`,
		id, path, action, rule, success, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("ledger: write: %w", err)
	}
	// Recount rather than add 1: an upsert of an existing id adds no row.
	var count int64
	if err := l.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ledger WHERE acked = FALSE`).Scan(&count); err != nil {
		return fmt.Errorf("ledger: count pending rows: %w", err)
	}
	l.depth.Store(count)
	return nil
}

func (l *postgresLedger) Pending(ctx context.Context) ([]Record, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT id, path, action, rule, success, recorded_at, acked FROM ledger WHERE acked = FALSE ORDER BY recorded_at`)
	if err != nil {
		return nil, fmt.Errorf("ledger: query pending: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.Path, &rec.Action, &rec.Rule, &rec.Success, &rec.RecordedAt, &rec.Acked); err != nil {
			return nil, fmt.Errorf("ledger: scan pending row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (l *postgresLedger) Ack(ctx context.Context, id string) error {
	tag, err := l.pool.Exec(ctx, `UPDATE ledger SET acked = TRUE WHERE id = $1 AND acked = FALSE`, id)
	if err != nil {
		return fmt.Errorf("ledger: ack: %w", err)
	}
	if tag.RowsAffected() > 0 {
		l.depth.Add(-1)
	}
	return nil
}

func (l *postgresLedger) Depth() int {
	return int(l.depth.Load())
}

func (l *postgresLedger) Close() error {
	l.pool.Close()
	return nil
}
