package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver with database/sql
)

// sqliteLedger is a WAL-mode SQLite-backed Ledger. It is the default
// backend: a single embedded file, no external dependency, suitable for a
// single-instance daemon.
//
// Grounded on the teacher's internal/queue/sqlite_queue.go: WAL journal
// mode, a single-connection pool (SQLite allows only one writer), and an
// atomic depth counter seeded from existing unacked rows at open so Depth
// is correct immediately after a restart.
type sqliteLedger struct {
	db    *sql.DB
	depth atomic.Int64
}

const sqliteDDL = `
CREATE TABLE IF NOT EXISTS ledger (
    id          TEXT    PRIMARY KEY,
    path        TEXT    NOT NULL,
    action      TEXT    NOT NULL,
    rule        TEXT    NOT NULL,
    success     INTEGER NOT NULL,
    recorded_at TEXT    NOT NULL,
    acked       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_ledger_pending ON ledger (acked, recorded_at);
`

// openSQLite opens (or creates) the SQLite database at path. path ":memory:"
// is suitable for tests but loses all data when closed.
func openSQLite(path string) (Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite %q: %w", path, err)
	}

	// A single connection serialises concurrent Write calls onto one
	// writer, avoiding "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(sqliteDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: apply schema: %w", err)
	}

	l := &sqliteLedger{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM ledger WHERE acked = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: count pending rows: %w", err)
	}
	l.depth.Store(count)

	return l, nil
}

func (l *sqliteLedger) Write(ctx context.Context, id, path, action, rule string, success bool) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO ledger (id, path, action, rule, success, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET success = excluded.success, recorded_at = excluded.recorded_at`,
		id, path, action, rule, boolToInt(success), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("ledger: write: %w", err)
	}
	// Recount rather than add 1: an upsert of an existing id adds no row.
	var count int64
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger WHERE acked = 0`).Scan(&count); err != nil {
		return fmt.Errorf("ledger: count pending rows: %w", err)
	}
	l.depth.Store(count)
	return nil
}

func (l *sqliteLedger) Pending(ctx context.Context) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, path, action, rule, success, recorded_at, acked FROM ledger WHERE acked = 0 ORDER BY recorded_at`)
	if err != nil {
		return nil, fmt.Errorf("ledger: query pending: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec         Record
			successInt  int
			ackedInt    int
			recordedStr string
		)
		if err := rows.Scan(&rec.ID, &rec.Path, &rec.Action, &rec.Rule, &successInt, &recordedStr, &ackedInt); err != nil {
			return nil, fmt.Errorf("ledger: scan pending row: %w", err)
		}
		rec.Success = successInt != 0
		rec.Acked = ackedInt != 0
		rec.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedStr)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (l *sqliteLedger) Ack(ctx context.Context, id string) error {
	res, err := l.db.ExecContext(ctx, `UPDATE ledger SET acked = 1 WHERE id = ? AND acked = 0`, id)
	if err != nil {
		return fmt.Errorf("ledger: ack: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		l.depth.Add(-1)
	}
	return nil
}

func (l *sqliteLedger) Depth() int {
	return int(l.depth.Load())
}

func (l *sqliteLedger) Close() error {
	return l.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
