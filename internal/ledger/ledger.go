// Package ledger provides a durable audit trail of every action invocation
// dispatched by the Task Runner. Unlike the Event Queue, which is transient
// and memory-only, the Ledger survives process restarts so an operator can
// inspect the recorded outcomes after a restart (spec.md's Non-goal
// of cross-restart watch-state persistence is untouched: the Ledger records
// history, it never feeds back into what gets watched).
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Record is one durable entry: one dispatched "added" event, the rule that
// produced it (the Task Runner's task_name), whether the action reported
// success, and whether the record has been acknowledged (see Ack).
type Record struct {
	ID         string
	Path       string
	Action     string
	Rule       string
	Success    bool
	RecordedAt time.Time
	Acked      bool
}

// Ledger is the durable audit-trail interface. Implementations must be safe
// for concurrent use: the Task Runner calls Write synchronously from its
// monitor goroutine, while an operator or the HTTP status API may call
// Pending/Depth concurrently.
type Ledger interface {
	// Write persists one outcome. id should be a caller-generated
	// correlation identifier (ledger.Observer uses a google/uuid value);
	// action is the action's human name ("copy", "command", "video").
	// Writing an existing id updates its outcome instead of adding a row.
	Write(ctx context.Context, id, path, action, rule string, success bool) error
	// Pending returns every record that was written but never acked,
	// oldest first. The engine itself never calls Ack (ledger.Observer
	// writes each outcome once, after the action returns), so unless an
	// external caller acks records, Pending lists every recorded outcome.
	// It does not imply replay: the watcher never re-runs these on its own.
	Pending(ctx context.Context) ([]Record, error)
	// Ack marks a record as acknowledged, removing it from Pending.
	Ack(ctx context.Context, id string) error
	// Depth returns the number of unacked records, for status reporting.
	Depth() int
	// Close releases resources held by the ledger.
	Close() error
}

// Open constructs a Ledger from a DSN of the form "sqlite://<path>" or
// "postgres://..." (or "postgresql://..."). A DSN without a scheme, or with
// any other scheme, is an error.
func Open(dsn string) (Ledger, error) {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return nil, fmt.Errorf("ledger: dsn %q must have a scheme (sqlite:// or postgres://)", dsn)
	}

	switch scheme {
	case "sqlite":
		return openSQLite(rest)
	case "postgres", "postgresql":
		return openPostgres(dsn)
	default:
		return nil, fmt.Errorf("ledger: unsupported dsn scheme %q", scheme)
	}
}
