package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/clockwork/fpe/internal/eventqueue"
	"github.com/clockwork/fpe/internal/logging"
)

// Observer adapts a Ledger to the taskrunner.Observer interface (satisfied
// structurally — no import of the taskrunner package is needed) so every
// dispatched action outcome is durably recorded before the Task Runner
// moves on to the next event.
type Observer struct {
	Ledger     Ledger
	ActionName string
	Timeout    time.Duration
	Logger     logging.Logger
}

// Observe records one outcome. A write failure is logged as a warning and
// otherwise ignored: it must not stop the Task Runner, matching spec.md
// §7's rule that errors inside the action are logged but never terminate
// the monitor — the ledger is an auxiliary observer, not the action.
func (o Observer) Observe(evt eventqueue.Event, ruleName string, success bool) {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := o.Ledger.Write(ctx, uuid.NewString(), evt.Payload, o.ActionName, ruleName, success); err != nil && o.Logger != nil {
		o.Logger.Error("ledger: write failed", "path", evt.Payload, "error", err)
	}
}
