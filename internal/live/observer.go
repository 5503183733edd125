package live

import "github.com/clockwork/fpe/internal/eventqueue"

// Observer adapts a Broadcaster to the taskrunner.Observer interface
// (satisfied structurally, mirroring internal/ledger.Observer) so every
// dispatched outcome reaches connected operators in real time.
type Observer struct {
	Broadcaster *Broadcaster
}

// Observe publishes evt to every connected client. Never blocks: Publish
// delegates to Broadcast, which uses a non-blocking send per client.
func (o Observer) Observe(evt eventqueue.Event, ruleName string, success bool) {
	o.Broadcaster.Publish(evt, ruleName, success)
}
