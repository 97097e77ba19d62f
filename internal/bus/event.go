package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds use dotted namespaces so subscribers can filter by prefix:
//
//	net.reachable        connectivity regained (edge-triggered)
//	net.unreachable      connectivity lost
//	sync.state_changed   engine cycle state transition
//	sync.cycle_finished  a sync cycle completed
//	sync.conflict        a divergence was resolved
//	stream.finished      a stream session reached a terminal state
//	record.applied       a remote record was applied locally
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
