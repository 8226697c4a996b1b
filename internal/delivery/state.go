package delivery

import (
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"messenger/internal/observability"
)

// State is a step of an operation handled by the coordinator.
type State string

const (
	StateReceived      State = "received"
	StateValidated     State = "validated"
	StatePersisted     State = "persisted"
	StateBroadcast     State = "broadcast"
	StateAcknowledged  State = "acknowledged"
	StateRejected      State = "rejected"
	StatePersistFailed State = "persist_failed"
)

// A store failure while resolving the target leaves Received directly for
// PersistFailed.
var transitions = map[State][]State{
	StateReceived:  {StateValidated, StateRejected, StatePersistFailed},
	StateValidated: {StatePersisted, StatePersistFailed, StateRejected},
	StatePersisted: {StateBroadcast},
	StateBroadcast: {StateAcknowledged},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// operation tracks one request through the state machine.
type operation struct {
	name    string
	state   State
	started time.Time
	path    []State
	span    trace.Span
}

func newOperation(name string, span trace.Span) *operation {
	return &operation{name: name, state: StateReceived, started: time.Now(), path: []State{StateReceived}, span: span}
}

// advance moves to next. Transitions the machine does not allow are logged
// and leave the state unchanged. Reaching a terminal state records the
// outcome metric and the path on the span.
func (o *operation) advance(next State) bool {
	allowed := false
	for _, s := range transitions[o.state] {
		if s == next {
			allowed = true
			break
		}
	}
	if !allowed {
		log.WithFields(log.Fields{"operation": o.name, "from": o.state, "to": next}).Error("illegal delivery transition")
		return false
	}
	o.state = next
	o.path = append(o.path, next)
	if next.Terminal() {
		observability.ObserveDelivery(o.name, string(next), o.started)
		path := make([]string, len(o.path))
		for i, s := range o.path {
			path[i] = string(s)
		}
		o.span.SetAttributes(attribute.String("delivery.state", string(next)), attribute.StringSlice("delivery.path", path))
	}
	return true
}
