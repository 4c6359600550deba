// Package bridge wires the runtime hook bus to a stream.Sink without
// requiring callers to import the hooks subscriber directly, keeping the
// stream and hooks packages decoupled.
package bridge

import (
	"github.com/agentforge/core/runtime/agent/hooks"
	"github.com/agentforge/core/runtime/agent/stream"
)

// NewSubscriber returns a hooks.Subscriber that forwards selected hook
// events (assistant replies, planner thoughts, tool start/end) to sink as
// typed stream.Event values.
func NewSubscriber(sink stream.Sink) (hooks.Subscriber, error) {
	return hooks.NewStreamSubscriber(sink)
}

// Register creates a stream subscriber for sink and registers it on bus.
// The returned subscription can be closed to detach the subscriber, e.g.
// when a per-request connection ends.
func Register(bus hooks.Bus, sink stream.Sink) (hooks.Subscription, error) {
	sub, err := NewSubscriber(sink)
	if err != nil {
		return nil, err
	}
	return bus.Register(sub)
}
