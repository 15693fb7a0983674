package locking

import (
	"context"
	"time"
)

// Action names a lock transition.
type Action string

const (
	ActionLock   Action = "lock"
	ActionUnlock Action = "unlock"
)

// Event describes a committed lock transition.
type Event struct {
	Action    Action    `json:"action"`
	Path      string    `json:"path"`
	Actor     string    `json:"actor"`
	Forced    bool      `json:"forced,omitempty"`
	Nodes     []string  `json:"nodes"`
	Halted    []string  `json:"halted,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher delivers lock events to interested parties. Delivery failures
// never fail the lock operation that produced the event.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// noopPublisher is used when no publisher is configured.
type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, *Event) error { return nil }
