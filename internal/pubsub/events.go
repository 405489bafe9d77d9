// Package pubsub provides a generic publish/subscribe event system.
package pubsub

import (
	"context"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	CreatedEvent EventType = "created"
	UpdatedEvent EventType = "updated"
	DeletedEvent EventType = "deleted"
)

// WorkerEventType identifies what happened to a worker.
type WorkerEventType string

const (
	WorkerLaunched     WorkerEventType = "launched"
	WorkerStatusChange WorkerEventType = "status_change"
	WorkerToolCall     WorkerEventType = "tool_call"
	WorkerCleanup      WorkerEventType = "cleanup"
	WorkerFailed       WorkerEventType = "failed"
)

// WorkerEvent is published by the workflow engine on every lifecycle change.
// Subscribers (the daemon loop, external dashboards) receive these through a
// Broker[WorkerEvent].
type WorkerEvent struct {
	Type     WorkerEventType
	WorkerID string
	Kind     string
	Status   string
	ToolName string
	Err      string
}

// Event represents a published event with a typed payload.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher allows publishing events with a typed payload.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T)
}
