package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (single instance) or NATS (multiple instances).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string

	// Channel settings
	ChannelBufferSize int

	// NATS settings
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
	// NATSQueueGroup, when set, delivers each case-created event to one
	// instance of the group instead of all of them.
	NATSQueueGroup string
}

// Topic names for case events.
const (
	TopicCaseCreated       = "dcaos.case.created"
	TopicCaseAssigned      = "dcaos.case.assigned"
	TopicCaseStatusChanged = "dcaos.case.status"
	TopicAllocationRun     = "dcaos.allocation.run"
)

// CaseEvent is the payload published on case topics.
type CaseEvent struct {
	CaseID   string     `json:"caseId"`
	Status   CaseStatus `json:"status"`
	AgencyID string     `json:"agencyId,omitempty"`
	Actor    string     `json:"actor,omitempty"`
}

// AllocationRunEvent is published after every allocation run.
type AllocationRunEvent struct {
	Allocated int   `json:"allocated"`
	Pending   int   `json:"pending"`
	TookMs    int64 `json:"tookMs"`
}
