package eventbus

import (
	"time"
)

// EventType identifies an event flowing through the bus.
type EventType string

const (
	// Instance lifecycle events.
	EventInstanceStarting  EventType = "instance.starting"
	EventInstanceStarted   EventType = "instance.started"
	EventInstanceDegraded  EventType = "instance.degraded"
	EventInstanceRecovered EventType = "instance.recovered"
	EventInstanceStopped   EventType = "instance.stopped"
	EventInstanceFailed    EventType = "instance.failed"
	EventInstanceExited    EventType = "instance.exited"

	// Template registry events.
	EventTemplateUpdated EventType = "template.updated"
	EventTemplateRemoved EventType = "template.removed"

	// Health and flow-control events.
	EventHealthChanged EventType = "health.changed"
	EventBreakerOpened EventType = "breaker.opened"
	EventBreakerClosed EventType = "breaker.closed"

	// Captured backend log lines.
	EventLogLine EventType = "log.line"
)

// Event is a single bus message. ID is optional; when set, duplicate ids
// within the dedup window are delivered once.
type Event struct {
	ID         string         `json:"id,omitempty"`
	Type       EventType      `json:"type"`
	InstanceID string         `json:"instanceId,omitempty"`
	Template   string         `json:"template,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Time       time.Time      `json:"time"`
}
