package generic

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a time-ordered unique identifier for records and events.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Record is a lifecycle record governed by the gate.
type Record interface {
	EntityType() EntityType
	RecordID() string
	CurrentStatus() Status
}

// EventName identifies a notification, e.g. "offer.approved".
type EventName string

// Event is a fire-and-forget notification about a record. The engine
// publishes and moves on; delivery is the subscriber's problem.
type Event struct {
	ID       string     `json:"id"`
	Name     EventName  `json:"name"`
	Entity   EntityType `json:"entity"`
	EntityID string     `json:"entity_id"`
	From     Status     `json:"from,omitempty"`
	To       Status     `json:"to,omitempty"`
	Actor    Actor      `json:"actor"`
	At       time.Time  `json:"at"`
}

// NewEvent builds an event for rec.
func NewEvent(name EventName, rec Record, from Status, actor Actor, at time.Time) Event {
	return Event{
		ID:       NewID(),
		Name:     name,
		Entity:   rec.EntityType(),
		EntityID: rec.RecordID(),
		From:     from,
		To:       rec.CurrentStatus(),
		Actor:    actor,
		At:       at,
	}
}

// StatusEvent names the event emitted when a record enters status, using
// prefix as the entity label ("offer.approved", "restock.received").
func StatusEvent(prefix string, status Status) EventName {
	return EventName(prefix + "." + string(status))
}

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(Event)
}

// DiscardPublisher drops every event.
type DiscardPublisher struct{}

func (DiscardPublisher) Publish(Event) {}
