package interfaces

import (
	"context"

	"github.com/ternarybob/dossier/internal/models"
)

// EventHandler is a function that handles events. Handlers run on the bus
// scheduler, not the publisher's goroutine, and must be idempotent
// (delivery is at-least-once within a session).
type EventHandler func(ctx context.Context, event models.Event) error

// Subscription identifies a registered handler so it can be cancelled
type Subscription interface {
	// Pattern returns the glob pattern this subscription matches
	Pattern() string
	// Dropped returns how many events were discarded because the
	// subscriber's queue overflowed
	Dropped() uint64
	// Cancel removes the subscription and drains its queue
	Cancel()
}

// EventService is the topic pub/sub bus. Patterns use dotted glob
// segments: "document.*", "stage.*.completed", "*".
type EventService interface {
	// Subscribe registers a handler for all event types matching pattern
	Subscribe(pattern string, handler EventHandler) (Subscription, error)

	// Publish delivers an event to matching subscribers without blocking
	// on slow handlers. The event is assigned id, timestamp and a
	// per-source sequence if unset, and appended to the session log.
	Publish(ctx context.Context, event models.Event) error

	// PublishSync delivers and waits for all matching handlers
	PublishSync(ctx context.Context, event models.Event) error

	// SessionLog returns events recorded this session, newest first
	SessionLog(ctx context.Context, eventType string, limit int) ([]models.Event, error)

	// Close shuts down the bus and awaits subscriber queues to drain
	Close() error
}
