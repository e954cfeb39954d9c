package eventbus

import "context"

// Handler processes events delivered by the bus. Each handler runs on its
// own drain goroutine, so a slow handler delays only its own queue.
type Handler interface {
	// ID returns a unique identifier for this handler.
	ID() string

	// Handles returns the event types this handler processes. An empty
	// slice subscribes to everything.
	Handles() []EventType

	// Handle processes a single event. The context carries the bus's
	// per-handler timeout. Returning an error logs a warning but does not
	// affect other handlers.
	Handle(ctx context.Context, event *Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	Name  string
	Types []EventType
	Fn    func(ctx context.Context, event *Event) error
}

func (h HandlerFunc) ID() string           { return h.Name }
func (h HandlerFunc) Handles() []EventType { return h.Types }

func (h HandlerFunc) Handle(ctx context.Context, event *Event) error {
	return h.Fn(ctx, event)
}
