package progress

import "context"

// Subscriber receives emitted events. Implementations should honor ctx
// deadlines; a returned error or panic is logged by the hub and never reaches
// the emitter.
type Subscriber interface {
	Consume(ctx context.Context, evt Event) error
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(ctx context.Context, evt Event) error

// Consume calls f(ctx, evt).
func (f SubscriberFunc) Consume(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

// Emitter publishes individual events; Hub satisfies this interface so the
// ingest loop stays agnostic about who is listening.
type Emitter interface {
	Emit(evt Event) error
}

// IDGenerator produces subscription IDs.
type IDGenerator interface {
	NewID() (string, error)
}
