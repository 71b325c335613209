package hooks

import "context"

// ErrorHandler observes an error returned by a Subscriber's HandleEvent. The
// bus itself does not log (it has no logger dependency); callers wire one in
// via NewBus so the orchestrator's telemetry.Logger owns the message.
type ErrorHandler func(event Event, sub Subscriber, err error)

// Bus is the single-threaded publish/subscribe fabric the Flow Orchestrator
// emits lifecycle events through (spec.md §4.6). Subscribers are registered
// before run() begins and are invoked synchronously, in registration order,
// on the orchestrator's own goroutine. A handler that returns an error is
// reported via onError and does not prevent delivery to the remaining
// subscribers, nor does it affect the run's outcome.
type Bus struct {
	subscribers []Subscriber
	onError     ErrorHandler
}

// NewBus constructs a Bus. onError may be nil, in which case subscriber
// errors are silently discarded.
func NewBus(onError ErrorHandler) *Bus {
	return &Bus{onError: onError}
}

// Subscribe registers sub to receive all subsequently published events.
// Subscribe is not safe to call concurrently with Publish; per spec.md
// §4.6, all subscriptions happen before run() starts.
func (b *Bus) Subscribe(sub Subscriber) {
	b.subscribers = append(b.subscribers, sub)
}

// Publish delivers event to every registered subscriber in registration
// order (spec.md §4.6 "handlers are invoked in registration order").
func (b *Bus) Publish(ctx context.Context, event Event) {
	for _, sub := range b.subscribers {
		if err := sub.HandleEvent(ctx, event); err != nil && b.onError != nil {
			b.onError(event, sub, err)
		}
	}
}
