package eventbus

import (
	"context"
	"log/slog"
)

// Notifier publishes events for state that is already committed. A failed publish is
// logged and never returned, so it cannot undo the change it reports.
type Notifier struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewNotifier wraps publisher. A nil publisher discards every event.
func NewNotifier(publisher Publisher, logger *slog.Logger) *Notifier {
	return &Notifier{publisher: publisher, logger: logger.With("module", "notifier")}
}

func (n *Notifier) Notify(ctx context.Context, key string, event Event) {
	if n == nil || n.publisher == nil {
		return
	}

	if err := n.publisher.Publish(ctx, key, event); err != nil {
		n.logger.ErrorContext(ctx, "Failed to publish event", "event_type", event.GetType(), "key", key, "error", err)
	}
}
