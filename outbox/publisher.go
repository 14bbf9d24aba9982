package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
)

// LogPublisher writes every message to a structured logger.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(ctx context.Context, msg Message) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "outbox event",
		"component", "outbox",
		"id", msg.ID,
		"topic", msg.Topic,
		"payload", json.RawMessage(msg.Payload),
	)
	return nil
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, msg Message) error

func (f PublisherFunc) Publish(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}
