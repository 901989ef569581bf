package events

import (
	"context"
	"log/slog"
)

// LogPublisher writes events to the structured log. Used when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, e Event) error {
	p.logger.InfoContext(ctx, "[NOTIFICATION]",
		"event_id", e.ID,
		"type", e.Type,
		"match_id", e.MatchID,
		"from", e.From,
		"to", e.To,
		"recipients", e.Recipients,
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
