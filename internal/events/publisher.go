package events

import (
	"context"
	"log/slog"

	"git.home.luguber.info/inful/buildstate/internal/logfields"
)

// Publisher delivers events to interested parties.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }

// Fanout publishes to several publishers, attempting all of them and
// returning the first error.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, evt Event) error {
	var first error
	for _, p := range f {
		if err := p.Publish(ctx, evt); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// PublishQuietly publishes evt and logs instead of returning a failure.
func PublishQuietly(ctx context.Context, p Publisher, logger *slog.Logger, evt Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, evt); err != nil {
		logger.Warn("Failed to publish event",
			slog.String("kind", evt.Kind()),
			logfields.Target(evt.TargetID()),
			logfields.Error(err))
	}
}
