package main

import (
	"context"
	"fmt"

	contractx "github.com/tanpawarit/moneta-advisor/agent/contract"
	qstashx "github.com/tanpawarit/moneta-advisor/pkg/qstash"
)

type eventQueue interface {
	PublishJSON(ctx context.Context, destination string, v any, opts qstashx.PublishOptions) (string, error)
}

// turnPublisher forwards completed turns to a QStash destination.
type turnPublisher struct {
	queue       eventQueue
	destination string
}

var _ contractx.TurnPublisher = (*turnPublisher)(nil)

func newTurnPublisher(queue eventQueue, destination string) *turnPublisher {
	return &turnPublisher{queue: queue, destination: destination}
}

// PublishTurn deduplicates on the last ordinal so a retried publish of the
// same saved turn is delivered once.
func (p *turnPublisher) PublishTurn(ctx context.Context, event contractx.TurnEvent) error {
	_, err := p.queue.PublishJSON(ctx, p.destination, event, qstashx.PublishOptions{
		DeduplicationID: fmt.Sprintf("%s:%d", event.ConversationID, event.LastOrdinal),
	})
	return err
}
