package event

import (
	"context"

	"github.com/herdrun/herd/service/messaging"
)

// Publisher fans lifecycle events into the batch queue. Runners on many
// machines publish concurrently; ordering is by arrival.
type Publisher struct {
	queue messaging.Queue[Event]
}

// NewPublisher returns a publisher over the supplied queue.
func NewPublisher(queue messaging.Queue[Event]) *Publisher {
	return &Publisher{queue: queue}
}

// Publish appends one event to the stream.
func (p *Publisher) Publish(ctx context.Context, event *Event) error {
	return p.queue.Publish(ctx, event)
}

// Consume retrieves and acknowledges the next event; it returns nil when
// the underlying queue is empty and non-blocking.
func (p *Publisher) Consume(ctx context.Context) (*Event, error) {
	msg, err := p.queue.Consume(ctx)
	if err != nil || msg == nil {
		return nil, err
	}
	if err = msg.Ack(); err != nil {
		return nil, err
	}
	return msg.T(), nil
}
