package event

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Listener consumes the event stream on its own goroutine and hands each
// event to the supplied handler until the context ends.
type Listener struct {
	publisher *Publisher
	handler   func(*Event)
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewListener returns a stopped listener; call Start to begin consuming.
func NewListener(publisher *Publisher, handler func(*Event)) *Listener {
	return &Listener{publisher: publisher, handler: handler}
}

// Start begins consuming events.
func (l *Listener) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		for {
			event, err := l.publisher.Consume(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logrus.WithError(err).Warn("failed to consume event")
				continue
			}
			if event == nil {
				// Non-blocking queue drained; back off a little.
				time.Sleep(10 * time.Millisecond)
				continue
			}
			l.handler(event)
		}
	}()
}

// Stop terminates consumption and waits for the loop to exit.
func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	if l.done != nil {
		<-l.done
	}
}
