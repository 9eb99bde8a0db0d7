package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type payload struct {
	Value string
}

func TestQueue_PublishConsumeAck(t *testing.T) {
	queue := NewQueue[payload](DefaultConfig())
	ctx := context.Background()

	assert.NoError(t, queue.Publish(ctx, &payload{Value: "one"}))
	assert.NoError(t, queue.Publish(ctx, &payload{Value: "two"}))
	assert.Equal(t, 2, queue.Size())

	msg, err := queue.Consume(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "one", msg.T().Value)
	assert.NoError(t, msg.Ack())
	assert.Error(t, msg.Ack(), "double ack must fail")
}

func TestQueue_NackRequeues(t *testing.T) {
	config := DefaultConfig()
	config.RetryDelay = time.Millisecond
	queue := NewQueue[payload](config)
	ctx := context.Background()

	assert.NoError(t, queue.Publish(ctx, &payload{Value: "retry"}))
	msg, err := queue.Consume(ctx)
	assert.NoError(t, err)
	assert.NoError(t, msg.Nack(fmt.Errorf("transient")))

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	msg, err = queue.Consume(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "retry", msg.T().Value)
}

func TestQueue_DeadLetterAfterMaxRetries(t *testing.T) {
	config := Config{MaxRetries: 1, RetryDelay: time.Millisecond, DeadLetter: true, QueueBuffer: 8}
	queue := NewQueue[payload](config)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.NoError(t, queue.Publish(ctx, &payload{Value: "doomed"}))
	for i := 0; i < 2; i++ {
		msg, err := queue.Consume(ctx)
		assert.NoError(t, err)
		assert.NoError(t, msg.Nack(fmt.Errorf("still broken")))
	}

	assert.Eventually(t, func() bool { return queue.DLQSize() == 1 }, time.Second, 5*time.Millisecond)
}

func TestQueue_ConsumeHonoursContext(t *testing.T) {
	queue := NewQueue[payload](DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := queue.Consume(ctx)
	assert.Error(t, err)
}
