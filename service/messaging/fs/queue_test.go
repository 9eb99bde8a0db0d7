package fs

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/viant/afs"

	"github.com/herdrun/herd/internal/idgen"
)

type payload struct {
	Value string
}

func newTestQueue(t *testing.T) *Queue[payload] {
	queue, err := NewQueue[payload](afs.New(), Config{
		BaseURL:    "mem://localhost/events-" + idgen.New(),
		MaxRetries: 1,
	})
	assert.NoError(t, err)
	return queue
}

func TestQueue_PublishConsumeAck(t *testing.T) {
	queue := newTestQueue(t)
	ctx := context.Background()

	assert.NoError(t, queue.Publish(ctx, &payload{Value: "one"}))

	msg, err := queue.Consume(ctx)
	assert.NoError(t, err)
	assert.NotNil(t, msg)
	assert.Equal(t, "one", msg.T().Value)
	assert.NoError(t, msg.Ack())

	// The journal is drained.
	next, err := queue.Consume(ctx)
	assert.NoError(t, err)
	assert.Nil(t, next)
}

func TestQueue_ConsumeIsFIFO(t *testing.T) {
	queue := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.NoError(t, queue.Publish(ctx, &payload{Value: fmt.Sprintf("msg-%d", i)}))
	}
	for i := 0; i < 3; i++ {
		msg, err := queue.Consume(ctx)
		assert.NoError(t, err)
		assert.NotNil(t, msg)
		assert.Equal(t, fmt.Sprintf("msg-%d", i), msg.T().Value)
		assert.NoError(t, msg.Ack())
	}
}

func TestQueue_NackRequeuesThenFails(t *testing.T) {
	queue := newTestQueue(t)
	ctx := context.Background()

	assert.NoError(t, queue.Publish(ctx, &payload{Value: "retry"}))

	msg, err := queue.Consume(ctx)
	assert.NoError(t, err)
	assert.NoError(t, msg.Nack(fmt.Errorf("transient")))

	// First nack requeued the entry.
	msg, err = queue.Consume(ctx)
	assert.NoError(t, err)
	assert.NotNil(t, msg)
	assert.NoError(t, msg.Nack(fmt.Errorf("still broken")))

	// Second nack crossed the retry limit; nothing left to consume.
	next, err := queue.Consume(ctx)
	assert.NoError(t, err)
	assert.Nil(t, next)
}

func TestNewQueue_RequiresBaseURL(t *testing.T) {
	_, err := NewQueue[payload](afs.New(), Config{})
	assert.Error(t, err)
}
