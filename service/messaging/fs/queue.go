package fs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"

	"github.com/herdrun/herd/internal/idgen"
	"github.com/herdrun/herd/service/messaging"
)

// Config holds configuration for the file-backed queue. BaseURL accepts any
// afs-supported scheme, so the journal can live next to the batch results.
type Config struct {
	BaseURL    string
	MaxRetries int
}

// DefaultConfig returns a default queue configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:    "file:///tmp/herd/events",
		MaxRetries: 3,
	}
}

type envelope[T any] struct {
	ID        string    `json:"id"`
	Data      T         `json:"data"`
	Retries   int       `json:"retries"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message implements messaging.Message for the file-backed queue.
type Message[T any] struct {
	envelope  envelope[T]
	sourceURL string
	queue     *Queue[T]
	mu        sync.Mutex
	processed bool
}

// T returns the message payload.
func (m *Message[T]) T() *T {
	return &m.envelope.Data
}

// Ack moves the message into the done folder, preserving the journal entry.
func (m *Message[T]) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processed {
		return fmt.Errorf("message already processed")
	}
	m.processed = true
	return m.queue.move(context.Background(), m, "done")
}

// Nack requeues the message until the retry limit, then parks it under
// failed so the journal keeps the evidence.
func (m *Message[T]) Nack(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processed {
		return fmt.Errorf("message already processed")
	}
	m.processed = true
	m.envelope.Retries++
	if m.envelope.Retries <= m.queue.config.MaxRetries {
		return m.queue.put(context.Background(), &m.envelope, "pending")
	}
	return m.queue.move(context.Background(), m, "failed")
}

// Queue implements a messaging.Queue persisted through afs. Entries survive
// the process, which makes the queue double as a batch event journal.
type Queue[T any] struct {
	fs     afs.Service
	config Config
	mu     sync.Mutex
}

// NewQueue creates a new file-backed queue rooted at config.BaseURL.
func NewQueue[T any](fs afs.Service, config Config) (*Queue[T], error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	q := &Queue[T]{fs: fs, config: config}
	ctx := context.Background()
	for _, folder := range []string{"pending", "processing", "done", "failed"} {
		if err := fs.Create(ctx, url.Join(config.BaseURL, folder), file.DefaultDirOsMode, true); err != nil {
			return nil, fmt.Errorf("failed to create queue folder %v: %w", folder, err)
		}
	}
	return q, nil
}

// Publish journals a new entry under pending.
func (q *Queue[T]) Publish(ctx context.Context, t *T) error {
	entry := &envelope[T]{ID: idgen.New(), Data: *t, CreatedAt: time.Now()}
	return q.put(ctx, entry, "pending")
}

// Consume claims the oldest pending entry, moving it to processing.
func (q *Queue[T]) Consume(ctx context.Context) (messaging.Message[T], error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := url.Join(q.config.BaseURL, "pending")
	objects, err := q.fs.List(ctx, pending)
	if err != nil {
		return nil, fmt.Errorf("failed to list %v: %w", pending, err)
	}
	var names []string
	for _, object := range objects {
		if object.IsDir() {
			continue
		}
		names = append(names, object.Name())
	}
	if len(names) == 0 {
		return nil, nil
	}
	sort.Strings(names)

	sourceURL := url.Join(pending, names[0])
	data, err := q.fs.DownloadWithURL(ctx, sourceURL)
	if err != nil {
		return nil, fmt.Errorf("failed to read %v: %w", sourceURL, err)
	}
	msg := &Message[T]{queue: q}
	if err = json.Unmarshal(data, &msg.envelope); err != nil {
		return nil, fmt.Errorf("corrupted queue entry %v: %w", sourceURL, err)
	}
	processingURL := url.Join(q.config.BaseURL, "processing", names[0])
	if err = q.fs.Move(ctx, sourceURL, processingURL); err != nil {
		return nil, fmt.Errorf("failed to claim %v: %w", sourceURL, err)
	}
	msg.sourceURL = processingURL
	return msg, nil
}

func (q *Queue[T]) put(ctx context.Context, entry *envelope[T], folder string) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode queue entry: %w", err)
	}
	name := fmt.Sprintf("%020d-%v.json", entry.CreatedAt.UnixNano(), entry.ID)
	dest := url.Join(q.config.BaseURL, folder, name)
	return q.fs.Upload(ctx, dest, file.DefaultFileOsMode, bytes.NewReader(data))
}

func (q *Queue[T]) move(ctx context.Context, m *Message[T], folder string) error {
	if m.sourceURL == "" {
		return q.put(ctx, &m.envelope, folder)
	}
	_, name := url.Split(m.sourceURL, file.Scheme)
	dest := url.Join(q.config.BaseURL, folder, name)
	if err := q.fs.Move(ctx, m.sourceURL, dest); err != nil {
		return fmt.Errorf("failed to move %v to %v: %w", m.sourceURL, folder, err)
	}
	return nil
}

var _ messaging.Queue[any] = (*Queue[any])(nil)
