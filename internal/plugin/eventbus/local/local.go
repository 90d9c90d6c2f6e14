package local

import (
	"context"
	"errors"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/hapmoniym/blog-service/internal/config"
	"github.com/hapmoniym/blog-service/internal/model"
	registryeventbus "github.com/hapmoniym/blog-service/internal/registry/eventbus"
	"github.com/hapmoniym/blog-service/internal/security"
)

const defaultBufferSize = 64

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("event bus closed")

func init() {
	registryeventbus.Register(registryeventbus.Plugin{
		Name: "local",
		Loader: func(ctx context.Context) (registryeventbus.EventBus, error) {
			size := defaultBufferSize
			if cfg := config.FromContext(ctx); cfg != nil && cfg.EventBusBufferSize > 0 {
				size = cfg.EventBusBufferSize
			}
			return New(size), nil
		},
	})
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

type subscriber struct {
	ch   chan model.Event
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Bus is an in-process EventBus. Events are delivered to each subscriber's
// buffered channel; an event is dropped for a subscriber whose buffer is full.
type Bus struct {
	mu         sync.RWMutex
	topics     map[model.Topic]map[*subscriber]struct{}
	bufferSize int
	closed     bool
}

// New returns an in-process bus with the given per-subscriber buffer size.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Bus{
		topics:     map[model.Topic]map[*subscriber]struct{}{},
		bufferSize: bufferSize,
	}
}

func (b *Bus) Publish(_ context.Context, event model.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for sub := range b.topics[event.Topic] {
		select {
		case sub.ch <- event:
		default:
			log.Warn("Dropping event for slow subscriber", "topic", event.Topic)
			security.CountEvent(security.EventsDroppedTotal, string(event.Topic))
		}
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, topic model.Topic) (<-chan model.Event, error) {
	sub := &subscriber{ch: make(chan model.Event, b.bufferSize)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if b.topics[topic] == nil {
		b.topics[topic] = map[*subscriber]struct{}{}
	}
	b.topics[topic][sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.topics[topic], sub)
		b.mu.Unlock()
		sub.close()
	}()
	return sub.ch, nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.topics {
		for sub := range subs {
			sub.close()
		}
	}
	b.topics = map[model.Topic]map[*subscriber]struct{}{}
	return nil
}

var _ registryeventbus.EventBus = (*Bus)(nil)
