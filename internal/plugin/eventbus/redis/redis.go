package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/hapmoniym/blog-service/internal/config"
	"github.com/hapmoniym/blog-service/internal/model"
	registryeventbus "github.com/hapmoniym/blog-service/internal/registry/eventbus"
	"github.com/hapmoniym/blog-service/internal/security"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultPrefix     = "blog-service"
	defaultBufferSize = 64
)

func init() {
	registryeventbus.Register(registryeventbus.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func load(ctx context.Context) (registryeventbus.EventBus, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis event bus: BLOG_SERVICE_REDIS_URL is required")
	}
	return LoadFromURL(ctx, cfg.RedisURL, cfg.EventBusChannelPrefix, cfg.EventBusBufferSize)
}

// LoadFromURL connects to redisURL and returns a bus whose channels are named
// "<prefix>:<topic>".
func LoadFromURL(ctx context.Context, redisURL, prefix string, bufferSize int) (*Bus, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis event bus: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis event bus: ping failed: %w", err)
	}
	if prefix == "" {
		prefix = defaultPrefix
	}
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Bus{client: client, prefix: prefix, bufferSize: bufferSize, done: make(chan struct{})}, nil
}

// Bus is an EventBus backed by Redis PUBLISH/SUBSCRIBE, so every instance
// connected to the same Redis sees every event.
type Bus struct {
	client     *goredis.Client
	prefix     string
	bufferSize int

	closeOnce sync.Once
	done      chan struct{}
}

func (b *Bus) channel(topic model.Topic) string {
	return b.prefix + ":" + string(topic)
}

func (b *Bus) Publish(ctx context.Context, event model.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis event bus: marshal: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(event.Topic), data).Err(); err != nil {
		return fmt.Errorf("redis event bus: publish: %w", err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, topic model.Topic) (<-chan model.Event, error) {
	ps := b.client.Subscribe(ctx, b.channel(topic))
	// Receive blocks until the subscription is confirmed, so events published
	// after Subscribe returns are not missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis event bus: subscribe: %w", err)
	}

	out := make(chan model.Event, b.bufferSize)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event model.Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					log.Warn("Discarding malformed event", "channel", msg.Channel, "err", err)
					continue
				}
				select {
				case out <- event:
				default:
					log.Warn("Dropping event for slow subscriber", "topic", topic)
					security.CountEvent(security.EventsDroppedTotal, string(topic))
				}
			}
		}
	}()
	return out, nil
}

func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		err = b.client.Close()
	})
	return err
}

var _ registryeventbus.EventBus = (*Bus)(nil)
