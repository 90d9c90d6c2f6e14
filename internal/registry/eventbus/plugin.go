package eventbus

import (
	"context"
	"fmt"

	"github.com/hapmoniym/blog-service/internal/model"
)

// EventBus fans events out to topic subscribers, in process or across instances.
type EventBus interface {
	// Publish delivers event to the current subscribers of event.Topic.
	Publish(ctx context.Context, event model.Event) error
	// Subscribe returns a channel of events on topic. The channel is closed when
	// ctx is done or the bus is closed.
	Subscribe(ctx context.Context, topic model.Topic) (<-chan model.Event, error)
	Close() error
}

// Loader creates an event bus from config.
type Loader func(ctx context.Context) (EventBus, error)

// Plugin represents an event bus plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds an event bus plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered event bus plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named event bus plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown event bus %q; valid: %v", name, Names())
}
