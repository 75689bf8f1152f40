package eventbus

import (
	"sync"

	"github.com/cskr/pubsub/v2"
)

// NilEventHandler represents a disabled event handler.
type NilEventHandler struct{}

// DefaultEventHandler represents an internal event handler.
type DefaultEventHandler struct {
	*pubsub.PubSub[uint, any]
}

// EventPublisher represents an interface that provides an event publisher.
type EventPublisher interface {
	// Publish publishes an event to the event stream.
	Publish(id uint, data any)
}

// EventSubscriber represents an interface that provides an event subscriber.
type EventSubscriber interface {
	// Subscribe subscribes to an event from the event stream.
	Subscribe(id uint) SubscriberID
}

// EventHandler represents an interface that provides an event publisher and subscriber.
type EventHandler interface {
	EventPublisher
	EventSubscriber
}

// Bus routes published events to the registered handler.
// Each engine instance owns its own bus, so independent instances never
// observe each other's events.
type Bus struct {
	p EventPublisher
	s EventSubscriber

	shutdown func()

	mu sync.RWMutex
}

// New returns a bus backed by the default handler.
func New() *Bus {
	b := &Bus{}
	b.Register(DefaultHandler())

	return b
}

// Register registers the event handler interface.
func (b *Bus) Register(eh EventHandler) {
	b.RegisterHandlers(eh, eh)

	b.mu.Lock()
	defer b.mu.Unlock()

	if d, ok := any(eh).(*DefaultEventHandler); ok {
		b.shutdown = d.Shutdown
	}
}

// RegisterHandlers registers the event publisher and subscriber interfaces separately.
// To disable an EventPublisher or EventSubscriber, pass a NilEventHandler.
func (b *Bus) RegisterHandlers(p EventPublisher, s EventSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.p = p
	b.s = s
	b.shutdown = nil
}

// Disable unregisters the event handler.
func (b *Bus) Disable() {
	b.Register(&NilEventHandler{})
}

// Close shuts the underlying handler down, closing every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	shutdown := b.shutdown
	b.p, b.s, b.shutdown = &NilEventHandler{}, &NilEventHandler{}, nil
	b.mu.Unlock()

	if shutdown != nil {
		shutdown()
	}
}

// Publish calls the registered publisher handler.
func (b *Bus) Publish(id EventID, data any) {
	if b == nil || id == nil {
		return
	}

	b.mu.RLock()
	p := b.p
	b.mu.RUnlock()

	p.Publish(id.Value(), data)
}

// Subscribe calls the registered subscriber handler.
func (b *Bus) Subscribe(id EventID) SubscriberID {
	if b == nil || id == nil {
		return (&NilEventHandler{}).Subscribe(0)
	}

	b.mu.RLock()
	s := b.s
	b.mu.RUnlock()

	return s.Subscribe(id.Value())
}

// DefaultHandler returns the default event handler.
func DefaultHandler() *DefaultEventHandler {
	return &DefaultEventHandler{PubSub: pubsub.New[uint, any](10)}
}

// NilHandler returns a disabled event handler.
func NilHandler() *NilEventHandler {
	return &NilEventHandler{}
}

// Publish publishes an event to the event stream.
func (d *DefaultEventHandler) Publish(id uint, data any) {
	d.TryPub(data, id)
}

// Subscribe subscribes to an event from the event stream.
func (d *DefaultEventHandler) Subscribe(id uint) SubscriberID {
	ch := d.Sub(id)
	return SubscriberID{
		C:      ch,
		active: true,
		unsub: func() {
			go d.Unsub(ch, id)
		},
	}
}

// Publish does not do anything.
func (n *NilEventHandler) Publish(uint, any) {
}

// Subscribe does not do anything.
func (n *NilEventHandler) Subscribe(uint) SubscriberID {
	ch := make(chan any)
	close(ch)
	return SubscriberID{C: ch}
}
