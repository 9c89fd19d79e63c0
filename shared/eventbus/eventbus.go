// Package eventbus is a small in-memory pub/sub bus decoupling the
// monitoring core from report and alert consumers.
package eventbus

import (
	"context"
	"sync"
)

// Event carries one message on the bus. Payload is owned by the publisher
// and must not be mutated by subscribers.
type Event struct {
	Type    string
	Source  string
	Payload any
}

// Publisher publishes events.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Subscriber receives events for the topics it names.
type Subscriber interface {
	Handle(ctx context.Context, evt Event)
	Topics() []string
}

// Bus fans events out to registered subscribers. Dispatch runs on its own
// goroutine, so publishers never wait on subscriber work.
type Bus struct {
	mu    sync.RWMutex
	subs  map[string][]Subscriber
	queue chan Event
	stop  chan struct{}
}

// NewBus constructs a Bus with the given queue depth and starts dispatching.
func NewBus(buffer int) *Bus {
	b := &Bus{
		subs:  make(map[string][]Subscriber),
		queue: make(chan Event, buffer),
		stop:  make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *Bus) loop() {
	for {
		select {
		case evt := <-b.queue:
			b.dispatch(evt)
		case <-b.stop:
			return
		}
	}
}

// Close stops dispatching. Events still queued are dropped.
func (b *Bus) Close() { close(b.stop) }

// Register subscribes sub to every topic it reports.
func (b *Bus) Register(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range sub.Topics() {
		b.subs[t] = append(b.subs[t], sub)
	}
}

// Publish enqueues an event. Blocks only when the queue is full, and gives
// up when ctx is done.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	select {
	case b.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) dispatch(evt Event) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[evt.Type]...)
	b.mu.RUnlock()
	for _, s := range subs {
		go s.Handle(context.Background(), evt)
	}
}
