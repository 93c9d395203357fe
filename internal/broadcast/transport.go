package broadcast

import (
	"context"
	"errors"
	"sync"
)

// ErrTransportClosed is returned by a transport after Close.
var ErrTransportClosed = errors.New("broadcast transport closed")

// Transport is the pub/sub substrate the gateway publishes through.
type Transport interface {
	Publish(ctx context.Context, topic string, msg []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

// Subscription delivers the raw messages published on one topic.
// C is closed once the subscription ends.
type Subscription interface {
	C() <-chan []byte
	Close() error
}

const subscriptionBuffer = 64

// MemoryTransport is an in-process Transport. Slow subscribers drop messages
// rather than block publishers.
type MemoryTransport struct {
	mu     sync.Mutex
	subs   map[string]map[*memorySubscription]struct{}
	closed bool
}

var _ Transport = (*MemoryTransport)(nil)

// NewMemoryTransport returns an empty in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{subs: make(map[string]map[*memorySubscription]struct{})}
}

func (t *MemoryTransport) Publish(_ context.Context, topic string, msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}
	for sub := range t.subs[topic] {
		select {
		case sub.ch <- msg:
		default:
		}
	}
	return nil
}

func (t *MemoryTransport) Subscribe(_ context.Context, topic string) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTransportClosed
	}
	sub := &memorySubscription{
		transport: t,
		topic:     topic,
		ch:        make(chan []byte, subscriptionBuffer),
	}
	if t.subs[topic] == nil {
		t.subs[topic] = make(map[*memorySubscription]struct{})
	}
	t.subs[topic][sub] = struct{}{}
	return sub, nil
}

// Close ends every subscription and rejects further publishes.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	for _, subs := range t.subs {
		for sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	t.subs = nil
	return nil
}

func (t *MemoryTransport) remove(sub *memorySubscription) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if subs, ok := t.subs[sub.topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(t.subs, sub.topic)
		}
	}
	sub.once.Do(func() { close(sub.ch) })
}

type memorySubscription struct {
	transport *MemoryTransport
	topic     string
	ch        chan []byte
	once      sync.Once
}

func (s *memorySubscription) C() <-chan []byte { return s.ch }

func (s *memorySubscription) Close() error {
	s.transport.remove(s)
	return nil
}
