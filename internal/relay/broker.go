package relay

import (
	"context"
	"sync"
)

// Broker is the in-process Relay. Each subscription drains its own queue on
// a dedicated goroutine, so one slow consumer never blocks publishers or
// its siblings, and no event is dropped while the subscription lives.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*brokerSubscriber
	nextID      int64
}

type brokerSubscriber struct {
	id      int64
	handler Handler

	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	closed bool
}

// NewBroker constructs an empty in-process relay.
func NewBroker() *Broker {
	return &Broker{subscribers: make(map[string]map[int64]*brokerSubscriber)}
}

// Publish delivers the event to every current subscriber of the channel.
// It never blocks and never fails.
func (b *Broker) Publish(_ context.Context, channel string, event Event) error {
	if channel == "" || event.Name == "" {
		return nil
	}
	b.mu.RLock()
	subscribers := b.subscribers[channel]
	if len(subscribers) == 0 {
		b.mu.RUnlock()
		return nil
	}
	copies := make([]*brokerSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	b.mu.RUnlock()
	for _, subscriber := range copies {
		subscriber.enqueue(event)
	}
	return nil
}

// Subscribe registers a handler for a channel until the returned cancel
// function runs or the context ends.
func (b *Broker) Subscribe(ctx context.Context, channel string, handler Handler) (func(), error) {
	subscriber := &brokerSubscriber{
		id:      b.nextSequence(),
		handler: handler,
		wake:    make(chan struct{}, 1),
	}
	b.register(channel, subscriber)
	go subscriber.drain()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.unregister(channel, subscriber.id)
			subscriber.close()
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return cancel, nil
}

func (b *Broker) nextSequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

func (b *Broker) register(channel string, subscriber *brokerSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[channel]; !ok {
		b.subscribers[channel] = make(map[int64]*brokerSubscriber)
	}
	b.subscribers[channel][subscriber.id] = subscriber
}

func (b *Broker) unregister(channel string, subscriberID int64) {
	b.mu.Lock()
	subscribers := b.subscribers[channel]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(b.subscribers, channel)
		}
	}
	b.mu.Unlock()
}

func (s *brokerSubscriber) enqueue(event Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *brokerSubscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// drain runs the handler over queued events in publish order until close.
func (s *brokerSubscriber) drain() {
	for range s.wake {
		for {
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()
			for _, event := range batch {
				s.handler(event)
			}
		}
	}
}
