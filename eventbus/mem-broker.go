package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

const memQueueSize = 1024

type memMsg struct {
	body        []byte
	redelivered bool
}

type memQueue struct {
	msgs chan memMsg
}

// MemoryBroker is an in-process broker with one queue per topic. A topic is
// routable once it has been declared or subscribed to. Messages nacked twice
// or rejected end up in the topic's dead letters.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	dead   map[string][][]byte
	closed bool
	wg     sync.WaitGroup
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues: make(map[string]*memQueue),
		dead:   make(map[string][][]byte),
	}
}

// Declare creates the queue for topic without consuming from it.
func (b *MemoryBroker) Declare(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue(topic)
}

func (b *MemoryBroker) queue(topic string) *memQueue {
	q, ok := b.queues[topic]
	if !ok {
		q = &memQueue{msgs: make(chan memMsg, memQueueSize)}
		b.queues[topic] = q
	}
	return q
}

func (b *MemoryBroker) Publish(ctx context.Context, topic string, body []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("broker closed")
	}
	q, ok := b.queues[topic]
	b.mu.Unlock()
	if !ok {
		return ErrUnroutable
	}
	msg := memMsg{body: append([]byte(nil), body...)}
	select {
	case q.msgs <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBroker) Subscribe(ctx context.Context, topic string, h DeliveryHandler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("broker closed")
	}
	q := b.queue(topic)
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-q.msgs:
				disp := h(ctx, Delivery{Topic: topic, Body: msg.body, Redelivered: msg.redelivered})
				switch {
				case disp == Ack:
				case disp == Nack && !msg.redelivered:
					msg.redelivered = true
					select {
					case q.msgs <- msg:
					default:
						b.deadLetter(topic, msg.body)
					}
				default:
					b.deadLetter(topic, msg.body)
				}
			}
		}
	}()
	return nil
}

func (b *MemoryBroker) deadLetter(topic string, body []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dead[topic] = append(b.dead[topic], body)
}

// DeadLetters returns the messages dead-lettered on topic so far.
func (b *MemoryBroker) DeadLetters(topic string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.dead[topic]...)
}

// Pending is the number of queued, undelivered messages on topic.
func (b *MemoryBroker) Pending(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[topic]
	if !ok {
		return 0
	}
	return len(q.msgs)
}

func (b *MemoryBroker) Bind(_ context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[topic]; !ok {
		return fmt.Errorf("%w: %s", ErrUnroutable, topic)
	}
	return nil
}

// Close stops accepting messages and waits for consumers whose context has
// been cancelled to return.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}
