package queue

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// MemoryBroker is an in-process broker with AMQP-like ack semantics. It backs
// BROKER_BACKEND=memory and the dispatcher tests.
type MemoryBroker struct {
	mu       sync.Mutex
	queues   map[string][][]byte
	changed  chan struct{}
	sessions []*MemorySession
	dials    int
	acks     int
	nacks    int

	// PublishErr, when set, is consulted before every publish. Set it
	// before dialing.
	PublishErr func(queue string) error
	// DialErr, when set, is consulted before every dial.
	DialErr func(attempt int) error
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{queues: map[string][][]byte{}, changed: make(chan struct{})}
}

// Push appends a message to queue.
func (b *MemoryBroker) Push(queue string, body []byte) {
	b.mu.Lock()
	b.queues[queue] = append(b.queues[queue], append([]byte(nil), body...))
	b.broadcastLocked()
	b.mu.Unlock()
}

func (b *MemoryBroker) pushFront(queue string, body []byte) {
	b.mu.Lock()
	b.queues[queue] = append([][]byte{body}, b.queues[queue]...)
	b.broadcastLocked()
	b.mu.Unlock()
}

func (b *MemoryBroker) broadcastLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// Messages returns a copy of what is waiting in queue.
func (b *MemoryBroker) Messages(queue string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.queues[queue]))
	copy(out, b.queues[queue])
	return out
}

// Len is the number of messages waiting in queue.
func (b *MemoryBroker) Len(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue])
}

// Stats reports dials, acks and nacks so far.
func (b *MemoryBroker) Stats() (dials, acks, nacks int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials, b.acks, b.nacks
}

// Unacked counts deliveries held by live sessions.
func (b *MemoryBroker) Unacked() int {
	b.mu.Lock()
	sessions := append([]*MemorySession(nil), b.sessions...)
	b.mu.Unlock()
	n := 0
	for _, s := range sessions {
		s.mu.Lock()
		n += len(s.pending)
		s.mu.Unlock()
	}
	return n
}

// Drop simulates a lost connection: every live session ends and its unacked
// deliveries return to the front of their queue.
func (b *MemoryBroker) Drop() {
	b.mu.Lock()
	sessions := b.sessions
	b.sessions = nil
	b.mu.Unlock()
	for _, s := range sessions {
		s.shutdown(fmt.Errorf("memory broker: connection dropped"))
	}
}

func (b *MemoryBroker) pop(queue string) ([]byte, bool, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[queue]
	if len(q) == 0 {
		return nil, false, b.changed
	}
	body := q[0]
	b.queues[queue] = q[1:]
	return body, true, nil
}

// Dialer returns a Dialer opening sessions with topo.
func (b *MemoryBroker) Dialer(topo Topology) Dialer {
	return memoryDialer{b: b, topo: topo}
}

type memoryDialer struct {
	b    *MemoryBroker
	topo Topology
}

func (d memoryDialer) Dial(ctx context.Context) (Session, error) {
	b := d.b
	b.mu.Lock()
	b.dials++
	attempt := b.dials
	hook := b.DialErr
	b.mu.Unlock()
	if hook != nil {
		if err := hook(attempt); err != nil {
			return nil, err
		}
	}

	s := &MemorySession{
		lifecycle: newLifecycle(),
		b:         b,
		topo:      d.topo,
		w:         newWriter(),
		pending:   map[uint64][]byte{},
	}
	if !d.topo.PublishOnly {
		s.deliveries = make(chan Delivery)
		s.tokens = make(chan struct{}, d.topo.prefetch())
		go s.consume()
	}

	b.mu.Lock()
	b.sessions = append(b.sessions, s)
	b.mu.Unlock()
	return s, nil
}

// MemorySession consumes one queue of a MemoryBroker.
type MemorySession struct {
	*lifecycle
	b          *MemoryBroker
	topo       Topology
	w          *writer
	deliveries chan Delivery
	tokens     chan struct{}

	mu      sync.Mutex
	nextTag uint64
	pending map[uint64][]byte
}

func (s *MemorySession) consume() {
	defer close(s.deliveries)
	for {
		select {
		case s.tokens <- struct{}{}:
		case <-s.done:
			return
		}

		var body []byte
		for {
			b, ok, wait := s.b.pop(s.topo.Input)
			if ok {
				body = b
				break
			}
			select {
			case <-wait:
			case <-s.done:
				return
			}
		}

		s.mu.Lock()
		s.nextTag++
		tag := s.nextTag
		s.pending[tag] = body
		s.mu.Unlock()

		select {
		case s.deliveries <- Delivery{Tag: tag, Body: body}:
		case <-s.done:
			return
		}
	}
}

func (s *MemorySession) Deliveries() <-chan Delivery { return s.deliveries }

func (s *MemorySession) take(tag uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.pending[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, tag)
	}
	delete(s.pending, tag)
	select {
	case <-s.tokens:
	default:
	}
	return body, nil
}

func (s *MemorySession) Ack(ctx context.Context, tag uint64) error {
	return s.w.do(ctx, func() error {
		if _, err := s.take(tag); err != nil {
			return err
		}
		s.b.mu.Lock()
		s.b.acks++
		s.b.mu.Unlock()
		return nil
	})
}

func (s *MemorySession) Nack(ctx context.Context, tag uint64, requeue bool) error {
	return s.w.do(ctx, func() error {
		body, err := s.take(tag)
		if err != nil {
			return err
		}
		s.b.mu.Lock()
		s.b.nacks++
		s.b.mu.Unlock()
		if requeue {
			s.b.pushFront(s.topo.Input, body)
		}
		return nil
	})
}

func (s *MemorySession) Publish(ctx context.Context, queue string, body []byte) error {
	return s.w.do(ctx, func() error {
		s.b.mu.Lock()
		hook := s.b.PublishErr
		s.b.mu.Unlock()
		if hook != nil {
			if err := hook(queue); err != nil {
				return err
			}
		}
		s.b.Push(queue, body)
		return nil
	})
}

func (s *MemorySession) Close() error {
	s.shutdown(ErrSessionClosed)
	return nil
}

// shutdown ends the session and requeues whatever it still holds.
func (s *MemorySession) shutdown(reason error) {
	if s.ended() {
		return
	}
	s.end(reason)
	s.w.close()

	s.mu.Lock()
	held := make([]uint64, 0, len(s.pending))
	for tag := range s.pending {
		held = append(held, tag)
	}
	slices.Sort(held)
	bodies := make([][]byte, 0, len(held))
	for _, tag := range held {
		bodies = append(bodies, s.pending[tag])
	}
	s.pending = map[uint64][]byte{}
	s.mu.Unlock()

	for i := len(bodies) - 1; i >= 0; i-- {
		s.b.pushFront(s.topo.Input, bodies[i])
	}
}
