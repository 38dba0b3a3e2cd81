// Package progress fans pipeline stage transitions out to live listeners.
// Delivery is best effort: events for jobs nobody watches, or for listeners
// that fall behind, are dropped.
package progress

import (
	"sync"
	"time"
)

// Type classifies a progress event.
type Type string

const (
	TypeStart       Type = "start"
	TypeSynthesized Type = "segment-synthesized"
	TypeRendered    Type = "segment-rendered"
	TypeMerging     Type = "merging"
	TypeDone        Type = "done"
	TypeError       Type = "error"
)

// Terminal reports whether the type ends a job's stream.
func (t Type) Terminal() bool {
	return t == TypeDone || t == TypeError
}

// Event is one stage transition of a job.
type Event struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	JobID     string    `json:"job_id"`
	RequestID string    `json:"request_id,omitempty"`
	Type      Type      `json:"type"`
	Segment   int       `json:"segment,omitempty"`
	Total     int       `json:"total,omitempty"`
	Clip      string    `json:"clip,omitempty"`
	Clips     []string  `json:"clips,omitempty"`
	Merged    string    `json:"merged,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Publisher is what pipeline stages need from the bus.
type Publisher interface {
	Publish(e Event) Event
}

type subscriber struct {
	ch     chan Event
	closed bool
}

// Bus holds per-job listener channels plus firehose listeners.
type Bus struct {
	mu      sync.Mutex
	buffer  int
	nextSeq int64
	jobs    map[string]map[*subscriber]struct{}
	all     map[*subscriber]struct{}
	dropped int64
}

// NewBus creates a bus whose listener channels hold buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 100
	}
	return &Bus{
		buffer: buffer,
		jobs:   make(map[string]map[*subscriber]struct{}),
		all:    make(map[*subscriber]struct{}),
	}
}

// Subscribe attaches a listener to one job. The channel is closed after the
// job's terminal event or when cancel is called.
func (b *Bus) Subscribe(jobID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &subscriber{ch: make(chan Event, b.buffer)}
	set, ok := b.jobs[jobID]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.jobs[jobID] = set
	}
	set[s] = struct{}{}

	return s.ch, func() { b.detach(jobID, s) }
}

// SubscribeAll attaches a listener to every job. Only cancel closes it.
func (b *Bus) SubscribeAll() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &subscriber{ch: make(chan Event, b.buffer)}
	b.all[s] = struct{}{}

	return s.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.all[s]; ok {
			delete(b.all, s)
			closeSub(s)
		}
	}
}

// Publish stamps the event and offers it to every listener without blocking.
func (b *Bus) Publish(e Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	e.Seq = b.nextSeq
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	for s := range b.jobs[e.JobID] {
		b.offer(s, e)
	}
	for s := range b.all {
		b.offer(s, e)
	}

	if e.Type.Terminal() {
		for s := range b.jobs[e.JobID] {
			closeSub(s)
		}
		delete(b.jobs, e.JobID)
	}
	return e
}

// Listeners returns the number of per-job listeners attached to jobID.
func (b *Bus) Listeners(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.jobs[jobID])
}

// Firehose returns the number of SubscribeAll listeners.
func (b *Bus) Firehose() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.all)
}

// Dropped is the number of events discarded because a listener was full.
func (b *Bus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *Bus) offer(s *subscriber, e Event) {
	select {
	case s.ch <- e:
	default:
		b.dropped++
	}
}

func (b *Bus) detach(jobID string, s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.jobs[jobID]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	closeSub(s)
	if len(set) == 0 {
		delete(b.jobs, jobID)
	}
}

func closeSub(s *subscriber) {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(e Event) Event { return e }
