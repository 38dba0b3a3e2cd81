// Package queue connects the dispatcher to a message broker. A Session is one
// live connection: it consumes the input queue and carries every ack, nack and
// publish through a single writer goroutine.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"avatarpipe/internal/pkg/logger"
)

var (
	// ErrSessionClosed is returned for commands sent after the session ended.
	ErrSessionClosed = errors.New("queue: session closed")
	// ErrUnknownTag is returned when acking a delivery the session never handed out.
	ErrUnknownTag = errors.New("queue: unknown delivery tag")
)

// Delivery is one consumed message. Tag is only valid on the session that
// produced it.
type Delivery struct {
	Tag  uint64
	Body []byte
}

// Session is a live broker connection.
type Session interface {
	// Deliveries yields consumed messages until the session ends. Nil for
	// publish-only sessions.
	Deliveries() <-chan Delivery
	Ack(ctx context.Context, tag uint64) error
	Nack(ctx context.Context, tag uint64, requeue bool) error
	Publish(ctx context.Context, queue string, body []byte) error
	// Done is closed when the connection is lost or closed; Err tells why.
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens sessions against one broker.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// Topology names the queues a session declares and consumes.
type Topology struct {
	Input              string
	Done               string
	Error              string
	DeadLetterExchange string
	DeadLetterKey      string
	// Prefetch bounds unacknowledged deliveries.
	Prefetch int
	// PublishOnly skips consuming; used by the CLI.
	PublishOnly bool
}

// InputArgs are the arguments the input queue is declared with. Empty values
// are omitted so the declaration matches a queue created without them.
func (t Topology) InputArgs() map[string]any {
	args := map[string]any{}
	if t.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = t.DeadLetterExchange
	}
	if t.DeadLetterKey != "" {
		args["x-dead-letter-routing-key"] = t.DeadLetterKey
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

func (t Topology) prefetch() int {
	if t.Prefetch < 1 {
		return 1
	}
	return t.Prefetch
}

// Backoff bounds connection attempts.
type Backoff struct {
	Attempts int
	Delay    time.Duration
}

// Connect dials until a session opens, the attempts run out or ctx ends.
func Connect(ctx context.Context, d Dialer, b Backoff, log *logger.Logger) (Session, error) {
	if b.Attempts < 1 {
		b.Attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= b.Attempts; attempt++ {
		s, err := d.Dial(ctx)
		if err == nil {
			return s, nil
		}
		lastErr = err
		if log != nil {
			log.Warn("broker dial failed",
				"attempt", attempt,
				"max_attempts", b.Attempts,
				"error", err.Error(),
			)
		}
		if attempt == b.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.Delay):
		}
	}
	return nil, lastErr
}

// writer executes broker commands one at a time on its own goroutine.
type writer struct {
	cmds chan command
	stop chan struct{}
	once sync.Once
}

type command struct {
	run   func() error
	reply chan error
}

func newWriter() *writer {
	w := &writer{cmds: make(chan command), stop: make(chan struct{})}
	go w.loop()
	return w
}

func (w *writer) loop() {
	for {
		select {
		case c := <-w.cmds:
			c.reply <- c.run()
		case <-w.stop:
			return
		}
	}
}

// do sends fn to the writer goroutine and waits for its result.
func (w *writer) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case w.cmds <- command{run: fn, reply: reply}:
	case <-w.stop:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-w.stop:
		// The loop may have run fn just before stopping.
		select {
		case err := <-reply:
			return err
		default:
			return ErrSessionClosed
		}
	}
}

func (w *writer) close() {
	w.once.Do(func() { close(w.stop) })
}

// lifecycle tracks why and when a session ended.
type lifecycle struct {
	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
}

func newLifecycle() *lifecycle {
	return &lifecycle{done: make(chan struct{})}
}

func (l *lifecycle) end(err error) {
	l.once.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.done)
	})
}

func (l *lifecycle) Done() <-chan struct{} { return l.done }

func (l *lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *lifecycle) ended() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
