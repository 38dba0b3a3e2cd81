package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"avatarpipe/internal/pkg/errors"
	"avatarpipe/internal/pkg/logger"
)

// RedisDialer opens sessions on Redis lists. Producers LPUSH; the consumer
// moves the oldest element into <input>:processing with BLMOVE and removes it
// from there on ack, so a crashed worker's messages are recovered on the next
// dial.
type RedisDialer struct {
	Client   *redis.Client
	Topology Topology
	Log      *logger.Logger
	// PollTimeout bounds each blocking move; defaults to one second.
	PollTimeout time.Duration
}

// RedisSession is a consumer over a Redis list.
type RedisSession struct {
	*lifecycle
	rdb        *redis.Client
	topo       Topology
	processing string
	poll       time.Duration
	w          *writer
	deliveries chan Delivery
	tokens     chan struct{}
	cancel     context.CancelFunc
	log        *logger.Logger

	mu      sync.Mutex
	nextTag uint64
	pending map[uint64]string
}

// ProcessingKey is the list holding in-flight messages for queue.
func ProcessingKey(queue string) string {
	return queue + ":processing"
}

func (d *RedisDialer) Dial(ctx context.Context) (Session, error) {
	log := d.Log
	if log == nil {
		log = logger.Discard()
	}
	log = log.WithComponent("redis_queue")

	if err := d.Client.Ping(ctx).Err(); err != nil {
		return nil, errors.BrokerTransport(err, "redis.ping")
	}

	poll := d.PollTimeout
	if poll <= 0 {
		poll = time.Second
	}
	s := &RedisSession{
		lifecycle:  newLifecycle(),
		rdb:        d.Client,
		topo:       d.Topology,
		processing: ProcessingKey(d.Topology.Input),
		poll:       poll,
		w:          newWriter(),
		pending:    map[uint64]string{},
		log:        log,
	}

	if !s.topo.PublishOnly {
		n, err := s.recover(ctx)
		if err != nil {
			s.w.close()
			return nil, err
		}
		if n > 0 {
			log.Warn("requeued in-flight messages from a previous session", "count", n)
		}

		runCtx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.deliveries = make(chan Delivery)
		s.tokens = make(chan struct{}, s.topo.prefetch())
		go s.consume(runCtx)
	}

	log.Info("connected to broker", "queue", s.topo.Input, "prefetch", s.topo.prefetch())
	return s, nil
}

// recover moves everything left in the processing list back to the input.
func (s *RedisSession) recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := s.rdb.LMove(ctx, s.processing, s.topo.Input, "LEFT", "RIGHT").Err()
		if err == redis.Nil {
			return n, nil
		}
		if err != nil {
			return n, errors.BrokerTransport(err, "redis.recover")
		}
		n++
	}
}

func (s *RedisSession) consume(ctx context.Context) {
	defer close(s.deliveries)
	for {
		select {
		case s.tokens <- struct{}{}:
		case <-ctx.Done():
			return
		}

		body, err := s.rdb.BLMove(ctx, s.topo.Input, s.processing, "RIGHT", "LEFT", s.poll).Result()
		if err == redis.Nil {
			<-s.tokens
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.end(errors.BrokerTransport(err, "redis.blmove"))
			return
		}

		s.mu.Lock()
		s.nextTag++
		tag := s.nextTag
		s.pending[tag] = body
		s.mu.Unlock()

		select {
		case s.deliveries <- Delivery{Tag: tag, Body: []byte(body)}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *RedisSession) Deliveries() <-chan Delivery { return s.deliveries }

func (s *RedisSession) take(tag uint64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.pending[tag]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownTag, tag)
	}
	delete(s.pending, tag)
	return body, nil
}

func (s *RedisSession) release() {
	select {
	case <-s.tokens:
	default:
	}
}

func (s *RedisSession) Ack(ctx context.Context, tag uint64) error {
	return s.w.do(ctx, func() error {
		body, err := s.take(tag)
		if err != nil {
			return err
		}
		defer s.release()
		if err := s.rdb.LRem(ctx, s.processing, 1, body).Err(); err != nil {
			return errors.BrokerTransport(err, "redis.ack")
		}
		return nil
	})
}

// Nack drops the message from the processing list and, with requeue, puts
// it back at the head of the input queue.
func (s *RedisSession) Nack(ctx context.Context, tag uint64, requeue bool) error {
	return s.w.do(ctx, func() error {
		body, err := s.take(tag)
		if err != nil {
			return err
		}
		defer s.release()
		_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.LRem(ctx, s.processing, 1, body)
			if requeue {
				p.RPush(ctx, s.topo.Input, body)
			}
			return nil
		})
		if err != nil {
			return errors.BrokerTransport(err, "redis.nack")
		}
		return nil
	})
}

func (s *RedisSession) Publish(ctx context.Context, queue string, body []byte) error {
	return s.w.do(ctx, func() error {
		if err := s.rdb.LPush(ctx, queue, body).Err(); err != nil {
			return errors.BrokerTransport(err, "redis.publish").WithField("queue", queue)
		}
		return nil
	})
}

// Close stops consuming. Unacked messages stay in the processing list until
// the next dial requeues them.
func (s *RedisSession) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.end(ErrSessionClosed)
	s.w.close()
	return nil
}
