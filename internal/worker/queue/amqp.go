package queue

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"avatarpipe/internal/pkg/errors"
	"avatarpipe/internal/pkg/logger"
)

// AMQPDialer opens RabbitMQ sessions.
type AMQPDialer struct {
	URL            string
	Topology       Topology
	Heartbeat      time.Duration
	BlockedTimeout time.Duration
	Log            *logger.Logger
}

// AMQPSession is a RabbitMQ connection with one channel. The channel is only
// touched by the writer goroutine after Dial returns.
type AMQPSession struct {
	*lifecycle
	topo       Topology
	conn       *amqp.Connection
	ch         *amqp.Channel
	w          *writer
	deliveries chan Delivery
	declared   map[string]bool
	log        *logger.Logger
}

func (d *AMQPDialer) Dial(ctx context.Context) (Session, error) {
	log := d.Log
	if log == nil {
		log = logger.Discard()
	}
	log = log.WithComponent("amqp")

	heartbeat := d.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 60 * time.Second
	}
	conn, err := amqp.DialConfig(d.URL, amqp.Config{
		Heartbeat: heartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(30 * time.Second),
	})
	if err != nil {
		return nil, errors.BrokerTransport(err, "amqp.dial")
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.BrokerTransport(err, "amqp.channel")
	}

	s := &AMQPSession{
		lifecycle: newLifecycle(),
		topo:      d.Topology,
		conn:      conn,
		ch:        ch,
		declared:  map[string]bool{},
		log:       log,
	}

	if err := s.declareInput(); err != nil {
		conn.Close()
		return nil, err
	}
	for _, q := range []string{s.topo.Done, s.topo.Error} {
		if q == "" || q == s.topo.Input {
			continue
		}
		if err := s.declarePassiveOrCreate(q); err != nil {
			conn.Close()
			return nil, err
		}
	}

	if !s.topo.PublishOnly {
		if err := ch.Qos(s.topo.prefetch(), 0, false); err != nil {
			conn.Close()
			return nil, errors.BrokerTransport(err, "amqp.qos")
		}
		msgs, err := ch.Consume(s.topo.Input, "", false, false, false, false, nil)
		if err != nil {
			conn.Close()
			return nil, errors.BrokerTransport(err, "amqp.consume")
		}
		s.deliveries = make(chan Delivery)
		go s.forward(msgs)
	}

	s.w = newWriter()
	go s.watch(d.BlockedTimeout)

	log.Info("connected to broker",
		"queue", s.topo.Input,
		"prefetch", s.topo.prefetch(),
		"publish_only", s.topo.PublishOnly,
	)
	return s, nil
}

func (s *AMQPSession) forward(msgs <-chan amqp.Delivery) {
	defer close(s.deliveries)
	for m := range msgs {
		select {
		case s.deliveries <- Delivery{Tag: m.DeliveryTag, Body: m.Body}:
		case <-s.done:
			return
		}
	}
	s.end(errors.BrokerTransport(fmt.Errorf("consumer channel closed"), "amqp.consume"))
}

// watch ends the session on connection or channel close, and closes a
// connection the broker keeps blocked longer than timeout.
func (s *AMQPSession) watch(timeout time.Duration) {
	connClosed := s.conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := s.ch.NotifyClose(make(chan *amqp.Error, 1))
	blocked := s.conn.NotifyBlocked(make(chan amqp.Blocking, 1))

	var expired <-chan time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		s.w.close()
	}()

	for {
		select {
		case err := <-connClosed:
			s.end(closeReason(err, "amqp.connection"))
			return
		case err := <-chClosed:
			s.end(closeReason(err, "amqp.channel"))
			s.conn.Close()
			return
		case b, ok := <-blocked:
			if !ok {
				blocked = nil
				continue
			}
			if b.Active && timeout > 0 && timer == nil {
				s.log.Warn("connection blocked by broker", "reason", b.Reason)
				timer = time.NewTimer(timeout)
				expired = timer.C
			} else if !b.Active && timer != nil {
				s.log.Info("connection unblocked")
				timer.Stop()
				timer, expired = nil, nil
			}
		case <-expired:
			s.log.Warn("connection blocked too long, closing", "timeout", timeout.String())
			s.end(errors.BrokerTransport(fmt.Errorf("blocked for %s", timeout), "amqp.blocked"))
			s.conn.Close()
			return
		case <-s.done:
			return
		}
	}
}

func closeReason(err *amqp.Error, op string) error {
	if err == nil {
		return errors.BrokerTransport(amqp.ErrClosed, op)
	}
	return errors.BrokerTransport(err, op)
}

func (s *AMQPSession) Deliveries() <-chan Delivery { return s.deliveries }

func (s *AMQPSession) Ack(ctx context.Context, tag uint64) error {
	return s.w.do(ctx, func() error {
		if err := s.ch.Ack(tag, false); err != nil {
			return errors.BrokerTransport(err, "amqp.ack")
		}
		return nil
	})
}

func (s *AMQPSession) Nack(ctx context.Context, tag uint64, requeue bool) error {
	return s.w.do(ctx, func() error {
		if err := s.ch.Nack(tag, false, requeue); err != nil {
			return errors.BrokerTransport(err, "amqp.nack")
		}
		return nil
	})
}

// Publish sends a persistent JSON message through the default exchange.
func (s *AMQPSession) Publish(ctx context.Context, queue string, body []byte) error {
	return s.w.do(ctx, func() error {
		var err error
		if queue == s.topo.Input {
			err = s.declareInput()
		} else {
			err = s.declarePassiveOrCreate(queue)
		}
		if err != nil {
			return err
		}
		if err := s.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		}); err != nil {
			return errors.BrokerTransport(err, "amqp.publish")
		}
		return nil
	})
}

func (s *AMQPSession) Close() error {
	if s.ended() {
		return nil
	}
	s.end(ErrSessionClosed)
	s.w.close()
	return s.conn.Close()
}

func (s *AMQPSession) declareInput() error {
	_, err := s.ch.QueueDeclare(s.topo.Input, true, false, false, false, amqp.Table(s.topo.InputArgs()))
	if err != nil {
		return errors.BrokerTransport(err, "amqp.declare").WithField("queue", s.topo.Input)
	}
	return nil
}

// declarePassiveOrCreate leaves an existing queue's arguments alone and only
// creates a plain durable queue when none exists. A failed passive declare
// closes the channel it ran on, so the probe uses a throwaway channel.
func (s *AMQPSession) declarePassiveOrCreate(queue string) error {
	if s.declared[queue] {
		return nil
	}
	probe, err := s.conn.Channel()
	if err != nil {
		return errors.BrokerTransport(err, "amqp.channel")
	}
	if _, err := probe.QueueDeclarePassive(queue, true, false, false, false, nil); err == nil {
		probe.Close()
		s.declared[queue] = true
		return nil
	}

	if _, err := s.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return errors.BrokerTransport(err, "amqp.declare").WithField("queue", queue)
	}
	s.declared[queue] = true
	return nil
}
