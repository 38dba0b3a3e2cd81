package worker

import (
	"context"
	"errors"

	"avatarpipe/internal/worker/queue"
)

// Run builds a dispatcher from d and runs it until ctx ends.
func Run(ctx context.Context, d Deps) error {
	return New(d).Run(ctx)
}

// Run consumes the input queue, reconnecting whenever the session is lost or
// the broker is unreachable. It returns nil once ctx ends and every
// in-flight job has finished.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.inflight.Wait()

	for {
		s, err := queue.Connect(ctx, d.dialer, d.backoff, d.log)
		if err != nil {
			if ctx.Err() != nil {
				d.log.Info("worker context canceled, stopping")
				return nil
			}
			d.log.Warn("broker unreachable, retrying",
				"attempts", d.backoff.Attempts,
				"error", err.Error(),
			)
			sleepCtx(ctx, d.backoff.Delay)
			continue
		}

		d.setSession(s)
		d.log.Info("consuming",
			"queue", d.topo.Input,
			"prefetch", d.topo.Prefetch,
			"max_retries", d.policy.Max,
		)

		lost := d.consume(ctx, s)
		d.setSession(nil)

		if !lost {
			d.log.Info("waiting for in-flight jobs")
			d.inflight.Wait()
			_ = s.Close()
			d.log.Info("worker stopped")
			return nil
		}

		reason := s.Err()
		if reason == nil {
			reason = errors.New("deliveries closed")
		}
		d.log.Warn("broker session lost, reconnecting", "error", reason.Error())
		_ = s.Close()
	}
}

// consume hands deliveries to handle until ctx ends (false) or the session
// is lost (true).
func (d *Dispatcher) consume(ctx context.Context, s queue.Session) bool {
	deliveries := s.Deliveries()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-s.Done():
			return true
		case dl, ok := <-deliveries:
			if !ok {
				return true
			}
			d.handle(ctx, s, dl)
		}
	}
}
