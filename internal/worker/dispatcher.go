package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"avatarpipe/internal/job"
	"avatarpipe/internal/models"
	"avatarpipe/internal/pkg/errors"
	"avatarpipe/internal/pkg/logger"
	"avatarpipe/internal/repositories"
	"avatarpipe/internal/worker/queue"
	"avatarpipe/internal/worker/util"
)

// ErrNotConnected is returned by Enqueue while no broker session is live.
var ErrNotConnected = stderrors.New("worker: broker not connected")

// brokerTimeout bounds every ack, nack and publish.
const brokerTimeout = 30 * time.Second

// Dispatcher consumes the input queue and drives each delivery through the
// pipeline and the retry policy.
type Dispatcher struct {
	dialer    queue.Dialer
	backoff   queue.Backoff
	topo      queue.Topology
	policy    RetryPolicy
	processor JobProcessor
	jobs      repositories.JobRepository
	log       *logger.Logger

	newID func() string
	// wait sleeps for d unless ctx ends first.
	wait func(ctx context.Context, d time.Duration)

	mu       sync.RWMutex
	session  queue.Session
	inflight sync.WaitGroup
}

func New(d Deps) *Dispatcher {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	return &Dispatcher{
		dialer:    d.Dialer,
		backoff:   d.Backoff,
		topo:      d.Topology,
		policy:    d.Policy,
		processor: d.Processor,
		jobs:      d.Jobs,
		log:       log.WithComponent("worker"),
		newID:     util.NewJobID,
		wait:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Connected reports whether a broker session is live.
func (d *Dispatcher) Connected() bool {
	return d.current() != nil
}

func (d *Dispatcher) current() queue.Session {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.session
}

func (d *Dispatcher) setSession(s queue.Session) {
	d.mu.Lock()
	d.session = s
	d.mu.Unlock()
}

// Enqueue publishes msg to the input queue on the live session.
func (d *Dispatcher) Enqueue(ctx context.Context, msg *job.Message) error {
	s := d.current()
	if s == nil {
		return ErrNotConnected
	}
	body, err := msg.Marshal()
	if err != nil {
		return err
	}
	return s.Publish(ctx, d.topo.Input, body)
}

// handle decodes one delivery. Malformed payloads are acked and dropped;
// valid ones run on their own goroutine, bounded by the session prefetch.
func (d *Dispatcher) handle(ctx context.Context, s queue.Session, dl queue.Delivery) {
	msg, err := job.Decode(dl.Body)
	if err != nil {
		d.log.Warn("dropping malformed message",
			"error", err.Error(),
			"bytes", len(dl.Body),
		)
		d.ack(s, dl.Tag)
		return
	}

	j := job.New(d.newID(), msg)
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		d.runJob(ctx, s, dl.Tag, j)
	}()
}

func (d *Dispatcher) runJob(ctx context.Context, s queue.Session, tag uint64, j *job.Job) {
	log := d.log.WithJobID(j.ID).WithAttempt(j.Attempt)
	_ = j.Transition(job.StatusProcessing)
	d.record(j, nil, nil)

	log.Info("processing job",
		"page_id", j.Message.StringField("page_id"),
		"content_id", j.Message.StringField("content_id"),
		"text_len", len(j.Message.Text),
	)
	start := time.Now()

	// Jobs outlive shutdown and reconnects; only the broker calls are bounded.
	jobCtx := logger.ContextWithJobID(context.WithoutCancel(ctx), j.ID)
	jobCtx = logger.ContextWithAttempt(jobCtx, j.Attempt)

	res, err := d.process(jobCtx, j)
	if err == nil {
		d.succeed(s, tag, j, res, log)
		log.Info("job completed", "clips", len(res.Clips), "duration_ms", time.Since(start).Milliseconds())
		return
	}

	log.Error("job failed",
		"code", string(errors.GetCode(err)),
		"error", err.Error(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	d.fail(ctx, s, tag, j, err, log)
}

// process calls the pipeline, converting a panic into a stage failure.
func (d *Dispatcher) process(ctx context.Context, j *job.Job) (res *job.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithJobID(j.ID).Error("pipeline panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			res, err = nil, errors.StageFailure(fmt.Errorf("panic: %v", r), "pipeline")
		}
	}()
	return d.processor.ProcessJob(ctx, j)
}

func (d *Dispatcher) succeed(s queue.Session, tag uint64, j *job.Job, res *job.Result, log *logger.Logger) {
	body, err := job.DoneMessage(j, res)
	if err == nil {
		err = d.publish(s, j.DoneQueue(d.topo.Done), body)
	}
	if err != nil {
		log.Error("failed to publish result, requeueing delivery", "error", err.Error())
		d.nack(s, tag)
		return
	}
	_ = j.Transition(job.StatusDone)
	d.record(j, res, nil)
	d.ack(s, tag)
}

// fail applies the retry policy. The delivery is acked only once the
// envelope is safely published; otherwise it goes back to the broker.
func (d *Dispatcher) fail(ctx context.Context, s queue.Session, tag uint64, j *job.Job, cause error, log *logger.Logger) {
	decision, body, err := d.policy.Envelope(j.Message, j.Attempt, cause.Error())
	if err != nil {
		log.Error("failed to build retry envelope", "error", err.Error())
		d.nack(s, tag)
		return
	}

	target := d.topo.Input
	if decision == DecisionDead {
		target = d.topo.Error
	}
	if err := d.publish(s, target, body); err != nil {
		log.Error("failed to publish envelope, requeueing delivery",
			"decision", decision.String(),
			"queue", target,
			"error", err.Error(),
		)
		d.nack(s, tag)
		return
	}

	_ = j.Transition(decision.Status())
	d.record(j, nil, cause)

	if decision == DecisionRetry {
		log.Warn("job requeued", "next_retry", j.Attempt+1, "max_retries", d.policy.Max)
		d.wait(ctx, d.policy.Cooldown)
	} else {
		log.Error("job dead-lettered", "queue", target, "retry", j.Attempt)
	}
	d.ack(s, tag)
}

func (d *Dispatcher) publish(s queue.Session, q string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), brokerTimeout)
	defer cancel()
	return s.Publish(ctx, q, body)
}

func (d *Dispatcher) ack(s queue.Session, tag uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), brokerTimeout)
	defer cancel()
	if err := s.Ack(ctx, tag); err != nil {
		d.log.Warn("ack failed, broker will redeliver", "tag", tag, "error", err.Error())
	}
}

func (d *Dispatcher) nack(s queue.Session, tag uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), brokerTimeout)
	defer cancel()
	if err := s.Nack(ctx, tag, true); err != nil {
		d.log.Warn("nack failed, broker will redeliver", "tag", tag, "error", err.Error())
	}
}

// record stores the job state. Repository errors never affect the job.
func (d *Dispatcher) record(j *job.Job, res *job.Result, cause error) {
	if d.jobs == nil {
		return
	}
	rec := &models.JobRecord{
		ID:        j.ID,
		RequestID: j.Message.StringField("request_id"),
		Status:    string(j.Status()),
		Attempt:   j.Attempt,
		TextLen:   len([]rune(j.Message.Text)),
		PageID:    j.Message.StringField("page_id"),
		ContentID: j.Message.StringField("content_id"),
	}
	if res != nil {
		rec.Clips = res.Clips
		rec.Segments = len(res.Clips)
		rec.Merged = res.Merged
	}
	if cause != nil {
		rec.LastError = cause.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.jobs.Upsert(ctx, rec); err != nil {
		d.log.WithJobID(j.ID).Warn("failed to record job state", "status", rec.Status, "error", err.Error())
	}
}
