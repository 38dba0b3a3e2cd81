package worker

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"avatarpipe/internal/job"
	"avatarpipe/internal/pkg/logger"
	"avatarpipe/internal/ports"
	"avatarpipe/internal/repositories"
	"avatarpipe/internal/worker/pipelinetest"
	"avatarpipe/internal/worker/pool"
	"avatarpipe/internal/worker/processor"
	"avatarpipe/internal/worker/queue"
	"avatarpipe/internal/worker/segment"
)

const (
	qIn    = "avatar_generated_tasks"
	qDone  = "avatar_generated_done"
	qError = "avatar_generated_errors"
)

type harness struct {
	broker    *queue.MemoryBroker
	synth     *pipelinetest.Synthesizer
	avatar    *pipelinetest.Renderer
	jobs      *repositories.MemoryJobRepository
	d         *Dispatcher
	cooldowns atomic.Int32

	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		broker: queue.NewMemoryBroker(),
		synth:  &pipelinetest.Synthesizer{},
		avatar: &pipelinetest.Renderer{},
		jobs:   repositories.NewMemoryJobRepository(100),
	}

	proc := processor.New(processor.Deps{
		Segmenter:   segment.NewSplitter(),
		Synthesizer: h.synth,
		Avatar:      h.avatar,
		Still:       &pipelinetest.Renderer{},
		Merger:      &pipelinetest.Merger{},
		Uploader:    pipelinetest.Uploader{Base: "https://files.example"},
		Workers:     pool.New(2),
		MediaRoot:   t.TempDir(),
		Log:         logger.Discard(),
	})

	topo := queue.Topology{Input: qIn, Done: qDone, Error: qError, Prefetch: 2}
	h.d = New(Deps{
		Dialer:    h.broker.Dialer(topo),
		Backoff:   queue.Backoff{Attempts: 3, Delay: time.Millisecond},
		Topology:  topo,
		Policy:    RetryPolicy{Max: 3, Cooldown: time.Hour},
		Processor: proc,
		Jobs:      h.jobs,
		Log:       logger.Discard(),
	})

	var seq atomic.Int32
	h.d.newID = func() string { return fmt.Sprintf("job%d", seq.Add(1)) }
	h.d.wait = func(context.Context, time.Duration) { h.cooldowns.Add(1) }
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.d.Run(ctx) }()
	t.Cleanup(h.stop)
	require.Eventually(t, h.d.Connected, 2*time.Second, 5*time.Millisecond)
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.cancel = nil
}

func decodeMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func TestDispatcher_EndToEnd(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.broker.Push(qIn, []byte(`{"text":"Hello world. This is a test.","page_id":7,"request_id":"r-1"}`))

	require.Eventually(t, func() bool { return h.broker.Len(qDone) == 1 }, 5*time.Second, 5*time.Millisecond)
	h.stop()

	out := decodeMap(t, h.broker.Messages(qDone)[0])
	assert.Equal(t, "job1", out["job_id"])
	assert.Equal(t, "done", out["status"])
	assert.Equal(t, float64(7), out["page_id"])
	assert.Equal(t, []any{"https://files.example/001.mp4", "https://files.example/002.mp4"}, out["clips"])
	assert.Equal(t, "https://files.example/job1.mp4", out["merged"])
	assert.NotContains(t, out, "text")

	assert.Zero(t, h.broker.Len(qIn))
	assert.Zero(t, h.broker.Len(qError))
	_, acks, nacks := h.broker.Stats()
	assert.Equal(t, 1, acks)
	assert.Zero(t, nacks)
	assert.Zero(t, h.cooldowns.Load())

	rec, err := h.jobs.Get(context.Background(), "job1")
	require.NoError(t, err)
	assert.Equal(t, "done", rec.Status)
	assert.Equal(t, "r-1", rec.RequestID)
	assert.Equal(t, "7", rec.PageID)
	assert.Len(t, rec.Clips, 2)
}

func TestDispatcher_RetriesThenDeadLetters(t *testing.T) {
	h := newHarness(t)
	h.avatar.Fail = func(ports.RenderRequest) error { return stderrors.New("cuda out of memory") }
	h.start(t)

	h.broker.Push(qIn, []byte(`{"text":"Hi.","content_id":"c1"}`))

	require.Eventually(t, func() bool { return h.broker.Len(qError) == 1 }, 5*time.Second, 5*time.Millisecond)
	h.stop()

	out := decodeMap(t, h.broker.Messages(qError)[0])
	assert.Equal(t, float64(3), out["retry"])
	assert.Contains(t, out["last_error"], "cuda out of memory")
	assert.Equal(t, "c1", out["content_id"])
	assert.Equal(t, "Hi.", out["text"])

	assert.Zero(t, h.broker.Len(qDone))
	assert.Zero(t, h.broker.Len(qIn))
	assert.Len(t, h.synth.Calls(), 4)
	assert.Len(t, h.avatar.Calls(), 4)
	assert.Equal(t, int32(3), h.cooldowns.Load())

	_, acks, nacks := h.broker.Stats()
	assert.Equal(t, 4, acks)
	assert.Zero(t, nacks)

	rec, err := h.jobs.Get(context.Background(), "job4")
	require.NoError(t, err)
	assert.Equal(t, "dead", rec.Status)
	assert.Equal(t, 3, rec.Attempt)
	assert.Contains(t, rec.LastError, "cuda out of memory")
}

func TestDispatcher_SucceedsOnLaterAttempt(t *testing.T) {
	h := newHarness(t)
	var renders atomic.Int32
	h.avatar.Fail = func(ports.RenderRequest) error {
		if renders.Add(1) <= 2 {
			return stderrors.New("transient")
		}
		return nil
	}
	h.start(t)

	h.broker.Push(qIn, []byte(`{"text":"Hi."}`))

	require.Eventually(t, func() bool { return h.broker.Len(qDone) == 1 }, 5*time.Second, 5*time.Millisecond)
	h.stop()

	assert.Equal(t, 1, h.broker.Len(qDone))
	assert.Zero(t, h.broker.Len(qError))
	assert.Len(t, h.avatar.Calls(), 3)

	out := decodeMap(t, h.broker.Messages(qDone)[0])
	assert.Equal(t, float64(2), out["retry"])
	assert.Contains(t, out["last_error"], "transient")
}

func TestDispatcher_DropsMalformed(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.broker.Push(qIn, []byte(`not json`))
	h.broker.Push(qIn, []byte(`{"gender":"m"}`))
	h.broker.Push(qIn, []byte(`[1,2,3]`))

	require.Eventually(t, func() bool {
		_, acks, _ := h.broker.Stats()
		return acks == 3
	}, 5*time.Second, 5*time.Millisecond)
	h.stop()

	assert.Empty(t, h.synth.Calls())
	assert.Zero(t, h.broker.Len(qDone))
	assert.Zero(t, h.broker.Len(qError))
	assert.Zero(t, h.broker.Len(qIn))
}

func TestDispatcher_PublishFailureRequeues(t *testing.T) {
	h := newHarness(t)
	var failed atomic.Bool
	h.broker.PublishErr = func(q string) error {
		if q == qDone && failed.CompareAndSwap(false, true) {
			return stderrors.New("channel closed")
		}
		return nil
	}
	h.start(t)

	h.broker.Push(qIn, []byte(`{"text":"Hi."}`))

	require.Eventually(t, func() bool { return h.broker.Len(qDone) == 1 }, 5*time.Second, 5*time.Millisecond)
	h.stop()

	_, acks, nacks := h.broker.Stats()
	assert.Equal(t, 1, nacks)
	assert.Equal(t, 1, acks)
	assert.Len(t, h.synth.Calls(), 2)

	// The redelivery is a new job.
	out := decodeMap(t, h.broker.Messages(qDone)[0])
	assert.Equal(t, "job2", out["job_id"])
}

func TestDispatcher_RetryPublishFailureRequeues(t *testing.T) {
	h := newHarness(t)
	h.d.policy = RetryPolicy{Max: 0}
	h.avatar.Fail = func(ports.RenderRequest) error { return stderrors.New("boom") }
	var failed atomic.Bool
	h.broker.PublishErr = func(q string) error {
		if q == qError && failed.CompareAndSwap(false, true) {
			return stderrors.New("channel closed")
		}
		return nil
	}
	h.start(t)

	h.broker.Push(qIn, []byte(`{"text":"Hi."}`))

	require.Eventually(t, func() bool { return h.broker.Len(qError) == 1 }, 5*time.Second, 5*time.Millisecond)
	h.stop()

	_, acks, nacks := h.broker.Stats()
	assert.Equal(t, 1, nacks)
	assert.Equal(t, 1, acks)
	out := decodeMap(t, h.broker.Messages(qError)[0])
	assert.Equal(t, float64(0), out["retry"])
}

func TestDispatcher_ReconnectsAfterDrop(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.broker.Drop()
	h.broker.Push(qIn, []byte(`{"text":"Hi."}`))

	require.Eventually(t, func() bool { return h.broker.Len(qDone) == 1 }, 5*time.Second, 5*time.Millisecond)
	h.stop()

	dials, _, _ := h.broker.Stats()
	assert.GreaterOrEqual(t, dials, 2)
}

func TestDispatcher_KeepsDialingWhileBrokerUnreachable(t *testing.T) {
	h := newHarness(t)
	// Two full backoff rounds fail before the broker comes up.
	h.broker.DialErr = func(attempt int) error {
		if attempt <= 7 {
			return stderrors.New("connection refused")
		}
		return nil
	}

	h.start(t)
	h.broker.Push(qIn, []byte(`{"text":"Hello."}`))
	require.Eventually(t, func() bool { return h.broker.Len(qDone) == 1 }, 5*time.Second, 5*time.Millisecond)
	h.stop()

	dials, _, _ := h.broker.Stats()
	assert.Equal(t, 8, dials)
}

func TestDispatcher_StopsDialingOnCancel(t *testing.T) {
	h := newHarness(t)
	h.broker.DialErr = func(int) error { return stderrors.New("connection refused") }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.d.Run(ctx) }()

	require.Eventually(t, func() bool {
		dials, _, _ := h.broker.Stats()
		return dials >= 6
	}, 5*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, h.d.Connected())
}

func TestDispatcher_Enqueue(t *testing.T) {
	h := newHarness(t)
	msg := &job.Message{Text: "Hi.", Gender: "f", Lang: "kk", UseAvatar: true, Merge: true}

	err := h.d.Enqueue(context.Background(), msg)
	assert.ErrorIs(t, err, ErrNotConnected)

	h.start(t)
	require.NoError(t, h.d.Enqueue(context.Background(), msg))

	require.Eventually(t, func() bool { return h.broker.Len(qDone) == 1 }, 5*time.Second, 5*time.Millisecond)
	h.stop()

	assert.False(t, h.d.Connected())
	calls := h.synth.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "f", calls[0].Gender)
}

func TestDispatcher_ShutdownWaitsForInFlightJobs(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	var once atomic.Bool
	h.avatar.Delay = func(ports.RenderRequest) time.Duration {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		return 100 * time.Millisecond
	}
	h.start(t)

	h.broker.Push(qIn, []byte(`{"text":"Hi."}`))
	<-started
	h.stop()

	assert.Equal(t, 1, h.broker.Len(qDone))
	_, acks, _ := h.broker.Stats()
	assert.Equal(t, 1, acks)
}
