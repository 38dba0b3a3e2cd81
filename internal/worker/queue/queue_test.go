package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"avatarpipe/internal/pkg/logger"
)

func TestTopology_InputArgs(t *testing.T) {
	tests := []struct {
		name string
		topo Topology
		want map[string]any
	}{
		{"none", Topology{}, nil},
		{"exchange only", Topology{DeadLetterExchange: "retry_exchange"}, map[string]any{"x-dead-letter-exchange": "retry_exchange"}},
		{"both", Topology{DeadLetterExchange: "dlx", DeadLetterKey: "k"}, map[string]any{
			"x-dead-letter-exchange":    "dlx",
			"x-dead-letter-routing-key": "k",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.topo.InputArgs())
		})
	}
}

type flakyDialer struct {
	fails int
	calls int
}

func (d *flakyDialer) Dial(ctx context.Context) (Session, error) {
	d.calls++
	if d.calls <= d.fails {
		return nil, errors.New("connection refused")
	}
	return NewMemoryBroker().Dialer(Topology{Input: "in", PublishOnly: true}).Dial(ctx)
}

func TestConnect_RetriesUntilSuccess(t *testing.T) {
	d := &flakyDialer{fails: 2}
	s, err := Connect(context.Background(), d, Backoff{Attempts: 5, Delay: time.Millisecond}, logger.Discard())
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, 3, d.calls)
}

func TestConnect_GivesUp(t *testing.T) {
	d := &flakyDialer{fails: 100}
	_, err := Connect(context.Background(), d, Backoff{Attempts: 3, Delay: time.Millisecond}, nil)
	require.Error(t, err)
	assert.Equal(t, 3, d.calls)
}

func TestConnect_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := &flakyDialer{fails: 100}
	_, err := Connect(ctx, d, Backoff{Attempts: 10, Delay: time.Hour}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, d.calls)
}

func TestWriter_SerializesCommands(t *testing.T) {
	w := newWriter()
	defer w.close()

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := w.do(context.Background(), func() error {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestWriter_Closed(t *testing.T) {
	w := newWriter()
	w.close()
	err := w.do(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrSessionClosed)
}
