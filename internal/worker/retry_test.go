package worker

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"avatarpipe/internal/job"
)

func TestRetryPolicy_Decide(t *testing.T) {
	p := RetryPolicy{Max: 3}
	tests := []struct {
		attempt int
		want    Decision
	}{
		{0, DecisionRetry},
		{1, DecisionRetry},
		{2, DecisionRetry},
		{3, DecisionDead},
		{7, DecisionDead},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, p.Decide(tt.attempt))
		})
	}

	assert.Equal(t, DecisionDead, RetryPolicy{Max: 0}.Decide(0))
}

func TestRetryPolicy_Envelope(t *testing.T) {
	m, err := job.Decode([]byte(`{"text":"hi","page_id":4,"retry":1}`))
	require.NoError(t, err)
	p := DefaultRetryPolicy()

	d, body, err := p.Envelope(m, 1, "render failed")
	require.NoError(t, err)
	assert.Equal(t, DecisionRetry, d)
	assert.Equal(t, job.StatusRetrying, d.Status())

	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, float64(2), out["retry"])
	assert.Equal(t, "render failed", out["last_error"])
	assert.Equal(t, float64(4), out["page_id"])

	d, body, err = p.Envelope(m, 3, "still failing")
	require.NoError(t, err)
	assert.Equal(t, DecisionDead, d)
	assert.Equal(t, job.StatusDead, d.Status())
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, float64(3), out["retry"])
}
