package worker

import (
	"time"

	"avatarpipe/internal/job"
)

// Decision is what happens to a failed delivery.
type Decision int

const (
	// DecisionRetry republishes to the input queue with retry+1.
	DecisionRetry Decision = iota + 1
	// DecisionDead publishes to the error queue; the job is never retried again.
	DecisionDead
)

func (d Decision) String() string {
	switch d {
	case DecisionRetry:
		return "retry"
	case DecisionDead:
		return "dead"
	}
	return "unknown"
}

// Status is the job state a decision leads to.
func (d Decision) Status() job.Status {
	if d == DecisionRetry {
		return job.StatusRetrying
	}
	return job.StatusDead
}

// RetryPolicy retries every stage failure the same way, counting attempts
// through the retry field of the message. A job runs at most Max+1 times.
type RetryPolicy struct {
	Max      int
	Cooldown time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Max: 3, Cooldown: 5 * time.Second}
}

// Decide classifies a failure of a delivery that carried retry=attempt.
func (p RetryPolicy) Decide(attempt int) Decision {
	if attempt < p.Max {
		return DecisionRetry
	}
	return DecisionDead
}

// Envelope builds the message to publish for a failed delivery: the input
// payload with retry and last_error replaced.
func (p RetryPolicy) Envelope(msg *job.Message, attempt int, lastError string) (Decision, []byte, error) {
	d := p.Decide(attempt)
	next := attempt
	if d == DecisionRetry {
		next = attempt + 1
	}
	body, err := msg.Envelope(next, lastError)
	return d, body, err
}
