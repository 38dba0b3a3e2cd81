package worker

import (
	"context"

	"avatarpipe/internal/job"
	"avatarpipe/internal/pkg/logger"
	"avatarpipe/internal/repositories"
	"avatarpipe/internal/worker/queue"
)

// JobProcessor runs the pipeline of one job.
type JobProcessor interface {
	ProcessJob(ctx context.Context, j *job.Job) (*job.Result, error)
}

type Deps struct {
	Dialer   queue.Dialer
	Backoff  queue.Backoff
	Topology queue.Topology
	Policy   RetryPolicy

	Processor JobProcessor
	// Jobs records state transitions; optional.
	Jobs repositories.JobRepository
	Log  *logger.Logger
}
