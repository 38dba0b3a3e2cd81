// Package handlers implements the job API: enqueue, job lookup, progress
// streams and merged video downloads.
package handlers

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"avatarpipe/internal/job"
	"avatarpipe/internal/pkg/logger"
	"avatarpipe/internal/ports"
	"avatarpipe/internal/progress"
	"avatarpipe/internal/repositories"
)

// Enqueuer publishes messages to the input queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg *job.Message) error
	Connected() bool
}

// Events is the subscription side of the progress bus.
type Events interface {
	Subscribe(jobID string) (<-chan progress.Event, func())
	SubscribeAll() (<-chan progress.Event, func())
}

type Deps struct {
	Queue     Enqueuer
	InputName string
	Jobs      repositories.JobRepository
	Events    Events
	MediaRoot string

	// Optional dependencies probed by the deep health check.
	RDB *redis.Client
	SP  ports.StorageProvider

	// PingInterval spaces keep-alive comments on event streams.
	PingInterval time.Duration
	Version      string
	Log          *logger.Logger
}

type Handler struct {
	queue     Enqueuer
	inputName string
	jobs      repositories.JobRepository
	events    Events
	mediaRoot string
	rdb       *redis.Client
	sp        ports.StorageProvider
	ping      time.Duration
	version   string
	log       *logger.Logger
	newID     func() string
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	ping := d.PingInterval
	if ping <= 0 {
		ping = 15 * time.Second
	}
	version := d.Version
	if version == "" {
		version = "dev"
	}
	return &Handler{
		queue:     d.Queue,
		inputName: d.InputName,
		jobs:      d.Jobs,
		events:    d.Events,
		mediaRoot: d.MediaRoot,
		rdb:       d.RDB,
		sp:        d.SP,
		ping:      ping,
		version:   version,
		log:       log.WithComponent("api"),
		newID:     newRequestID,
	}
}
