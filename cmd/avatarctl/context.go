package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"avatarpipe/internal/config"
	"avatarpipe/internal/pkg/logger"
	"avatarpipe/internal/worker"
	"avatarpipe/internal/worker/queue"
)

var errMemoryBroker = errors.New("the memory broker only exists inside a worker process; set BROKER_BACKEND to amqp or redis")

// dialFunc opens a dialer for cfg; release frees whatever it allocated.
type dialFunc func(cfg *config.Config, topo queue.Topology, log *logger.Logger) (d queue.Dialer, release func(), err error)

type commandContext struct {
	configOnce sync.Once
	config     *config.Config
	configErr  error

	log  *logger.Logger
	dial dialFunc
}

func newCommandContext() *commandContext {
	return &commandContext{
		log: logger.New(logger.Config{
			Level:       getEnv("LOG_LEVEL", "warn"),
			Format:      "text",
			Output:      os.Stderr,
			ServiceName: "avatarctl",
		}),
		dial: dialBroker,
	}
}

// ensureConfig loads the environment without the worker-only checks.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		c.config, c.configErr = config.LoadUnchecked()
	})
	return c.config, c.configErr
}

// withSession opens a publish-only broker session for the duration of fn.
func (c *commandContext) withSession(ctx context.Context, fn func(s queue.Session, cfg *config.Config) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateBroker(); err != nil {
		return err
	}

	topo := worker.TopologyFromConfig(cfg, true)
	dialer, release, err := c.dial(cfg, topo, c.log)
	if err != nil {
		return err
	}
	defer release()

	s, err := queue.Connect(ctx, dialer, worker.BackoffFromConfig(cfg), c.log)
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	defer s.Close()

	return fn(s, cfg)
}

func dialBroker(cfg *config.Config, topo queue.Topology, log *logger.Logger) (queue.Dialer, func(), error) {
	switch cfg.BrokerBackend {
	case "memory":
		return nil, nil, errMemoryBroker
	case "redis":
		rdb := worker.NewRedisClient(cfg)
		d, err := worker.NewDialer(cfg, topo, rdb, log)
		if err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		return d, func() { _ = rdb.Close() }, nil
	default:
		d, err := worker.NewDialer(cfg, topo, nil, log)
		if err != nil {
			return nil, nil, err
		}
		return d, func() {}, nil
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
