package worker

import (
	"fmt"
	"net/url"

	"github.com/redis/go-redis/v9"

	"avatarpipe/internal/config"
	"avatarpipe/internal/pkg/logger"
	"avatarpipe/internal/ports"
	"avatarpipe/internal/progress"
	"avatarpipe/internal/worker/actions"
	"avatarpipe/internal/worker/gpu"
	"avatarpipe/internal/worker/media"
	"avatarpipe/internal/worker/pool"
	"avatarpipe/internal/worker/processor"
	"avatarpipe/internal/worker/queue"
	"avatarpipe/internal/worker/renderer"
	"avatarpipe/internal/worker/segment"
	"avatarpipe/internal/worker/tts"
)

// TopologyFromConfig names the queues; publishOnly sessions skip consuming.
func TopologyFromConfig(cfg *config.Config, publishOnly bool) queue.Topology {
	return queue.Topology{
		Input:              cfg.QueueIn,
		Done:               cfg.QueueDone,
		Error:              cfg.QueueError,
		DeadLetterExchange: cfg.DeadLetterX,
		DeadLetterKey:      cfg.DeadLetterKey,
		Prefetch:           cfg.MaxWorkers,
		PublishOnly:        publishOnly,
	}
}

// BackoffFromConfig bounds broker connection attempts.
func BackoffFromConfig(cfg *config.Config) queue.Backoff {
	return queue.Backoff{Attempts: cfg.ConnectTries, Delay: cfg.RetryDelay}
}

// NewRedisClient returns the client for BROKER_BACKEND=redis.
func NewRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewDialer opens sessions on the configured broker. rdb is required for
// the redis backend and ignored otherwise.
func NewDialer(cfg *config.Config, topo queue.Topology, rdb *redis.Client, log *logger.Logger) (queue.Dialer, error) {
	switch cfg.BrokerBackend {
	case "amqp":
		return &queue.AMQPDialer{
			URL:            cfg.BrokerURL(),
			Topology:       topo,
			Heartbeat:      cfg.Heartbeat,
			BlockedTimeout: cfg.BlockedTimeout,
			Log:            log,
		}, nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis broker needs a client")
		}
		return &queue.RedisDialer{Client: rdb, Topology: topo, Log: log}, nil
	case "memory":
		return queue.NewMemoryBroker().Dialer(topo), nil
	default:
		return nil, fmt.Errorf("unknown broker backend: %s", cfg.BrokerBackend)
	}
}

// RedactedBrokerURL is the broker URL with the password masked, for logs.
func RedactedBrokerURL(cfg *config.Config) string {
	u, err := url.Parse(cfg.BrokerURL())
	if err != nil {
		return "amqp://"
	}
	return u.Redacted()
}

// NewProcessor builds the pipeline from configuration: edge-tts synthesis,
// Wav2Lip or remote avatar rendering, still renders for useAvatar=false and
// ffmpeg concat merges.
func NewProcessor(cfg *config.Config, up ports.Uploader, bus progress.Publisher, log *logger.Logger) *processor.Processor {
	runner := media.ExecRunner{}

	var avatar ports.Renderer
	switch cfg.RenderBackend {
	case "http":
		avatar = renderer.NewHTTPClient(cfg.RendererBaseURL)
	default:
		avatar = renderer.NewWav2Lip(renderer.Wav2LipConfig{
			Python:      cfg.PythonBin,
			Dir:         cfg.Wav2LipDir,
			Checkpoint:  cfg.Wav2LipCheckpoint,
			TemplateDir: cfg.TemplateDir,
			CUDADevices: cfg.CUDADevices,
		}, runner)
	}

	return processor.New(processor.Deps{
		Segmenter:    segment.NewSplitter(),
		Synthesizer:  tts.NewEdgeTTS(cfg.EdgeTTSBin, cfg.FFmpegBin, runner),
		Avatar:       avatar,
		Still:        renderer.NewStill(cfg.FFmpegBin, cfg.GreenBGImage, runner),
		Merger:       media.NewConcat(cfg.FFmpegBin, runner),
		Uploader:     up,
		Actions:      actions.NewPool(cfg.ActionPoolSize),
		GPU:          gpu.New(cfg.GPUSlots),
		Workers:      pool.New(cfg.MaxWorkers),
		Progress:     bus,
		MediaRoot:    cfg.MediaRoot,
		CleanupLocal: cfg.CleanupLocalAudio,
		Log:          log,
	})
}
