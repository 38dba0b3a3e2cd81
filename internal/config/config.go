package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalid         = errors.New("invalid configuration")
)

type Config struct {
	// Broker
	BrokerBackend  string        `envconfig:"BROKER_BACKEND" default:"amqp"`
	AMQPURL        string        `envconfig:"AMQP_URL"`
	RabbitHost     string        `envconfig:"RABBIT_HOST" default:"localhost"`
	RabbitPort     int           `envconfig:"RABBIT_PORT" default:"5672"`
	RabbitUser     string        `envconfig:"RABBITMQ_USER" default:"guest"`
	RabbitPass     string        `envconfig:"RABBITMQ_PASS" default:"guest"`
	RabbitVHost    string        `envconfig:"RABBIT_VHOST" default:"/"`
	RedisAddr      string        `envconfig:"REDIS_ADDR"`
	RedisPassword  string        `envconfig:"REDIS_PASSWORD"`
	RedisDB        int           `envconfig:"REDIS_DB" default:"0"`
	QueueIn        string        `envconfig:"RMQ_QUEUE_IN" default:"avatar_generated_tasks"`
	QueueDone      string        `envconfig:"RMQ_QUEUE_DONE" default:"avatar_generated_done"`
	QueueError     string        `envconfig:"RMQ_ERROR_QUEUE" default:"avatar_generated_errors"`
	DeadLetterX    string        `envconfig:"RMQ_EXISTING_DLX" default:"retry_exchange"`
	DeadLetterKey  string        `envconfig:"RMQ_EXISTING_DLK"`
	Heartbeat      time.Duration `envconfig:"RMQ_HEARTBEAT" default:"60s"`
	BlockedTimeout time.Duration `envconfig:"RMQ_BLOCK_TIMEOUT" default:"120s"`
	ConnectTries   int           `envconfig:"BROKER_CONNECT_ATTEMPTS" default:"10"`
	RetryDelay     time.Duration `envconfig:"BROKER_RETRY_DELAY" default:"5s"`

	// Retry policy
	MaxRetries    int           `envconfig:"RMQ_MAX_RETRIES" default:"3"`
	RetryCooldown time.Duration `envconfig:"RETRY_COOLDOWN" default:"5s"`

	// Concurrency
	MaxWorkers     int `envconfig:"MAX_WORKERS" default:"1"`
	GPUSlots       int `envconfig:"GPU_SLOTS" default:"1"`
	ActionPoolSize int `envconfig:"ACTION_POOL_SIZE" default:"20"`
	ProgressBuffer int `envconfig:"PROGRESS_BUFFER" default:"100"`

	// Media
	MediaRoot         string `envconfig:"MEDIA_ROOT" default:"static/video_output"`
	CleanupLocalAudio bool   `envconfig:"CLEANUP_LOCAL_AUDIO" default:"false"`
	FFmpegBin         string `envconfig:"FFMPEG_BIN" default:"ffmpeg"`
	EdgeTTSBin        string `envconfig:"EDGE_TTS_BIN" default:"edge-tts"`
	PythonBin         string `envconfig:"PYTHON_BIN" default:"python"`
	RenderBackend     string `envconfig:"RENDER_BACKEND" default:"wav2lip"`
	RendererBaseURL   string `envconfig:"RENDERER_HTTP_BASEURL"`
	Wav2LipDir        string `envconfig:"WAV2LIP_DIR" default:"wav2lip"`
	Wav2LipCheckpoint string `envconfig:"WAV2LIP_CHECKPOINT" default:"checkpoints/wav2lip_gan.pth"`
	TemplateDir       string `envconfig:"TEMPLATE_DIR" default:"static/video_templates"`
	GreenBGImage      string `envconfig:"GREEN_BG_IMAGE" default:"static/video_templates/green_bg.png"`
	CUDADevices       string `envconfig:"CUDA_VISIBLE_DEVICES" default:"0"`

	// Upload
	UploadBackend   string `envconfig:"UPLOAD_BACKEND" default:"fileserver"`
	FileServerURL   string `envconfig:"FILE_SERVER_UPLOAD_URL"`
	FileServerToken string `envconfig:"FILE_SERVER_TOKEN"`
	UploadSubfolder string `envconfig:"UPLOAD_SUBFOLDER" default:"avatar_pipe"`

	// Storage providers (UPLOAD_BACKEND=storage)
	StorageProvider    string        `envconfig:"STORAGE_PROVIDER" default:"localfs"`
	StorageLocalRoot   string        `envconfig:"STORAGE_LOCAL_ROOT" default:"/data"`
	StoragePublicURL   string        `envconfig:"STORAGE_PUBLIC_BASEURL"`
	SignedURLTTL       time.Duration `envconfig:"STORAGE_SIGNED_URL_TTL" default:"168h"`
	GDriveClientID     string        `envconfig:"GDRIVE_CLIENT_ID"`
	GDriveClientSecret string        `envconfig:"GDRIVE_CLIENT_SECRET"`
	GDriveRefreshToken string        `envconfig:"GDRIVE_REFRESH_TOKEN"`
	GDriveFolderID     string        `envconfig:"GDRIVE_FOLDER_ID"`
	GDrivePublic       bool          `envconfig:"GDRIVE_PUBLIC" default:"true"`
	S3Endpoint         string        `envconfig:"S3_ENDPOINT"`
	S3AccessKey        string        `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey        string        `envconfig:"S3_SECRET_KEY"`
	S3Bucket           string        `envconfig:"S3_BUCKET" default:"avatar-clips"`
	S3UseSSL           bool          `envconfig:"S3_USE_SSL" default:"false"`

	// Persistence
	DatabaseURL string `envconfig:"DATABASE_URL"`

	// Server
	HTTPPort           int      `envconfig:"HTTP_PORT" default:"8080"`
	EnableAPI          bool     `envconfig:"ENABLE_API" default:"true"`
	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"http://localhost:5173"`
}

// Load reads .env when present, then the process environment.
func Load() (*Config, error) {
	cfg, err := LoadUnchecked()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadUnchecked is Load without Validate. The CLI uses it and checks only
// the parts each command touches.
func LoadUnchecked() (*Config, error) {
	// Ignore errors, as env vars might be set in the shell
	_ = godotenv.Load(".env")

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := c.ValidateBroker(); err != nil {
		return err
	}

	if c.MaxWorkers < 1 {
		return fmt.Errorf("%w: MAX_WORKERS must be >= 1", ErrInvalid)
	}
	if c.GPUSlots < 1 || c.GPUSlots > c.MaxWorkers {
		return fmt.Errorf("%w: GPU_SLOTS must be between 1 and MAX_WORKERS", ErrInvalid)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: RMQ_MAX_RETRIES must be >= 0", ErrInvalid)
	}
	if c.ActionPoolSize < 1 {
		return fmt.Errorf("%w: ACTION_POOL_SIZE must be >= 1", ErrInvalid)
	}

	switch c.RenderBackend {
	case "wav2lip":
	case "http":
		if c.RendererBaseURL == "" {
			return fmt.Errorf("%w: RENDERER_HTTP_BASEURL", ErrMissingRequired)
		}
	default:
		return fmt.Errorf("%w: RENDER_BACKEND=%q", ErrInvalid, c.RenderBackend)
	}

	switch c.UploadBackend {
	case "fileserver":
		if c.FileServerURL == "" {
			return fmt.Errorf("%w: FILE_SERVER_UPLOAD_URL", ErrMissingRequired)
		}
	case "storage":
		switch c.StorageProvider {
		case "localfs", "gdrive", "s3":
		default:
			return fmt.Errorf("%w: STORAGE_PROVIDER=%q", ErrInvalid, c.StorageProvider)
		}
	case "none":
	default:
		return fmt.Errorf("%w: UPLOAD_BACKEND=%q", ErrInvalid, c.UploadBackend)
	}

	return nil
}

// ValidateBroker checks the broker backend and queue names only.
func (c *Config) ValidateBroker() error {
	switch c.BrokerBackend {
	case "amqp":
		if c.AMQPURL == "" && c.RabbitHost == "" {
			return fmt.Errorf("%w: RABBIT_HOST or AMQP_URL", ErrMissingRequired)
		}
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("%w: REDIS_ADDR", ErrMissingRequired)
		}
	case "memory":
	default:
		return fmt.Errorf("%w: BROKER_BACKEND=%q", ErrInvalid, c.BrokerBackend)
	}

	if c.QueueIn == "" {
		return fmt.Errorf("%w: RMQ_QUEUE_IN", ErrMissingRequired)
	}
	if c.QueueError == "" {
		return fmt.Errorf("%w: RMQ_ERROR_QUEUE", ErrMissingRequired)
	}
	return nil
}

// BrokerURL returns AMQP_URL, or assembles one from the RabbitMQ parts.
func (c *Config) BrokerURL() string {
	if c.AMQPURL != "" {
		return c.AMQPURL
	}
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.RabbitUser, c.RabbitPass),
		Host:   fmt.Sprintf("%s:%d", c.RabbitHost, c.RabbitPort),
	}
	vhost := strings.TrimPrefix(c.RabbitVHost, "/")
	u.Path = "/" + vhost
	if vhost == "" {
		u.Path = "/"
	}
	return u.String()
}

// ServerAddr is the HTTP listen address.
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("0.0.0.0:%d", c.HTTPPort)
}
