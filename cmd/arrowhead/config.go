package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/23skdu/arrowhead/internal/core"
	"github.com/23skdu/arrowhead/internal/indexio"
	"github.com/23skdu/arrowhead/internal/limiter"
)

// Config is read from ARROWHEAD_* environment variables, optionally seeded
// from a .env file.
type Config struct {
	Engine           string `envconfig:"ENGINE" default:"hnsw"`
	DataType         string `envconfig:"DATA_TYPE" default:"float"`
	SpaceType        string `envconfig:"SPACE_TYPE"` // empty picks the data type default
	M                int    `envconfig:"HNSW_M" default:"16"`
	EfConstruction   int    `envconfig:"HNSW_EF_CONSTRUCTION" default:"100"`
	EfSearch         int    `envconfig:"HNSW_EF_SEARCH" default:"100"`
	FAISSDescription string `envconfig:"FAISS_DESCRIPTION" default:"Flat"`

	Storage      string `envconfig:"STORAGE" default:"file"`
	DataPath     string `envconfig:"DATA_PATH" default:"./data"`
	Compression  string `envconfig:"COMPRESSION" default:"zstd"`
	IORateLimit  int    `envconfig:"IO_RATE_LIMIT" default:"0"` // bytes/s, 0 disables
	IOBufferSize int    `envconfig:"IO_BUFFER_SIZE" default:"65536"`

	S3Endpoint        string `envconfig:"S3_ENDPOINT"`
	S3Bucket          string `envconfig:"S3_BUCKET"`
	S3Prefix          string `envconfig:"S3_PREFIX"`
	S3AccessKeyID     string `envconfig:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `envconfig:"S3_SECRET_ACCESS_KEY"`
	S3Region          string `envconfig:"S3_REGION" default:"us-east-1"`
	S3UsePathStyle    bool   `envconfig:"S3_USE_PATH_STYLE" default:"true"`

	MinioEndpoint        string `envconfig:"MINIO_ENDPOINT"`
	MinioBucket          string `envconfig:"MINIO_BUCKET"`
	MinioPrefix          string `envconfig:"MINIO_PREFIX"`
	MinioAccessKeyID     string `envconfig:"MINIO_ACCESS_KEY_ID"`
	MinioSecretAccessKey string `envconfig:"MINIO_SECRET_ACCESS_KEY"`
	MinioSecure          bool   `envconfig:"MINIO_SECURE" default:"false"`

	RemoteTimeout      time.Duration `envconfig:"REMOTE_TIMEOUT" default:"30m"`
	RemotePollInterval time.Duration `envconfig:"REMOTE_POLL_INTERVAL" default:"5s"`
	RemoteStrategy     string        `envconfig:"REMOTE_STRATEGY" default:"poll"`
	Workers            int           `envconfig:"WORKERS" default:"2"`
	QueueSize          int           `envconfig:"QUEUE_SIZE" default:"64"`
	BuildMemoryBudget  int64         `envconfig:"BUILD_MEMORY_BUDGET" default:"0"`
	// ARROWHEAD_SUBMIT_RATE_LIMIT_RPS and friends
	SubmitLimit limiter.Config `envconfig:"SUBMIT"`

	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:"0.0.0.0:9090"`
}

// Config validation errors
var (
	ErrInvalidEngine         = errors.New("engine must be flat, hnsw or faiss")
	ErrInvalidDataType       = errors.New("data_type must be float, byte or binary")
	ErrInvalidSpaceType      = errors.New("space_type must be l2, cosinesimil, innerproduct or hamming")
	ErrInvalidHNSWParams     = errors.New("hnsw m, ef_construction and ef_search must be positive")
	ErrInvalidStorage        = errors.New("storage must be file, s3 or minio")
	ErrInvalidDataPath       = errors.New("data_path cannot be empty")
	ErrInvalidS3Config       = errors.New("s3 storage needs a bucket and credentials")
	ErrInvalidMinioConfig    = errors.New("minio storage needs an endpoint, a bucket and credentials")
	ErrInvalidCompression    = errors.New("compression must be none, snappy or zstd")
	ErrInvalidIORateLimit    = errors.New("io_rate_limit cannot be negative")
	ErrInvalidIOBufferSize   = errors.New("io_buffer_size must be positive")
	ErrInvalidRemoteTimeout  = errors.New("remote_timeout cannot be negative")
	ErrInvalidPollInterval   = errors.New("remote_poll_interval must be positive")
	ErrInvalidRemoteStrategy = errors.New("remote_strategy must be 'poll' or 'notify'")
	ErrInvalidWorkers        = errors.New("workers must be positive")
	ErrInvalidSubmitLimit    = errors.New("submit rate limit values cannot be negative")
	ErrInvalidMemoryBudget   = errors.New("build_memory_budget cannot be negative")
	ErrInvalidLogFormat      = errors.New("log_format must be 'json' or 'console'")
	ErrInvalidLogLevel       = errors.New("log_level must be debug, info, warn, or error")
)

// ValidateConfig validates the configuration and returns an error if invalid
func ValidateConfig(cfg *Config) error {
	if _, err := core.ParseEngineKind(cfg.Engine); err != nil {
		return ErrInvalidEngine
	}
	if _, err := core.ParseDataType(cfg.DataType); err != nil {
		return ErrInvalidDataType
	}
	if cfg.SpaceType != "" {
		if _, err := core.ParseSpaceType(cfg.SpaceType); err != nil {
			return ErrInvalidSpaceType
		}
	}
	if cfg.M <= 0 || cfg.EfConstruction <= 0 || cfg.EfSearch <= 0 {
		return ErrInvalidHNSWParams
	}

	switch cfg.Storage {
	case "file":
		if cfg.DataPath == "" {
			return ErrInvalidDataPath
		}
	case "s3":
		if cfg.S3Bucket == "" || cfg.S3AccessKeyID == "" || cfg.S3SecretAccessKey == "" {
			return ErrInvalidS3Config
		}
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" ||
			cfg.MinioAccessKeyID == "" || cfg.MinioSecretAccessKey == "" {
			return ErrInvalidMinioConfig
		}
	default:
		return ErrInvalidStorage
	}
	if _, err := indexio.ParseCompression(cfg.Compression); err != nil {
		return ErrInvalidCompression
	}
	if cfg.IORateLimit < 0 {
		return ErrInvalidIORateLimit
	}
	if cfg.IOBufferSize <= 0 {
		return ErrInvalidIOBufferSize
	}

	if cfg.RemoteTimeout < 0 {
		return ErrInvalidRemoteTimeout
	}
	if cfg.RemotePollInterval <= 0 {
		return ErrInvalidPollInterval
	}
	if cfg.RemoteStrategy != "poll" && cfg.RemoteStrategy != "notify" {
		return ErrInvalidRemoteStrategy
	}
	if cfg.Workers <= 0 {
		return ErrInvalidWorkers
	}
	if cfg.SubmitLimit.RPS < 0 || cfg.SubmitLimit.Burst < 0 || cfg.SubmitLimit.MaxWait < 0 {
		return ErrInvalidSubmitLimit
	}
	if cfg.BuildMemoryBudget < 0 {
		return ErrInvalidMemoryBudget
	}

	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return ErrInvalidLogFormat
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" && cfg.LogLevel != "error" {
		return ErrInvalidLogLevel
	}
	return nil
}

// DefaultConfig returns a Config with default values
func DefaultConfig() Config {
	return Config{
		Engine:             "hnsw",
		DataType:           "float",
		M:                  16,
		EfConstruction:     100,
		EfSearch:           100,
		FAISSDescription:   "Flat",
		Storage:            "file",
		DataPath:           "./data",
		Compression:        "zstd",
		IOBufferSize:       64 * 1024,
		S3Region:           "us-east-1",
		S3UsePathStyle:     true,
		RemoteTimeout:      30 * time.Minute,
		RemotePollInterval: 5 * time.Second,
		RemoteStrategy:     "poll",
		Workers:            2,
		QueueSize:          64,
		LogFormat:          "json",
		LogLevel:           "info",
		MetricsAddr:        "0.0.0.0:9090",
	}
}

// LoadConfig reads envFile (when it exists) into the environment, then
// processes ARROWHEAD_* variables. Variables already set win over the file.
func LoadConfig(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	var cfg Config
	if err := envconfig.Process("ARROWHEAD", &cfg); err != nil {
		return Config{}, fmt.Errorf("process env: %w", err)
	}
	return cfg, ValidateConfig(&cfg)
}

// BuildParams maps the config onto engine parameters.
func BuildParams(cfg *Config) core.Parameters {
	p := core.Parameters{
		core.ParamDataType:         cfg.DataType,
		core.ParamM:                cfg.M,
		core.ParamEfConstruction:   cfg.EfConstruction,
		core.ParamEfSearch:         cfg.EfSearch,
		core.ParamIndexDescription: cfg.FAISSDescription,
	}
	if cfg.SpaceType != "" {
		p[core.ParamSpaceType] = cfg.SpaceType
	}
	return p
}

// PortOptions maps the config onto index port options.
func PortOptions(cfg *Config) []indexio.Option {
	c, _ := indexio.ParseCompression(cfg.Compression)
	opts := []indexio.Option{
		indexio.WithCompression(c),
		indexio.WithBufferSize(cfg.IOBufferSize),
	}
	if cfg.IORateLimit > 0 {
		opts = append(opts, indexio.WithRateLimit(cfg.IORateLimit))
	}
	return opts
}

// NewStore opens the configured storage backend.
func NewStore(ctx context.Context, cfg *Config) (indexio.Store, error) {
	switch cfg.Storage {
	case "file":
		s, err := indexio.NewFileStore(cfg.DataPath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "s3":
		s, err := indexio.NewS3Store(ctx, &indexio.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			Region:          cfg.S3Region,
			UsePathStyle:    cfg.S3UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "minio":
		s, err := indexio.NewMinioStore(indexio.MinioConfig{
			Endpoint:        cfg.MinioEndpoint,
			Bucket:          cfg.MinioBucket,
			Prefix:          cfg.MinioPrefix,
			AccessKeyID:     cfg.MinioAccessKeyID,
			SecretAccessKey: cfg.MinioSecretAccessKey,
			Secure:          cfg.MinioSecure,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, ErrInvalidStorage
	}
}
