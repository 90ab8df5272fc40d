package conf

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "GRADER_"

const (
	TransportAMQP   = "amqp"
	TransportSQS    = "sqs"
	TransportMemory = "memory"

	EnvelopeJSON    = "json"
	EnvelopeInterop = "interop"

	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreDynamoDB = "dynamodb"
)

// Config is the process configuration of a grading plugin service.
type Config struct {
	HTTPAddr  string `koanf:"http_addr"`
	PublicURL string `koanf:"public_url"` // base url the sandbox calls back to
	LogLevel  string `koanf:"log_level"`
	Env       string `koanf:"env"`

	CORSOrigins []string `koanf:"cors_origins"`

	Transport          string `koanf:"transport"`     // amqp, sqs or memory
	TransportURL       string `koanf:"transport_url"` // amqp://... or sqs://region?prefix=...
	Envelope           string `koanf:"envelope"`      // json or interop
	AMQPExchange       string `koanf:"amqp_exchange"`
	DeadLetterExchange string `koanf:"dead_letter_exchange"`
	ConsumerPrefetch   int    `koanf:"consumer_prefetch"`

	AWSRegion    string `koanf:"aws_region"`
	BlobBucket   string `koanf:"blob_bucket"` // empty serves blobs from blob_dir
	BlobDir      string `koanf:"blob_dir"`
	ResultBucket string `koanf:"result_bucket"`

	CacheDir string        `koanf:"cache_dir"`
	CacheTTL time.Duration `koanf:"cache_ttl"`

	Store       string `koanf:"store"` // memory, postgres or dynamodb
	DynamoTable string `koanf:"dynamo_table"`

	SandboxURL  string `koanf:"sandbox_url"`
	AnalysisURL string `koanf:"analysis_url"`
	CoverageURL string `koanf:"coverage_url"`
	LLMURL      string `koanf:"llm_url"`
	LLMModel    string `koanf:"llm_model"`

	CallbackSecret   string        `koanf:"callback_secret"`
	CallbackDeadline time.Duration `koanf:"callback_deadline"` // 0 disables the supervisory deadline

	MaxParallelCriteria int `koanf:"max_parallel_criteria"`

	OTLPEndpoint string `koanf:"otlp_endpoint"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() *Config {
	return &Config{
		HTTPAddr:            ":8080",
		PublicURL:           "http://localhost:8080",
		LogLevel:            "info",
		Env:                 "dev",
		CORSOrigins:         []string{"http://localhost:3000"},
		Transport:           TransportMemory,
		Envelope:            EnvelopeJSON,
		AMQPExchange:        "grading",
		ConsumerPrefetch:    16,
		AWSRegion:           "eu-central-1",
		BlobDir:             "blobs",
		CacheDir:            os.TempDir(),
		CacheTTL:            180 * time.Second,
		Store:               StoreMemory,
		DynamoTable:         "grader_submissions",
		MaxParallelCriteria: 8,
	}
}

// Load builds a Config by layering defaults, .env, an optional YAML file
// (GRADER_CONFIG) and GRADER_* environment variables, in that order.
func Load() (*Config, error) {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	k := koanf.New(".")

	if path := os.Getenv(envPrefix + "CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// GRADER_TRANSPORT_URL -> transport_url
	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	cfg := *Defaults()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("http_addr must not be empty")
	}
	switch c.Transport {
	case TransportAMQP, TransportSQS:
		if c.TransportURL == "" {
			return fmt.Errorf("transport_url is required for %s transport", c.Transport)
		}
	case TransportMemory:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	switch c.Envelope {
	case EnvelopeJSON, EnvelopeInterop:
	default:
		return fmt.Errorf("unknown envelope %q", c.Envelope)
	}
	switch c.Store {
	case StoreMemory, StorePostgres, StoreDynamoDB:
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.BlobBucket == "" && c.BlobDir == "" {
		return errors.New("either blob_bucket or blob_dir must be set")
	}
	if c.CacheTTL <= 0 {
		return errors.New("cache_ttl must be positive")
	}
	if c.MaxParallelCriteria <= 0 {
		return errors.New("max_parallel_criteria must be positive")
	}
	if c.CallbackDeadline < 0 {
		return errors.New("callback_deadline must not be negative")
	}
	return nil
}

// SlogLevel maps LogLevel onto slog levels, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
