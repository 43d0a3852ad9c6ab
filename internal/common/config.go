package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string           `toml:"environment"` // "development" or "production"
	DataRoot    string           `toml:"data_root"`   // Root directory for file artifacts (DATA_ROOT)
	Server      ServerConfig     `toml:"server"`
	Broker      BrokerConfig     `toml:"broker"`
	Store       StoreConfig      `toml:"store"`
	Worker      WorkerConfig     `toml:"worker"`
	Dispatcher  DispatcherConfig `toml:"dispatcher"`
	Pipeline    PipelineConfig   `toml:"pipeline"`
	Engines     EnginesConfig    `toml:"engines"`
	Pools       []PoolConfig     `toml:"pools"`
	Extensions  ExtensionsConfig `toml:"extensions"`
	Logging     LoggingConfig    `toml:"logging"`
	WebSocket   WebSocketConfig  `toml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// BrokerConfig configures the Badger-backed job broker.
// URL uses the badger:// scheme (badger:///var/lib/dossier/broker); only the
// path component is meaningful since the broker is single-node.
type BrokerConfig struct {
	URL       string `toml:"url"`        // BROKER_URL
	KeyPrefix string `toml:"key_prefix"` // Key prefix for queues and job hashes
}

// StoreConfig configures the content store.
type StoreConfig struct {
	URL            string `toml:"url"`              // STORE_URL (badger:// path)
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete store on startup for clean test runs
}

type WorkerConfig struct {
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"` // Default 5s
	MaxWorkerRequeues int           `toml:"max_worker_requeues" validate:"min=0"`
	PollInterval      time.Duration `toml:"poll_interval"` // Idle claim backoff base
	GraceWindow       time.Duration `toml:"grace_window"`  // Cancellation grace before self-terminate
}

type DispatcherConfig struct {
	StalePoolThreshold time.Duration `toml:"stale_pool_threshold"` // Reject enqueues to pools idle this long
	SkipEmbedOnNoGPU   bool          `toml:"skip_embed_on_no_gpu"` // Mark document partial instead of failing
}

type PipelineConfig struct {
	ChunkSize       int     `toml:"chunk_size" validate:"min=1"`
	ChunkOverlap    int     `toml:"chunk_overlap" validate:"min=0"`
	ChunkMethod     string  `toml:"chunk_method" validate:"oneof=fixed sentence semantic"`
	OCRConfidence   float64 `toml:"ocr_confidence" validate:"min=0,max=1"` // Escalation threshold
	OCRMinLength    int     `toml:"ocr_min_length"`                        // Minimum output length before escalation
	RetentionWindow time.Duration `toml:"retention_window"`                // Job record retention past terminal state
}

// EnginesConfig holds endpoints for out-of-process ML engines.
// All engines are optional; absent engines surface as resource errors
// at the dispatcher boundary.
type EnginesConfig struct {
	OCRFastURL  string  `toml:"ocr_fast_url"`
	OCRHeavyURL string  `toml:"ocr_heavy_url"`
	EmbedURL    string  `toml:"embed_url"`
	EmbedModel  string  `toml:"embed_model"`
	RateLimit   float64 `toml:"rate_limit"` // Requests/sec per engine client
}

// PoolConfig declares a worker pool.
type PoolConfig struct {
	Name           string        `toml:"name" validate:"required"`
	ResourceTier   string        `toml:"resource_tier" validate:"oneof=cpu-light cpu-ner cpu-extract gpu-embed gpu-paddle gpu-qwen"`
	MaxConcurrency int           `toml:"max_concurrency" validate:"min=1"`
	JobTimeout     time.Duration `toml:"job_timeout"`
}

type ExtensionsConfig struct {
	ManifestDir string `toml:"manifest_dir"` // Directory containing extension manifests (*.yaml)
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// WebSocketConfig contains configuration for the operator event stream
type WebSocketConfig struct {
	MinLevel      string   `toml:"min_level"`
	AllowedEvents []string `toml:"allowed_events"` // Empty list allows all event types
}

// DefaultConfig returns configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		DataRoot:    ".",
		Server: ServerConfig{
			Port: 8090,
			Host: "localhost",
		},
		Broker: BrokerConfig{
			URL:       "badger://./data/broker",
			KeyPrefix: "dossier",
		},
		Store: StoreConfig{
			URL: "badger://./data/store",
		},
		Worker: WorkerConfig{
			HeartbeatInterval: 5 * time.Second,
			MaxWorkerRequeues: 3,
			PollInterval:      time.Second,
			GraceWindow:       5 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			StalePoolThreshold: 60 * time.Second,
			SkipEmbedOnNoGPU:   true,
		},
		Pipeline: PipelineConfig{
			ChunkSize:       1000,
			ChunkOverlap:    100,
			ChunkMethod:     "sentence",
			OCRConfidence:   0.6,
			OCRMinLength:    20,
			RetentionWindow: 7 * 24 * time.Hour,
		},
		Engines: EnginesConfig{
			EmbedModel: "bge-m3",
			RateLimit:  10,
		},
		Pools: DefaultPools(),
		Extensions: ExtensionsConfig{
			ManifestDir: "./extensions",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
	}
}

// DefaultPools returns the built-in pool declarations for the default pipeline.
func DefaultPools() []PoolConfig {
	return []PoolConfig{
		{Name: "extract", ResourceTier: "cpu-extract", MaxConcurrency: 4, JobTimeout: 2 * time.Minute},
		{Name: "normalize", ResourceTier: "cpu-light", MaxConcurrency: 8, JobTimeout: 30 * time.Second},
		{Name: "ner", ResourceTier: "cpu-ner", MaxConcurrency: 4, JobTimeout: time.Minute},
		{Name: "chunk", ResourceTier: "cpu-light", MaxConcurrency: 8, JobTimeout: 30 * time.Second},
		{Name: "embed", ResourceTier: "gpu-embed", MaxConcurrency: 2, JobTimeout: 2 * time.Minute},
		{Name: "ocr", ResourceTier: "gpu-paddle", MaxConcurrency: 2, JobTimeout: 5 * time.Minute},
		{Name: "ocr-heavy", ResourceTier: "gpu-qwen", MaxConcurrency: 1, JobTimeout: 10 * time.Minute},
	}
}

// LoadFromFiles loads configuration from TOML files in order, later files
// overriding earlier ones, then applies environment overrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	cfg := DefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies the environment contract: DATA_ROOT, BROKER_URL,
// STORE_URL, LOG_LEVEL, MAX_WORKER_REQUEUES.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_ROOT"); v != "" {
		cfg.DataRoot = v
	}
	if v := os.Getenv("BROKER_URL"); v != "" {
		cfg.Broker.URL = v
	}
	if v := os.Getenv("STORE_URL"); v != "" {
		cfg.Store.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MAX_WORKER_REQUEUES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Worker.MaxWorkerRequeues = n
		}
	}
}

// Validate checks the configuration for structural errors
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	seen := make(map[string]bool)
	for _, pool := range cfg.Pools {
		if seen[pool.Name] {
			return fmt.Errorf("invalid configuration: duplicate pool %q", pool.Name)
		}
		seen[pool.Name] = true
	}

	return nil
}

// BadgerPath extracts the directory path from a badger:// URL.
// Plain paths are accepted unchanged for convenience.
func BadgerPath(url string) (string, error) {
	if url == "" {
		return "", fmt.Errorf("empty storage url")
	}
	if strings.HasPrefix(url, "badger://") {
		path := strings.TrimPrefix(url, "badger://")
		if path == "" {
			return "", fmt.Errorf("badger url %q has no path", url)
		}
		return path, nil
	}
	if strings.Contains(url, "://") {
		return "", fmt.Errorf("unsupported storage scheme in %q (only badger:// is supported)", url)
	}
	return url, nil
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(cfg *Config, port int, host string) {
	if port != 0 {
		cfg.Server.Port = port
	}
	if host != "" {
		cfg.Server.Host = host
	}
}
