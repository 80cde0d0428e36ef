// Package config provides configuration management for the engine worker
// pool, the bridge dispatcher and the ambient stack.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "GORILLABIND_"

// Config represents the global configuration
type Config struct {
	// Engine worker pool
	WorkerPoolSize    int `json:"worker_pool_size" yaml:"worker_pool_size"`     // Number of worker goroutines (0 = auto-detect)
	ChunkSize         int `json:"chunk_size" yaml:"chunk_size"`                 // Rows per callback batch (0 = auto-calculate)
	ParallelThreshold int `json:"parallel_threshold" yaml:"parallel_threshold"` // Minimum rows to split into chunks
	MaxParallelism    int `json:"max_parallelism" yaml:"max_parallelism"`       // Upper bound on worker goroutines

	// Bridge
	DeferredPoolSize int `json:"deferred_pool_size" yaml:"deferred_pool_size"` // Goroutines running deferred callbacks
	QueueDepth       int `json:"queue_depth" yaml:"queue_depth"`               // Dispatcher inbound buffer

	// Logging and metrics
	LogLevel          string `json:"log_level" yaml:"log_level"`
	LogFormat         string `json:"log_format" yaml:"log_format"`
	MetricsCollection bool   `json:"metrics_collection" yaml:"metrics_collection"`
	MetricsPort       int    `json:"metrics_port" yaml:"metrics_port"`
}

// SystemInfo contains system information for configuration validation
type SystemInfo struct {
	CPUCount     int
	Architecture string
	OSType       string
}

// ConfigValidator validates and provides recommendations for configuration
type ConfigValidator struct {
	systemInfo SystemInfo
}

// Global configuration instance
var (
	globalConfig Config
	configMutex  sync.RWMutex
)

// Default configuration values
const (
	DefaultParallelThreshold = 1000
	DefaultMaxParallelism    = 16
	DefaultDeferredPoolSize  = 4
	DefaultQueueDepth        = 64
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultMetricsPort       = 9090

	minAutoChunkSize = 256
)

func init() {
	globalConfig = NewConfig()
}

// NewConfig creates a new configuration with default values
func NewConfig() Config {
	return Config{
		WorkerPoolSize:    0, // Auto-detect
		ChunkSize:         0, // Auto-calculate
		ParallelThreshold: DefaultParallelThreshold,
		MaxParallelism:    DefaultMaxParallelism,
		DeferredPoolSize:  DefaultDeferredPoolSize,
		QueueDepth:        DefaultQueueDepth,
		LogLevel:          DefaultLogLevel,
		LogFormat:         DefaultLogFormat,
		MetricsCollection: false,
		MetricsPort:       DefaultMetricsPort,
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.ParallelThreshold <= 0 {
		return fmt.Errorf("ParallelThreshold must be positive, got %d", c.ParallelThreshold)
	}

	if c.WorkerPoolSize < 0 {
		return fmt.Errorf("WorkerPoolSize must be non-negative, got %d", c.WorkerPoolSize)
	}

	if c.ChunkSize < 0 {
		return fmt.Errorf("ChunkSize must be non-negative, got %d", c.ChunkSize)
	}

	if c.MaxParallelism <= 0 {
		return fmt.Errorf("MaxParallelism must be positive, got %d", c.MaxParallelism)
	}

	if c.DeferredPoolSize <= 0 {
		return fmt.Errorf("DeferredPoolSize must be positive, got %d", c.DeferredPoolSize)
	}

	if c.QueueDepth <= 0 {
		return fmt.Errorf("QueueDepth must be positive, got %d", c.QueueDepth)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("LogLevel must be one of debug, info, warn, error, got %q", c.LogLevel)
	}

	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("LogFormat must be text or json, got %q", c.LogFormat)
	}

	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("MetricsPort must be between 0 and 65535, got %d", c.MetricsPort)
	}

	return nil
}

// WithDefaults returns a new configuration with default values filled in for zero values
func (c Config) WithDefaults() Config {
	defaults := NewConfig()

	if c.ParallelThreshold == 0 {
		c.ParallelThreshold = defaults.ParallelThreshold
	}
	if c.MaxParallelism == 0 {
		c.MaxParallelism = defaults.MaxParallelism
	}
	if c.DeferredPoolSize == 0 {
		c.DeferredPoolSize = defaults.DeferredPoolSize
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = defaults.QueueDepth
	}
	if c.LogLevel == "" {
		c.LogLevel = defaults.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = defaults.LogFormat
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = defaults.MetricsPort
	}
	// WorkerPoolSize and ChunkSize keep 0, which means auto.
	// MetricsCollection is not defaulted so an explicit false survives.
	return c
}

// Workers returns the effective number of worker goroutines.
func (c Config) Workers() int {
	n := c.WorkerPoolSize
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if c.MaxParallelism > 0 && n > c.MaxParallelism {
		n = c.MaxParallelism
	}
	return n
}

// ChunkSizeFor returns the number of rows per callback batch for an input of
// rows rows. Inputs below the parallel threshold are a single chunk.
func (c Config) ChunkSizeFor(rows int) int {
	if rows <= 0 {
		return 1
	}
	if rows < c.ParallelThreshold {
		return rows
	}
	if c.ChunkSize > 0 {
		return c.ChunkSize
	}
	size := (rows + c.Workers() - 1) / c.Workers()
	return max(size, minAutoChunkSize)
}

// SetGlobalConfig sets the global configuration
func SetGlobalConfig(config Config) {
	configMutex.Lock()
	defer configMutex.Unlock()
	globalConfig = config
}

// GetGlobalConfig returns the current global configuration
func GetGlobalConfig() Config {
	configMutex.RLock()
	defer configMutex.RUnlock()
	return globalConfig
}

// LoadFromJSON loads configuration from JSON data
func LoadFromJSON(data []byte) (Config, error) {
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing JSON configuration: %w", err)
	}
	return config.WithDefaults(), nil
}

// LoadFromFile loads configuration from a JSON or YAML file
func LoadFromFile(filename string) (Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file %s: %w", filename, err)
	}

	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".json":
		config, err := LoadFromJSON(data)
		if err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", filename, err)
		}
		return config, nil
	case ".yaml", ".yml":
		var config Config
		if err := yaml.Unmarshal(data, &config); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", filename, err)
		}
		return config.WithDefaults(), nil
	default:
		return Config{}, fmt.Errorf("unsupported config file format: %s", ext)
	}
}

// LoadFromEnv loads configuration from GORILLABIND_* environment variables
// on top of the defaults. Unparseable values are ignored.
func LoadFromEnv() Config {
	return ApplyEnv(NewConfig())
}

// ApplyEnv overrides the fields of config that have a GORILLABIND_*
// environment variable set.
func ApplyEnv(config Config) Config {
	envInt("PARALLEL_THRESHOLD", &config.ParallelThreshold)
	envInt("WORKER_POOL_SIZE", &config.WorkerPoolSize)
	envInt("CHUNK_SIZE", &config.ChunkSize)
	envInt("MAX_PARALLELISM", &config.MaxParallelism)
	envInt("DEFERRED_POOL_SIZE", &config.DeferredPoolSize)
	envInt("QUEUE_DEPTH", &config.QueueDepth)
	envString("LOG_LEVEL", &config.LogLevel)
	envString("LOG_FORMAT", &config.LogFormat)
	envBool("METRICS_COLLECTION", &config.MetricsCollection)
	envInt("METRICS_PORT", &config.MetricsPort)

	return config
}

func envInt(name string, dst *int) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			*dst = parsed
		}
	}
}

func envBool(name string, dst *bool) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			*dst = parsed
		}
	}
}

func envString(name string, dst *string) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		*dst = val
	}
}

// GetSystemInfo returns system information for configuration validation
func GetSystemInfo() SystemInfo {
	return SystemInfo{
		CPUCount:     runtime.NumCPU(),
		Architecture: runtime.GOARCH,
		OSType:       runtime.GOOS,
	}
}

// NewConfigValidator creates a new configuration validator
func NewConfigValidator() *ConfigValidator {
	return &ConfigValidator{
		systemInfo: GetSystemInfo(),
	}
}

// Validate validates a configuration and provides recommendations
func (cv *ConfigValidator) Validate(config Config) (Config, []string, error) {
	var warnings []string
	validated := config

	if err := config.Validate(); err != nil {
		return Config{}, warnings, err
	}

	if config.WorkerPoolSize > cv.systemInfo.CPUCount*2 {
		warnings = append(warnings,
			fmt.Sprintf("Worker pool size (%d) exceeds 2x CPU count (%d), may cause contention",
				config.WorkerPoolSize, cv.systemInfo.CPUCount))
	}

	// Every worker and deferred goroutine can have one envelope queued.
	if producers := config.Workers() + config.DeferredPoolSize; config.QueueDepth < producers {
		warnings = append(warnings,
			fmt.Sprintf("Queue depth (%d) is below the number of callers (%d), senders may block on enqueue",
				config.QueueDepth, producers))
	}

	if config.WorkerPoolSize == 0 {
		validated.WorkerPoolSize = config.Workers()
		warnings = append(warnings,
			fmt.Sprintf("Auto-setting worker pool size to %d", validated.WorkerPoolSize))
	}

	return validated, warnings, nil
}
