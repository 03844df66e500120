// Package config loads Acteon's configuration from an optional YAML
// file overlaid with environment variables. All optional fields have
// documented defaults; startup fails on unrecognized or invalid values.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port int    `json:"port" yaml:"port" env:"SERVER_PORT"`
}

// StateConfig selects the state-store backend.
type StateConfig struct {
	// Backend is "memory" or "redis".
	Backend   string `json:"backend" yaml:"backend" env:"STATE_BACKEND"`
	RedisURL  string `json:"redis_url" yaml:"redis_url" env:"STATE_REDIS_URL"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix" env:"STATE_KEY_PREFIX"`
	// CleanupSeconds drives the in-memory expired-entry sweep.
	CleanupSeconds int `json:"cleanup_seconds" yaml:"cleanup_seconds" env:"STATE_CLEANUP_SECONDS"`
}

// AuditConfig controls the audit trail.
type AuditConfig struct {
	HashChain       bool `json:"hash_chain" yaml:"hash_chain" env:"AUDIT_HASH_CHAIN"`
	SyncWrites      bool `json:"sync_writes" yaml:"sync_writes" env:"AUDIT_SYNC_WRITES"`
	AsyncQueueDepth int  `json:"async_queue_depth" yaml:"async_queue_depth" env:"AUDIT_ASYNC_QUEUE_DEPTH"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"LOG_FORMAT"`
}

// RulesConfig points at the rule directory.
type RulesConfig struct {
	Directory string `json:"directory" yaml:"directory" env:"RULES_DIRECTORY"`
	// Timezone names the zone for the rules' `time` identifier; empty
	// means UTC.
	Timezone string `json:"timezone" yaml:"timezone" env:"RULES_TIMEZONE"`
}

// ExecutorConfig bounds provider execution.
type ExecutorConfig struct {
	MaxConcurrent      int    `json:"max_concurrent" yaml:"max_concurrent" env:"EXECUTOR_MAX_CONCURRENT"`
	MaxRetries         int    `json:"max_retries" yaml:"max_retries" env:"EXECUTOR_MAX_RETRIES"`
	BaseBackoffMs      int    `json:"base_backoff_ms" yaml:"base_backoff_ms" env:"EXECUTOR_BASE_BACKOFF_MS"`
	MaxBackoffMs       int    `json:"max_backoff_ms" yaml:"max_backoff_ms" env:"EXECUTOR_MAX_BACKOFF_MS"`
	TimeoutSeconds     int    `json:"timeout_seconds" yaml:"timeout_seconds" env:"EXECUTOR_TIMEOUT_SECONDS"`
	FailureThreshold   int    `json:"failure_threshold" yaml:"failure_threshold" env:"CIRCUIT_FAILURE_THRESHOLD"`
	SuccessThreshold   int    `json:"success_threshold" yaml:"success_threshold" env:"CIRCUIT_SUCCESS_THRESHOLD"`
	RecoverySeconds    int    `json:"recovery_seconds" yaml:"recovery_seconds" env:"CIRCUIT_RECOVERY_SECONDS"`
	FallbackProvider   string `json:"fallback_provider" yaml:"fallback_provider" env:"CIRCUIT_FALLBACK_PROVIDER"`
	DeadLetterCapacity int    `json:"dead_letter_capacity" yaml:"dead_letter_capacity" env:"EXECUTOR_DLQ_CAPACITY"`
}

// BackgroundConfig sets the sweep intervals in seconds. Zero disables
// the opt-in sweeps.
type BackgroundConfig struct {
	GroupFlushSeconds     int `json:"group_flush_seconds" yaml:"group_flush_seconds" env:"BG_GROUP_FLUSH_SECONDS"`
	TimeoutCheckSeconds   int `json:"timeout_check_seconds" yaml:"timeout_check_seconds" env:"BG_TIMEOUT_CHECK_SECONDS"`
	CleanupSeconds        int `json:"cleanup_seconds" yaml:"cleanup_seconds" env:"BG_CLEANUP_SECONDS"`
	ScheduledCheckSeconds int `json:"scheduled_check_seconds" yaml:"scheduled_check_seconds" env:"BG_SCHEDULED_CHECK_SECONDS"`
	RecurringSeconds      int `json:"recurring_seconds" yaml:"recurring_seconds" env:"BG_RECURRING_SECONDS"`
	RetentionSeconds      int `json:"retention_seconds" yaml:"retention_seconds" env:"BG_RETENTION_SECONDS"`
	ApprovalRetrySeconds  int `json:"approval_retry_seconds" yaml:"approval_retry_seconds" env:"BG_APPROVAL_RETRY_SECONDS"`
}

// EncryptionKey is one master key with its rotation id.
type EncryptionKey struct {
	KID string `json:"kid" yaml:"kid"`
	// Key is the hex- or base64-encoded 32-byte master key.
	Key string `json:"key" yaml:"key"`
}

// EncryptionConfig controls payload encryption at rest.
type EncryptionConfig struct {
	Enabled bool            `json:"enabled" yaml:"enabled" env:"ENCRYPTION_ENABLED"`
	Keys    []EncryptionKey `json:"keys" yaml:"keys"`
	// KeyEnv overrides Keys with a single key from the environment,
	// formatted "kid:hexkey".
	KeyEnv string `json:"-" yaml:"-" env:"ENCRYPTION_MASTER_KEY"`
}

// WasmConfig points at the plugin directory for WasmCall rules.
type WasmConfig struct {
	PluginDirectory string `json:"plugin_directory" yaml:"plugin_directory" env:"WASM_PLUGIN_DIRECTORY"`
}

// EmbeddingConfig configures the semantic-match embedding provider.
type EmbeddingConfig struct {
	Endpoint string `json:"endpoint" yaml:"endpoint" env:"EMBEDDING_ENDPOINT"`
	APIKey   string `json:"api_key" yaml:"api_key" env:"EMBEDDING_API_KEY"`
}

// TracingConfig configures OTLP/Tracing exporters.
type TracingConfig struct {
	Endpoint           string            `json:"endpoint" yaml:"endpoint" env:"TRACING_OTLP_ENDPOINT"`
	Insecure           bool              `json:"insecure" yaml:"insecure" env:"TRACING_OTLP_INSECURE"`
	ServiceName        string            `json:"service_name" yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ResourceAttributes map[string]string `json:"resource_attributes" yaml:"resource_attributes"`
	AttributesEnv      string            `json:"-" yaml:"-" env:"TRACING_OTLP_ATTRIBUTES"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server     ServerConfig      `json:"server" yaml:"server"`
	State      StateConfig       `json:"state" yaml:"state"`
	Audit      AuditConfig       `json:"audit" yaml:"audit"`
	Logging    LoggingConfig     `json:"logging" yaml:"logging"`
	Rules      RulesConfig       `json:"rules" yaml:"rules"`
	Executor   ExecutorConfig    `json:"executor" yaml:"executor"`
	Background BackgroundConfig  `json:"background" yaml:"background"`
	Encryption EncryptionConfig  `json:"encryption" yaml:"encryption"`
	Wasm       WasmConfig        `json:"wasm" yaml:"wasm"`
	Embedding  EmbeddingConfig   `json:"embedding" yaml:"embedding"`
	Tracing    TracingConfig     `json:"tracing" yaml:"tracing"`
	Env        map[string]string `json:"env" yaml:"env"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		State:  StateConfig{Backend: "memory", CleanupSeconds: 60},
		Audit:  AuditConfig{HashChain: true, AsyncQueueDepth: 1024},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Rules: RulesConfig{Directory: "rules"},
		Executor: ExecutorConfig{
			MaxConcurrent:      64,
			MaxRetries:         3,
			BaseBackoffMs:      100,
			MaxBackoffMs:       5000,
			TimeoutSeconds:     30,
			FailureThreshold:   5,
			SuccessThreshold:   2,
			RecoverySeconds:    30,
			DeadLetterCapacity: 1024,
		},
		Background: BackgroundConfig{
			GroupFlushSeconds:   10,
			TimeoutCheckSeconds: 10,
			CleanupSeconds:      60,
		},
	}
}

// Load loads configuration from file (if present) and environment
// variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else if err := loadFromFile("configs/config.yaml", cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present
		// in the environment; treat that case as "no overrides" so local
		// runs work without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	cfg.normalize()
	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// LoadConfig is a helper used by tests to load JSON config snippets.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func (t *TracingConfig) normalize() {
	if t == nil {
		return
	}
	t.MergeAttributes(t.AttributesEnv)
}

// MergeAttributes merges comma-separated key=value pairs into
// ResourceAttributes.
func (t *TracingConfig) MergeAttributes(raw string) {
	if t == nil {
		return
	}
	pairs := parseAttributePairs(raw)
	if len(pairs) == 0 {
		return
	}
	if t.ResourceAttributes == nil {
		t.ResourceAttributes = make(map[string]string, len(pairs))
	}
	for k, v := range pairs {
		if k == "" {
			continue
		}
		t.ResourceAttributes[k] = v
	}
}

func parseAttributePairs(raw string) map[string]string {
	result := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		key := strings.TrimSpace(kv[0])
		if key == "" {
			continue
		}
		val := ""
		if len(kv) > 1 {
			val = strings.TrimSpace(kv[1])
		}
		result[key] = val
	}
	return result
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	c.Tracing.normalize()
	if c.Encryption.KeyEnv != "" {
		kv := strings.SplitN(c.Encryption.KeyEnv, ":", 2)
		if len(kv) == 2 {
			c.Encryption.Keys = append([]EncryptionKey{{KID: kv[0], Key: kv[1]}}, c.Encryption.Keys...)
		}
	}
}
