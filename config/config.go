package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Auth          AuthConfig
	Queue         QueueConfig
	Balancer      BalancerConfig
	Audit         AuditConfig
	Observability ObservabilityConfig
	ProvidersFile string
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// AuthConfig holds API authentication configuration
type AuthConfig struct {
	// JWTSecret signs and verifies bearer tokens; empty disables auth,
	// which is only sensible for local simulation runs.
	JWTSecret string
}

// QueueConfig holds decision queue tunables
type QueueConfig struct {
	MaxConcurrent        int64
	RetryCeiling         int
	AttemptTimeout       time.Duration
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	NoProviderRetryDelay time.Duration
	SubmitWait           time.Duration
}

// BalancerConfig holds load balancer tunables
type BalancerConfig struct {
	FailureThreshold int
	DisableBase      time.Duration
	DisableMax       time.Duration
	LatencyAlpha     float64
	FailureWeight    float64
}

// AuditConfig holds the optional PostgreSQL outcome-event store
// configuration. Empty DatabaseURL disables the store.
type AuditConfig struct {
	DatabaseURL     string
	Retention       time.Duration
	CleanupInterval time.Duration
}

// ObservabilityConfig holds logging and metrics configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or console
	MetricsEnabled bool
}

// ProviderSpec describes one backend instance in the providers file.
type ProviderSpec struct {
	Name    string            `yaml:"name"`
	Kind    string            `yaml:"kind"` // ollama or openai
	BaseURL string            `yaml:"base_url"`
	APIKey  string            `yaml:"api_key,omitempty"`
	Model   string            `yaml:"model"`
	Timeout string            `yaml:"timeout,omitempty"` // Go duration string
	Headers map[string]string `yaml:"headers,omitempty"`
}

// CallTimeout parses the spec's timeout, zero when unset.
func (p ProviderSpec) CallTimeout() (time.Duration, error) {
	if p.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(p.Timeout)
}

// ProvidersFile is the YAML document listing registered backends.
type ProvidersFile struct {
	Providers []ProviderSpec `yaml:"providers"`
}

// New creates a new Config instance by loading environment variables
func New() (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		Queue: QueueConfig{
			MaxConcurrent:        int64(getEnvAsInt("QUEUE_MAX_CONCURRENT", 4)),
			RetryCeiling:         getEnvAsInt("QUEUE_RETRY_CEILING", 3),
			AttemptTimeout:       getEnvAsDuration("QUEUE_ATTEMPT_TIMEOUT", 30*time.Second),
			BackoffBase:          getEnvAsDuration("QUEUE_BACKOFF_BASE", 250*time.Millisecond),
			BackoffMax:           getEnvAsDuration("QUEUE_BACKOFF_MAX", 10*time.Second),
			NoProviderRetryDelay: getEnvAsDuration("QUEUE_NO_PROVIDER_RETRY_DELAY", 500*time.Millisecond),
			SubmitWait:           getEnvAsDuration("QUEUE_SUBMIT_WAIT", 2*time.Minute),
		},
		Balancer: BalancerConfig{
			FailureThreshold: getEnvAsInt("BALANCER_FAILURE_THRESHOLD", 5),
			DisableBase:      getEnvAsDuration("BALANCER_DISABLE_BASE", 5*time.Second),
			DisableMax:       getEnvAsDuration("BALANCER_DISABLE_MAX", 2*time.Minute),
			LatencyAlpha:     getEnvAsFloat("BALANCER_LATENCY_ALPHA", 0.3),
			FailureWeight:    getEnvAsFloat("BALANCER_FAILURE_WEIGHT", 0.5),
		},
		Audit: AuditConfig{
			DatabaseURL:     getEnv("AUDIT_DATABASE_URL", ""),
			Retention:       getEnvAsDuration("AUDIT_RETENTION", 7*24*time.Hour),
			CleanupInterval: getEnvAsDuration("AUDIT_CLEANUP_INTERVAL", time.Hour),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "console"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
		ProvidersFile: getEnv("PROVIDERS_FILE", "providers.yaml"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Queue.MaxConcurrent <= 0 {
		return fmt.Errorf("QUEUE_MAX_CONCURRENT must be positive")
	}
	if c.Queue.RetryCeiling <= 0 {
		return fmt.Errorf("QUEUE_RETRY_CEILING must be positive")
	}
	return nil
}

// LoadProviders reads and validates the providers YAML file.
func (c *Config) LoadProviders() ([]ProviderSpec, error) {
	data, err := os.ReadFile(c.ProvidersFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file %s: %w", c.ProvidersFile, err)
	}

	var file ProvidersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse providers file: %w", err)
	}

	seen := make(map[string]bool)
	for i, spec := range file.Providers {
		if spec.Name == "" {
			return nil, fmt.Errorf("provider %d has no name", i)
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("duplicate provider name %q", spec.Name)
		}
		seen[spec.Name] = true
		switch spec.Kind {
		case "ollama", "openai":
		default:
			return nil, fmt.Errorf("provider %q has unknown kind %q", spec.Name, spec.Kind)
		}
		if spec.Model == "" {
			return nil, fmt.Errorf("provider %q has no model", spec.Name)
		}
		if _, err := spec.CallTimeout(); err != nil {
			return nil, fmt.Errorf("provider %q has invalid timeout: %w", spec.Name, err)
		}
	}

	return file.Providers, nil
}

// Environment helpers

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
