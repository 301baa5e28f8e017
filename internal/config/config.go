package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Rate limited downstream services the import pipeline calls
const (
	ServiceScreenshot = "screenshot"
	ServiceAI         = "ai"
	ServiceEmbedding  = "embedding"
)

// RequiredServices lists the services that must have a rate limit
var RequiredServices = []string{ServiceScreenshot, ServiceAI, ServiceEmbedding}

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Database   DatabaseConfig    `yaml:"database"`
	RabbitMQ   RabbitMQConfig    `yaml:"rabbitmq"`
	Logging    LoggingConfig     `yaml:"logging"`
	App        AppConfig         `yaml:"app"`
	Queue      JobQueueConfig    `yaml:"queue"`
	RateLimits []RateLimitConfig `yaml:"rate_limits"`
	Providers  ProvidersConfig   `yaml:"providers"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RabbitMQConfig holds the optional import request consumer settings
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Durable bool   `yaml:"durable"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name    string `yaml:"name"`
	Durable bool   `yaml:"durable"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	Tag           string `yaml:"tag"`
	PrefetchCount int    `yaml:"prefetch_count"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// JobQueueConfig holds import job scheduling settings
type JobQueueConfig struct {
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
	Retention         time.Duration `yaml:"retention"`
	ReapInterval      time.Duration `yaml:"reap_interval"`
	ItemTimeout       time.Duration `yaml:"item_timeout"`
	StreamInterval    time.Duration `yaml:"stream_interval"`
}

// RateLimitConfig holds the limits for one downstream service
type RateLimitConfig struct {
	Service           string        `yaml:"service"`
	RequestsPerWindow int           `yaml:"requests_per_window"`
	Window            time.Duration `yaml:"window"`
	MaxConcurrent     int           `yaml:"max_concurrent"`
}

// ProvidersConfig holds downstream provider settings
type ProvidersConfig struct {
	Gemini     GeminiConfig     `yaml:"gemini"`
	Screenshot ScreenshotConfig `yaml:"screenshot"`
}

// GeminiConfig holds Gemini API settings
type GeminiConfig struct {
	APIKey         string `yaml:"api_key"`
	SummaryModel   string `yaml:"summary_model"`
	EmbeddingModel string `yaml:"embedding_model"`
	MaxSentences   int    `yaml:"max_sentences"`
}

// ScreenshotConfig holds capture service settings
type ScreenshotConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
	FullPage bool          `yaml:"full_page"`
}

// Load reads and parses the configuration file, then applies secrets from
// the environment
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnv()
	return &config, nil
}

func (c *Config) applyEnv() {
	overrides := map[string]*string{
		"GEMINI_API_KEY":     &c.Providers.Gemini.APIKey,
		"SCREENSHOT_API_KEY": &c.Providers.Screenshot.APIKey,
		"DATABASE_PASSWORD":  &c.Database.Password,
		"RABBITMQ_PASSWORD":  &c.RabbitMQ.Password,
	}
	for env, field := range overrides {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			*field = v
		}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Enabled {
		if err := c.RabbitMQ.validate(); err != nil {
			return err
		}
	}

	if c.Queue.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("queue max_concurrent_jobs must be greater than 0")
	}

	if c.Queue.Retention <= 0 {
		return fmt.Errorf("queue retention must be greater than 0")
	}

	if err := c.validateRateLimits(); err != nil {
		return err
	}

	if c.Providers.Gemini.APIKey == "" {
		return fmt.Errorf("gemini api_key is required (or set GEMINI_API_KEY)")
	}

	if c.Providers.Gemini.SummaryModel == "" || c.Providers.Gemini.EmbeddingModel == "" {
		return fmt.Errorf("gemini summary_model and embedding_model are required")
	}

	if c.Providers.Screenshot.Endpoint == "" {
		return fmt.Errorf("screenshot endpoint is required")
	}

	return nil
}

func (r *RabbitMQConfig) validate() error {
	if r.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if r.Port < MinPort || r.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", r.Port, MinPort, MaxPort)
	}

	if r.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if r.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}

func (c *Config) validateRateLimits() error {
	seen := make(map[string]bool, len(c.RateLimits))
	for _, rl := range c.RateLimits {
		if rl.Service == "" {
			return fmt.Errorf("rate limit service name is required")
		}
		if seen[rl.Service] {
			return fmt.Errorf("duplicate rate limit for service %q", rl.Service)
		}
		seen[rl.Service] = true

		if rl.RequestsPerWindow <= 0 {
			return fmt.Errorf("rate limit %q: requests_per_window must be greater than 0", rl.Service)
		}
		if rl.Window <= 0 {
			return fmt.Errorf("rate limit %q: window must be greater than 0", rl.Service)
		}
		if rl.MaxConcurrent <= 0 {
			return fmt.Errorf("rate limit %q: max_concurrent must be greater than 0", rl.Service)
		}
	}

	for _, service := range RequiredServices {
		if !seen[service] {
			return fmt.Errorf("rate limit for service %q is required", service)
		}
	}
	return nil
}

// RateLimit returns the configured limits for service
func (c *Config) RateLimit(service string) (RateLimitConfig, bool) {
	for _, rl := range c.RateLimits {
		if rl.Service == service {
			return rl, true
		}
	}
	return RateLimitConfig{}, false
}
