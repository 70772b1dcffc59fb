package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete configuration of every buildstash role.
// Each process reads the sections it needs.
type Config struct {
	App         AppConfig         `yaml:"app"`
	Logging     LoggingConfig     `yaml:"logging"`
	Auth        AuthConfig        `yaml:"auth"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	BuildServer BuildServerConfig `yaml:"build_server"`
	Client      ClientConfig      `yaml:"client"`
	Cache       CacheConfig       `yaml:"cache"`
	Daemon      DaemonConfig      `yaml:"daemon"`
	Database    DatabaseConfig    `yaml:"database"`
	RabbitMQ    RabbitMQConfig    `yaml:"rabbitmq"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AuthConfig holds the shared bearer token. Empty disables authentication.
type AuthConfig struct {
	Token string `yaml:"token"`
}

// HTTPConfig holds HTTP listener configuration
type HTTPConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SchedulerConfig holds scheduler configuration
type SchedulerConfig struct {
	HTTP             HTTPConfig    `yaml:"http"`
	MaxPerCoreLoad   int           `yaml:"max_per_core_load"`
	JobTimeout       time.Duration `yaml:"job_timeout"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	// EventBuffer bounds job events waiting to be persisted or published.
	EventBuffer int `yaml:"event_buffer"`
}

// BuildServerConfig holds build server configuration
type BuildServerConfig struct {
	HTTP              HTTPConfig    `yaml:"http"`
	ServerID          string        `yaml:"server_id"`
	PublicAddr        string        `yaml:"public_addr"`
	SchedulerURL      string        `yaml:"scheduler_url"`
	NumCPUs           int           `yaml:"num_cpus"`
	Concurrency       int           `yaml:"concurrency"`
	ToolchainDir      string        `yaml:"toolchain_dir"`
	BuildDir          string        `yaml:"build_dir"`
	HostToolchain     bool          `yaml:"host_toolchain"`
	BuildTimeout      time.Duration `yaml:"build_timeout"`
	UnclaimedTimeout  time.Duration `yaml:"unclaimed_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// ClientConfig holds client dispatch configuration. An empty scheduler URL
// compiles everything locally.
type ClientConfig struct {
	SchedulerURL    string        `yaml:"scheduler_url"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
	ToolchainDir    string        `yaml:"toolchain_dir"`
}

// CacheConfig holds local cache configuration
type CacheConfig struct {
	Dir          string `yaml:"dir"`
	Preprocessor bool   `yaml:"preprocessor"`
}

// DaemonConfig holds local daemon configuration
type DaemonConfig struct {
	HTTP HTTPConfig `yaml:"http"`
}

// DatabaseConfig holds PostgreSQL connection configuration. An empty host
// disables job history.
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
}

// Enabled reports whether a database is configured.
func (d DatabaseConfig) Enabled() bool {
	return d.Host != ""
}

// RabbitMQConfig holds RabbitMQ connection and exchange configuration. An
// empty host disables job event publication.
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// Enabled reports whether a broker is configured.
func (r RabbitMQConfig) Enabled() bool {
	return r.Host != ""
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// Default returns a configuration that runs a local-only client with a cache
// under the user's cache directory.
func Default() *Config {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = os.TempDir()
	}
	root := filepath.Join(cacheDir, "buildstash")

	return &Config{
		App: AppConfig{Name: "buildstash", Environment: "local"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Scheduler: SchedulerConfig{
			HTTP:             HTTPConfig{Port: 10600, ShutdownTimeout: 10 * time.Second},
			MaxPerCoreLoad:   10,
			JobTimeout:       10 * time.Minute,
			HeartbeatTimeout: 90 * time.Second,
			SweepInterval:    15 * time.Second,
			EventBuffer:      1024,
		},
		BuildServer: BuildServerConfig{
			HTTP:              HTTPConfig{Port: 10501, ShutdownTimeout: 30 * time.Second},
			NumCPUs:           runtime.NumCPU(),
			Concurrency:       runtime.NumCPU(),
			ToolchainDir:      filepath.Join(root, "server", "toolchains"),
			BuildDir:          filepath.Join(root, "server", "builds"),
			BuildTimeout:      5 * time.Minute,
			UnclaimedTimeout:  5 * time.Minute,
			HeartbeatInterval: 30 * time.Second,
		},
		Client: ClientConfig{
			DispatchTimeout: 5 * time.Minute,
			ToolchainDir:    filepath.Join(root, "client", "toolchains"),
		},
		Cache: CacheConfig{
			Dir:          filepath.Join(root, "cache"),
			Preprocessor: true,
		},
		Daemon: DaemonConfig{
			HTTP: HTTPConfig{Port: 4226, ShutdownTimeout: 10 * time.Second},
		},
		Database: DatabaseConfig{
			Port:         5432,
			SSLMode:      "disable",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		RabbitMQ: RabbitMQConfig{
			Port: 5672,
			Exchange: ExchangeConfig{
				Name:    "buildstash.job_events",
				Type:    "topic",
				Durable: true,
			},
			RoutingKey: "job.state",
			Connection: ConnectionConfig{
				RetryAttempts:     5,
				RetryInterval:     2 * time.Second,
				Heartbeat:         10 * time.Second,
				ConnectionTimeout: 30 * time.Second,
			},
			Publish: PublishConfig{
				RetryAttempts:     3,
				RetryInterval:     time.Second,
				BackoffMultiplier: 2,
			},
		},
	}
}

// Load reads and parses the configuration file on top of Default.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(configPath string) (*Config, error) {
	cfg, err := Load(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func validatePort(name string, port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("invalid %s port: %d (must be between %d and %d)", name, port, MinPort, MaxPort)
	}
	return nil
}

func validateURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid %s: %q (must be an http or https URL)", name, raw)
	}
	return nil
}

func (c *Config) validateStorage() error {
	if c.Database.Enabled() {
		if err := validatePort("database", c.Database.Port); err != nil {
			return err
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	if c.RabbitMQ.Enabled() {
		if err := validatePort("rabbitmq", c.RabbitMQ.Port); err != nil {
			return err
		}
		if c.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}
	}
	return nil
}

// ValidateSchedulerConfig checks the sections the scheduler uses
func (c *Config) ValidateSchedulerConfig() error {
	s := c.Scheduler
	if err := validatePort("scheduler", s.HTTP.Port); err != nil {
		return err
	}

	if s.MaxPerCoreLoad <= 0 {
		return fmt.Errorf("scheduler max_per_core_load must be greater than 0")
	}

	if s.JobTimeout <= 0 {
		return fmt.Errorf("scheduler job_timeout must be greater than 0")
	}

	if s.HeartbeatTimeout <= 0 {
		return fmt.Errorf("scheduler heartbeat_timeout must be greater than 0")
	}

	return c.validateStorage()
}

// ValidateBuildServerConfig checks the sections the build server uses
func (c *Config) ValidateBuildServerConfig() error {
	b := c.BuildServer
	if err := validatePort("build server", b.HTTP.Port); err != nil {
		return err
	}

	if b.ServerID == "" {
		return fmt.Errorf("build server server_id is required")
	}

	if err := validateURL("build server public_addr", b.PublicAddr); err != nil {
		return err
	}

	if err := validateURL("build server scheduler_url", b.SchedulerURL); err != nil {
		return err
	}

	if b.NumCPUs <= 0 {
		return fmt.Errorf("build server num_cpus must be greater than 0")
	}

	if b.Concurrency <= 0 {
		return fmt.Errorf("build server concurrency must be greater than 0")
	}

	if b.ToolchainDir == "" || b.BuildDir == "" {
		return fmt.Errorf("build server toolchain_dir and build_dir are required")
	}

	if b.HeartbeatInterval <= 0 {
		return fmt.Errorf("build server heartbeat_interval must be greater than 0")
	}

	return nil
}

// ValidateClientConfig checks the sections the compiler wrapper and daemon use
func (c *Config) ValidateClientConfig() error {
	if err := validatePort("daemon", c.Daemon.HTTP.Port); err != nil {
		return err
	}

	if c.Client.SchedulerURL != "" {
		if err := validateURL("client scheduler_url", c.Client.SchedulerURL); err != nil {
			return err
		}
	}

	if c.Client.DispatchTimeout <= 0 {
		return fmt.Errorf("client dispatch_timeout must be greater than 0")
	}

	if c.Cache.Dir == "" {
		return fmt.Errorf("cache dir is required")
	}

	if c.Client.ToolchainDir == "" {
		return fmt.Errorf("client toolchain_dir is required")
	}

	return nil
}
