// Package config provides configuration management for Trinity.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Docker     DockerConfig     `mapstructure:"docker"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	MCP        MCPConfig        `mapstructure:"mcp"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds control-plane HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds record-store configuration. When Host is empty the
// orchestrator uses SQLite at Path; otherwise PostgreSQL.
type DatabaseConfig struct {
	Path     string `mapstructure:"path"` // SQLite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. Empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	VolumeBasePath string `mapstructure:"volumeBasePath"`
	DefaultImage   string `mapstructure:"defaultImage"`
	PortBase       int    `mapstructure:"portBase"`
}

// ExecutionConfig holds execution-engine concurrency defaults. The global
// task cap and execution ceiling can be overridden at runtime through the
// settings store; these are the boot values.
type ExecutionConfig struct {
	PerAgentTaskCap int `mapstructure:"perAgentTaskCap"`
	GlobalTaskCap   int `mapstructure:"globalTaskCap"`
	MaxExecutionMin int `mapstructure:"maxExecutionMin"`
	ChatQueueDepth  int `mapstructure:"chatQueueDepth"`
}

// SchedulerConfig holds scheduler tick configuration.
type SchedulerConfig struct {
	TickSeconds int `mapstructure:"tickSeconds"`
}

// SupervisorConfig holds supervisor loop configuration.
type SupervisorConfig struct {
	TickSeconds int `mapstructure:"tickSeconds"`
}

// MCPConfig holds the agent-facing MCP server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Tick returns the scheduler evaluation interval.
func (s *SchedulerConfig) Tick() time.Duration {
	return time.Duration(s.TickSeconds) * time.Second
}

// Tick returns the supervisor loop interval.
func (s *SupervisorConfig) Tick() time.Duration {
	return time.Duration(s.TickSeconds) * time.Second
}

// UsePostgres reports whether the PostgreSQL backend is configured.
func (d *DatabaseConfig) UsePostgres() bool {
	return d.Host != ""
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("TRINITY_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.path", "~/.trinity/trinity.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "trinity")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "trinity")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "trinity-orchestrator")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.defaultNetwork", "trinity-network")
	v.SetDefault("docker.volumeBasePath", "/var/lib/trinity/volumes")
	v.SetDefault("docker.defaultImage", "trinity/agent:latest")
	v.SetDefault("docker.portBase", 2290)

	v.SetDefault("execution.perAgentTaskCap", 5)
	v.SetDefault("execution.globalTaskCap", 50)
	v.SetDefault("execution.maxExecutionMin", 10)
	v.SetDefault("execution.chatQueueDepth", 3)

	v.SetDefault("scheduler.tickSeconds", 15)
	v.SetDefault("supervisor.tickSeconds", 60)

	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.port", 9090)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TRINITY_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/trinity/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TRINITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so
	// bind keys where env var naming differs from the config key naming.
	_ = v.BindEnv("docker.portBase", "TRINITY_PORT_BASE")
	_ = v.BindEnv("scheduler.tickSeconds", "TRINITY_SCHEDULER_TICK_SECONDS")
	_ = v.BindEnv("supervisor.tickSeconds", "TRINITY_SUPERVISOR_TICK_SECONDS")
	_ = v.BindEnv("execution.globalTaskCap", "TRINITY_MAX_PARALLEL_TASKS_GLOBAL")
	_ = v.BindEnv("database.path", "TRINITY_DB_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/trinity/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	}

	if cfg.Docker.PortBase <= 0 || cfg.Docker.PortBase > 65000 {
		errs = append(errs, "docker.portBase must be between 1 and 65000")
	}

	if cfg.Execution.PerAgentTaskCap <= 0 {
		errs = append(errs, "execution.perAgentTaskCap must be positive")
	}
	if cfg.Execution.GlobalTaskCap < cfg.Execution.PerAgentTaskCap {
		errs = append(errs, "execution.globalTaskCap must be >= execution.perAgentTaskCap")
	}
	if cfg.Scheduler.TickSeconds <= 0 {
		errs = append(errs, "scheduler.tickSeconds must be positive")
	}
	if cfg.Supervisor.TickSeconds <= 0 {
		errs = append(errs, "supervisor.tickSeconds must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
