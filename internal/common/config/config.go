// Package config provides configuration management for Conveyor.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Documented defaults. Environment values that fail strict parsing fall back
// to these, not to whatever a config file may have set.
const (
	DefaultMaxBacklogSize    = 5
	DefaultContainerMemoryMB = 1024
	DefaultWebPort           = 3131
	DefaultTickIntervalS     = 30
	DefaultSeedCooldownS     = 3600
	DefaultMaxWorkers        = 2
	DefaultAgentTimeoutS     = 1800
)

// Config holds all configuration sections for Conveyor.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Chat     ChatConfig     `mapstructure:"chat"`
	Worktree WorktreeConfig `mapstructure:"worktree"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds queue-store backend configuration.
type DatabaseConfig struct {
	Driver        string `mapstructure:"driver"` // sqlite3 or pgx
	Path          string `mapstructure:"path"`   // sqlite file path
	DSN           string `mapstructure:"dsn"`    // postgres connection string
	BusyTimeoutMS int    `mapstructure:"busyTimeoutMs"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// PipelineConfig holds scheduler and retry policy configuration.
type PipelineConfig struct {
	Mode           string `mapstructure:"mode"`
	MaxBacklogSize int    `mapstructure:"maxBacklogSize"`
	TickIntervalS  int    `mapstructure:"tickIntervalS"`
	MaxWorkers     int    `mapstructure:"maxWorkers"`
	SeedCooldownS  int64  `mapstructure:"seedCooldownS"`
	AgentTimeoutS  int64  `mapstructure:"agentTimeoutS"`
	ContinuousMode bool   `mapstructure:"continuousMode"`
	AutoMerge      bool   `mapstructure:"autoMerge"`
	PrimaryRepo    string `mapstructure:"primaryRepo"`
	PrimaryTestCmd string `mapstructure:"primaryTestCmd"`
	WatchedRepos   string `mapstructure:"watchedRepos"`
}

// SandboxConfig holds container sandbox configuration.
type SandboxConfig struct {
	Image      string `mapstructure:"image"`
	MemoryMB   int64  `mapstructure:"memoryMb"`
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
}

// AgentConfig holds agent subprocess configuration.
type AgentConfig struct {
	// Command is the agent CLI invoked for agent-role phases. It receives the
	// phase prompt on stdin and the session/tool contract via environment.
	Command string `mapstructure:"command"`
}

// ChatConfig holds chat front-end bridge flags.
type ChatConfig struct {
	WhatsAppEnabled bool `mapstructure:"whatsappEnabled"`
	DiscordEnabled  bool `mapstructure:"discordEnabled"`
}

// WorktreeConfig holds Git worktree configuration for concurrent task execution.
type WorktreeConfig struct {
	BasePath      string `mapstructure:"basePath"`      // Base directory for worktrees
	DefaultBranch string `mapstructure:"defaultBranch"` // Default base branch
	BranchPrefix  string `mapstructure:"branchPrefix"`  // Prefix for task branches
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

// TickInterval returns the dispatcher cadence as a time.Duration.
func (p *PipelineConfig) TickInterval() time.Duration {
	return time.Duration(p.TickIntervalS) * time.Second
}

// AgentTimeout returns the per-invocation agent deadline. Zero disables the
// watchdog.
func (p *PipelineConfig) AgentTimeout() time.Duration {
	if p.AgentTimeoutS <= 0 {
		return 0
	}
	return time.Duration(p.AgentTimeoutS) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CONVEYOR_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", DefaultWebPort)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "./conveyor.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.busyTimeoutMs", 5000)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Pipeline defaults
	v.SetDefault("pipeline.mode", "software")
	v.SetDefault("pipeline.maxBacklogSize", DefaultMaxBacklogSize)
	v.SetDefault("pipeline.tickIntervalS", DefaultTickIntervalS)
	v.SetDefault("pipeline.maxWorkers", DefaultMaxWorkers)
	v.SetDefault("pipeline.seedCooldownS", DefaultSeedCooldownS)
	v.SetDefault("pipeline.agentTimeoutS", DefaultAgentTimeoutS)
	v.SetDefault("pipeline.continuousMode", false)
	v.SetDefault("pipeline.autoMerge", true)
	v.SetDefault("pipeline.primaryRepo", "")
	v.SetDefault("pipeline.primaryTestCmd", "")
	v.SetDefault("pipeline.watchedRepos", "")

	// Sandbox defaults
	v.SetDefault("sandbox.image", "conveyor-sandbox:latest")
	v.SetDefault("sandbox.memoryMb", DefaultContainerMemoryMB)
	v.SetDefault("sandbox.host", "unix:///var/run/docker.sock")
	v.SetDefault("sandbox.apiVersion", "1.41")

	// Agent defaults
	v.SetDefault("agent.command", "agent")

	// Chat defaults
	v.SetDefault("chat.whatsappEnabled", false)
	v.SetDefault("chat.discordEnabled", false)

	// Worktree defaults
	v.SetDefault("worktree.basePath", "~/.conveyor/worktrees")
	v.SetDefault("worktree.defaultBranch", "main")
	v.SetDefault("worktree.branchPrefix", "conveyor/")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Config file should be named config.yaml and placed in the current directory
// or /etc/conveyor/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// String-valued environment keys go through viper. Numeric and boolean
	// keys are overlaid after unmarshal because their parsing is stricter
	// than viper's (see applyEnvOverrides).
	_ = v.BindEnv("database.driver", "DB_DRIVER")
	_ = v.BindEnv("database.path", "DB_PATH")
	_ = v.BindEnv("database.dsn", "DB_DSN")
	_ = v.BindEnv("nats.url", "NATS_URL")
	_ = v.BindEnv("pipeline.mode", "PIPELINE_MODE")
	_ = v.BindEnv("pipeline.primaryRepo", "PIPELINE_REPO")
	_ = v.BindEnv("pipeline.primaryTestCmd", "PIPELINE_TEST_CMD")
	_ = v.BindEnv("pipeline.watchedRepos", "WATCHED_REPOS")
	_ = v.BindEnv("sandbox.image", "SANDBOX_IMAGE")
	_ = v.BindEnv("agent.command", "AGENT_CMD")
	_ = v.BindEnv("worktree.basePath", "WORKTREE_DIR")
	_ = v.BindEnv("worktree.branchPrefix", "WORKTREE_BRANCH_PREFIX")
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/conveyor/")

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

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies the strictly-parsed environment keys. Booleans
// accept only the exact lowercase strings "true" and "false"; anything else
// leaves the current value. Integers that do not parse (or are negative)
// fall back to the documented default.
func applyEnvOverrides(cfg *Config) {
	cfg.Server.Port = intFromEnv("WEB_PORT", cfg.Server.Port, DefaultWebPort)
	cfg.Pipeline.MaxBacklogSize = intFromEnv("MAX_BACKLOG_SIZE", cfg.Pipeline.MaxBacklogSize, DefaultMaxBacklogSize)
	cfg.Pipeline.TickIntervalS = intFromEnv("TICK_INTERVAL_S", cfg.Pipeline.TickIntervalS, DefaultTickIntervalS)
	cfg.Pipeline.MaxWorkers = intFromEnv("MAX_WORKERS", cfg.Pipeline.MaxWorkers, DefaultMaxWorkers)
	cfg.Pipeline.SeedCooldownS = int64FromEnv("SEED_COOLDOWN_S", cfg.Pipeline.SeedCooldownS, DefaultSeedCooldownS)
	cfg.Pipeline.AgentTimeoutS = int64FromEnv("AGENT_TIMEOUT_S", cfg.Pipeline.AgentTimeoutS, DefaultAgentTimeoutS)
	cfg.Sandbox.MemoryMB = int64FromEnv("CONTAINER_MEMORY_MB", cfg.Sandbox.MemoryMB, DefaultContainerMemoryMB)

	cfg.Pipeline.ContinuousMode = boolFromEnv("CONTINUOUS_MODE", cfg.Pipeline.ContinuousMode)
	cfg.Pipeline.AutoMerge = boolFromEnv("PIPELINE_AUTO_MERGE", cfg.Pipeline.AutoMerge)
	cfg.Chat.WhatsAppEnabled = boolFromEnv("WHATSAPP_ENABLED", cfg.Chat.WhatsAppEnabled)
	cfg.Chat.DiscordEnabled = boolFromEnv("DISCORD_ENABLED", cfg.Chat.DiscordEnabled)
}

func intFromEnv(key string, current, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return current
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func int64FromEnv(key string, current, fallback int64) int64 {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return current
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func boolFromEnv(key string, current bool) bool {
	switch os.Getenv(key) {
	case "true":
		return true
	case "false":
		return false
	default:
		return current
	}
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite3 driver")
		}
	case "pgx":
		if cfg.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for the pgx driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite3, pgx")
	}

	if cfg.Pipeline.MaxWorkers < 1 {
		errs = append(errs, "pipeline.maxWorkers must be at least 1")
	}
	if cfg.Pipeline.TickIntervalS < 1 {
		errs = append(errs, "pipeline.tickIntervalS must be at least 1")
	}
	if cfg.Sandbox.MemoryMB < 1 {
		errs = append(errs, "sandbox.memoryMb must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
