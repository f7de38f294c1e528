// Package config provides configuration management for the taskflow server.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the taskflow server.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Watchdog   WatchdogConfig   `mapstructure:"watchdog"`
	Planning   PlanningConfig   `mapstructure:"planning"`
	Automation AutomationConfig `mapstructure:"automation"`
	Tools      ToolsConfig      `mapstructure:"tools"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StorageConfig holds the server data directory and activity database settings.
// Driver selects the activity store backend: "sqlite3" (default) or "pgx".
type StorageConfig struct {
	DataDir      string `mapstructure:"dataDir"`      // server state root (workspace registry, skills, sqlite db)
	Driver       string `mapstructure:"driver"`       // sqlite3 | pgx
	DatabasePath string `mapstructure:"databasePath"` // sqlite file; defaults to <dataDir>/activity.db
	DatabaseDSN  string `mapstructure:"databaseDsn"`  // postgres DSN when driver=pgx
	MaxConns     int    `mapstructure:"maxConns"`
	MinConns     int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentConfig holds the external agent harness configuration.
type AgentConfig struct {
	// Command is the agent harness executable. Empty selects the built-in
	// scripted conversation backend (demo mode).
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`

	// DefaultThinkingLevel is applied when a task carries no model config.
	DefaultThinkingLevel string `mapstructure:"defaultThinkingLevel"`

	// HeartbeatInterval is the execution-lease heartbeat period in seconds.
	HeartbeatInterval int `mapstructure:"heartbeatInterval"`
}

// WatchdogConfig holds the per-turn stall timers, in seconds, plus the
// assistant/tool-result echo dedup window in milliseconds.
type WatchdogConfig struct {
	NoFirstEvent    int `mapstructure:"noFirstEvent"`
	StreamSilence   int `mapstructure:"streamSilence"`
	ToolExecution   int `mapstructure:"toolExecution"`
	PostTool        int `mapstructure:"postTool"`
	MaxTurnDuration int `mapstructure:"maxTurnDuration"`
	EchoDedupMs     int `mapstructure:"echoDedupMs"`
}

// PlanningConfig holds the planning pipeline guardrails.
type PlanningConfig struct {
	Timeout           int    `mapstructure:"timeout"` // outer prompt timeout in seconds
	MaxToolCalls      int    `mapstructure:"maxToolCalls"`
	MaxReadBytes      int    `mapstructure:"maxReadBytes"`
	CompactionTimeout int    `mapstructure:"compactionTimeout"` // in seconds
	ThinkingLevel     string `mapstructure:"thinkingLevel"`
}

// AutomationConfig holds the global workflow policy defaults. Workspace and
// task overrides resolve on top of these.
type AutomationConfig struct {
	ReadyLimit       int  `mapstructure:"readyLimit"`
	ExecutingLimit   int  `mapstructure:"executingLimit"`
	BacklogToReady   bool `mapstructure:"backlogToReady"`
	ReadyToExecuting bool `mapstructure:"readyToExecuting"`
	KickBackoff      int  `mapstructure:"kickBackoff"` // in seconds
}

// ToolsConfig holds the embedded MCP tool bridge settings.
type ToolsConfig struct {
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

// SQLitePath returns the sqlite database file path, defaulting under DataDir.
func (s *StorageConfig) SQLitePath() string {
	if s.DatabasePath != "" {
		return s.DatabasePath
	}
	return filepath.Join(s.DataDir, "activity.db")
}

// HeartbeatIntervalDuration returns the lease heartbeat period.
func (a *AgentConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(a.HeartbeatInterval) * time.Second
}

// NoFirstEventDuration returns the no-first-event watchdog timeout.
func (w *WatchdogConfig) NoFirstEventDuration() time.Duration {
	return time.Duration(w.NoFirstEvent) * time.Second
}

// StreamSilenceDuration returns the stream-silence watchdog timeout.
func (w *WatchdogConfig) StreamSilenceDuration() time.Duration {
	return time.Duration(w.StreamSilence) * time.Second
}

// ToolExecutionDuration returns the tool-execution watchdog timeout.
func (w *WatchdogConfig) ToolExecutionDuration() time.Duration {
	return time.Duration(w.ToolExecution) * time.Second
}

// PostToolDuration returns the post-tool watchdog timeout.
func (w *WatchdogConfig) PostToolDuration() time.Duration {
	return time.Duration(w.PostTool) * time.Second
}

// MaxTurnDurationDuration returns the absolute per-turn ceiling.
func (w *WatchdogConfig) MaxTurnDurationDuration() time.Duration {
	return time.Duration(w.MaxTurnDuration) * time.Second
}

// EchoDedupWindow returns the echo dedup window.
func (w *WatchdogConfig) EchoDedupWindow() time.Duration {
	return time.Duration(w.EchoDedupMs) * time.Millisecond
}

// TimeoutDuration returns the outer planning prompt timeout.
func (p *PlanningConfig) TimeoutDuration() time.Duration {
	return time.Duration(p.Timeout) * time.Second
}

// CompactionTimeoutDuration returns the post-planning compaction timeout.
func (p *PlanningConfig) CompactionTimeoutDuration() time.Duration {
	return time.Duration(p.CompactionTimeout) * time.Second
}

// KickBackoffDuration returns the delay before re-kicking after a failed auto-start.
func (a *AutomationConfig) KickBackoffDuration() time.Duration {
	return time.Duration(a.KickBackoff) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("TASKFLOW_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Storage defaults
	v.SetDefault("storage.dataDir", "~/.taskflow")
	v.SetDefault("storage.driver", "sqlite3")
	v.SetDefault("storage.databasePath", "")
	v.SetDefault("storage.databaseDsn", "")
	v.SetDefault("storage.maxConns", 25)
	v.SetDefault("storage.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "taskflow-server")
	v.SetDefault("nats.maxReconnects", 10)

	// Agent harness defaults
	v.SetDefault("agent.command", "")
	v.SetDefault("agent.args", []string{})
	v.SetDefault("agent.defaultThinkingLevel", "medium")
	v.SetDefault("agent.heartbeatInterval", 15)

	// Watchdog defaults
	v.SetDefault("watchdog.noFirstEvent", 20)
	v.SetDefault("watchdog.streamSilence", 60)
	v.SetDefault("watchdog.toolExecution", 120)
	v.SetDefault("watchdog.postTool", 120)
	v.SetDefault("watchdog.maxTurnDuration", 600)
	v.SetDefault("watchdog.echoDedupMs", 2500)

	// Planning guardrail defaults
	v.SetDefault("planning.timeout", 300)
	v.SetDefault("planning.maxToolCalls", 25)
	v.SetDefault("planning.maxReadBytes", 262144)
	v.SetDefault("planning.compactionTimeout", 90)
	v.SetDefault("planning.thinkingLevel", "low")

	// Automation policy defaults
	v.SetDefault("automation.readyLimit", 3)
	v.SetDefault("automation.executingLimit", 1)
	v.SetDefault("automation.backlogToReady", false)
	v.SetDefault("automation.readyToExecuting", false)
	v.SetDefault("automation.kickBackoff", 5)

	// Tool bridge defaults
	v.SetDefault("tools.enabled", true)
	v.SetDefault("tools.port", 9090)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TASKFLOW_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/taskflow/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("TASKFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("storage.dataDir", "TASKFLOW_STORAGE_DATA_DIR")
	_ = v.BindEnv("storage.databasePath", "TASKFLOW_STORAGE_DATABASE_PATH")
	_ = v.BindEnv("storage.databaseDsn", "TASKFLOW_STORAGE_DATABASE_DSN")
	_ = v.BindEnv("agent.command", "TASKFLOW_AGENT_COMMAND")
	_ = v.BindEnv("agent.defaultThinkingLevel", "TASKFLOW_AGENT_DEFAULT_THINKING_LEVEL")
	_ = v.BindEnv("agent.heartbeatInterval", "TASKFLOW_AGENT_HEARTBEAT_INTERVAL")
	_ = v.BindEnv("watchdog.noFirstEvent", "TASKFLOW_WATCHDOG_NO_FIRST_EVENT")
	_ = v.BindEnv("watchdog.streamSilence", "TASKFLOW_WATCHDOG_STREAM_SILENCE")
	_ = v.BindEnv("watchdog.toolExecution", "TASKFLOW_WATCHDOG_TOOL_EXECUTION")
	_ = v.BindEnv("watchdog.postTool", "TASKFLOW_WATCHDOG_POST_TOOL")
	_ = v.BindEnv("watchdog.maxTurnDuration", "TASKFLOW_WATCHDOG_MAX_TURN_DURATION")
	_ = v.BindEnv("watchdog.echoDedupMs", "TASKFLOW_WATCHDOG_ECHO_DEDUP_MS")
	_ = v.BindEnv("planning.maxToolCalls", "TASKFLOW_PLANNING_MAX_TOOL_CALLS")
	_ = v.BindEnv("planning.maxReadBytes", "TASKFLOW_PLANNING_MAX_READ_BYTES")
	_ = v.BindEnv("planning.compactionTimeout", "TASKFLOW_PLANNING_COMPACTION_TIMEOUT")
	_ = v.BindEnv("automation.readyLimit", "TASKFLOW_AUTOMATION_READY_LIMIT")
	_ = v.BindEnv("automation.executingLimit", "TASKFLOW_AUTOMATION_EXECUTING_LIMIT")
	_ = v.BindEnv("automation.backlogToReady", "TASKFLOW_AUTOMATION_BACKLOG_TO_READY")
	_ = v.BindEnv("automation.readyToExecuting", "TASKFLOW_AUTOMATION_READY_TO_EXECUTING")
	_ = v.BindEnv("tools.port", "TASKFLOW_TOOLS_PORT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/taskflow/")

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

	cfg.Storage.DataDir = expandHome(cfg.Storage.DataDir)
	cfg.Storage.DatabasePath = expandHome(cfg.Storage.DatabasePath)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Storage validation
	if cfg.Storage.DataDir == "" {
		errs = append(errs, "storage.dataDir is required")
	}
	switch cfg.Storage.Driver {
	case "sqlite3":
	case "pgx":
		if cfg.Storage.DatabaseDSN == "" {
			errs = append(errs, "storage.databaseDsn is required when storage.driver is pgx")
		}
	default:
		errs = append(errs, "storage.driver must be one of: sqlite3, pgx")
	}

	// Watchdog validation - zero or negative timers would fire immediately
	if cfg.Watchdog.NoFirstEvent <= 0 || cfg.Watchdog.StreamSilence <= 0 ||
		cfg.Watchdog.ToolExecution <= 0 || cfg.Watchdog.PostTool <= 0 ||
		cfg.Watchdog.MaxTurnDuration <= 0 {
		errs = append(errs, "watchdog timeouts must be positive")
	}
	if cfg.Watchdog.EchoDedupMs < 0 {
		errs = append(errs, "watchdog.echoDedupMs must not be negative")
	}

	// Planning validation
	if cfg.Planning.Timeout <= 0 {
		errs = append(errs, "planning.timeout must be positive")
	}
	if cfg.Planning.MaxToolCalls <= 0 {
		errs = append(errs, "planning.maxToolCalls must be positive")
	}
	if cfg.Planning.MaxReadBytes <= 0 {
		errs = append(errs, "planning.maxReadBytes must be positive")
	}

	// Automation validation - zero limits mean unlimited, negatives are invalid
	if cfg.Automation.ReadyLimit < 0 || cfg.Automation.ExecutingLimit < 0 {
		errs = append(errs, "automation limits must not be negative")
	}

	// Tools validation
	if cfg.Tools.Enabled && (cfg.Tools.Port <= 0 || cfg.Tools.Port > 65535) {
		errs = append(errs, "tools.port must be between 1 and 65535")
	}

	// Logging validation
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

// expandHome resolves a leading "~/" against the current user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
