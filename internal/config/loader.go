package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/spf13/viper"
)

const (
	configName = ".devflow"
	configType = "yaml"
	envPrefix  = "DEVFLOW"
)

// Load reads configuration from an explicit file, or from .devflow.yaml in
// the working directory and home directory, with DEVFLOW_* environment
// overrides. A missing config file yields the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("workspace", ".devflow-workspace")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")
	v.SetDefault("state.db_path", "state/workflows.db")
	v.SetDefault("events.journal_path", "events/events.ndjson")
	v.SetDefault("events.max_workers", 10)
	v.SetDefault("events.slow_handler_threshold_ms", 1000)
	v.SetDefault("engine.stuck_threshold_seconds", 3600)
	v.SetDefault("engine.default_max_attempts", 3)
	v.SetDefault("engine.call_timeout_seconds", 120)
	v.SetDefault("engine.phase_timeout_seconds", 600)
	v.SetDefault("engine.workflow_timeout_seconds", 0)
	v.SetDefault("budgets.default_usd", 0)
	v.SetDefault("server.addr", "127.0.0.1:8400")
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("router.default.provider", "claude")
	v.SetDefault("router.default.model", "claude-sonnet-4")
	v.SetDefault("providers.claude.enabled", true)
	v.SetDefault("providers.claude.api_key_env", "ANTHROPIC_API_KEY")
	v.SetDefault("providers.claude.base_url", "https://api.anthropic.com/v1")
	v.SetDefault("providers.claude.default_model", "claude-sonnet-4")
}

// defaultConfigYAML is the commented starter config written by `devflow init`.
const defaultConfigYAML = `# devflow configuration
workspace: .devflow-workspace

log:
  level: info
  format: auto

state:
  db_path: state/workflows.db

events:
  journal_path: events/events.ndjson
  max_workers: 10
  slow_handler_threshold_ms: 1000

engine:
  stuck_threshold_seconds: 3600
  default_max_attempts: 3
  call_timeout_seconds: 120
  phase_timeout_seconds: 600
  workflow_timeout_seconds: 0

budgets:
  default_usd: 0

server:
  addr: 127.0.0.1:8400
  cors_origins: []

providers:
  claude:
    enabled: true
    api_key_env: ANTHROPIC_API_KEY
    base_url: https://api.anthropic.com/v1
    default_model: claude-sonnet-4
    concurrency_limit: 4
    timeout_seconds: 120

router:
  default:
    provider: claude
    model: claude-sonnet-4
    temperature: 0.2
    max_tokens: 4096
  rules: []

consensus: {}
`

// WriteDefault atomically writes the starter config. It refuses to overwrite
// an existing file.
func WriteDefault(path string) error {
	if path == "" {
		path = configName + "." + configType
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := renameio.WriteFile(path, []byte(defaultConfigYAML), 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
