// Package config loads the engine's runtime configuration: environment
// variables, a project-level YAML file, and (for engine tuning knobs) a
// TOML side-file, merged by spf13/viper with environment variables always
// winning.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	envAgent         = "GRAPH_AGENT"
	envDB            = "GRAPH_DB"
	envClaimTTL      = "GRAPH_CLAIM_TTL"
	envUIPort        = "GRAPH_UI_PORT"
	envRetroAIModel  = "GRAPH_RETRO_AI_MODEL"

	defaultAgent    = "default-agent"
	defaultClaimTTL = 60
	defaultUIPort   = 4747

	// envAnthropicAPIKey is read directly from the environment rather than
	// through viper, since an API key belongs with the process environment,
	// not a committed config.yaml.
	envAnthropicAPIKey = "ANTHROPIC_API_KEY"

	// defaultRetroAIModel is a small, cheap model suited to summarizing a
	// handful of retro findings into a paragraph.
	defaultRetroAIModel = "claude-3-5-haiku-latest"

	// ProjectConfigDir is the directory (relative to the working directory)
	// holding the optional project-level config.yaml.
	ProjectConfigDir = ".graphd"
)

// Config is the resolved runtime configuration for one graphd process.
type Config struct {
	Agent    string `mapstructure:"agent"`
	DBPath   string `mapstructure:"db"`
	ClaimTTL int    `mapstructure:"claim_ttl"`
	UIPort   int    `mapstructure:"ui_port"`

	// RetroAIModel selects the model graph_retro uses to synthesize a
	// prose summary of submitted findings. AnthropicAPIKey is read straight
	// from the environment (never from config.yaml) and left empty when
	// unset, which disables AI summarization; graph_retro still persists
	// the findings verbatim either way.
	RetroAIModel    string `mapstructure:"retro_ai_model"`
	AnthropicAPIKey string `mapstructure:"-"`
}

// Load resolves configuration in precedence order: explicit environment
// variables win over the project config.yaml, which wins over built-in
// defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("")
	v.SetDefault("agent", defaultAgent)
	v.SetDefault("claim_ttl", defaultClaimTTL)
	v.SetDefault("ui_port", defaultUIPort)
	v.SetDefault("retro_ai_model", defaultRetroAIModel)

	if cwd, err := os.Getwd(); err == nil {
		v.SetDefault("db", DefaultDBPath(cwd))
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(ProjectConfigDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read project config: %w", err)
		}
	}

	bindEnv(v, "agent", envAgent)
	bindEnv(v, "db", envDB)
	bindEnv(v, "claim_ttl", envClaimTTL)
	bindEnv(v, "ui_port", envUIPort)
	bindEnv(v, "retro_ai_model", envRetroAIModel)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.AnthropicAPIKey = os.Getenv(envAnthropicAPIKey)
	return &cfg, nil
}

func bindEnv(v *viper.Viper, key, env string) {
	if err := v.BindEnv(key, env); err != nil {
		slog.Warn("config: bind env failed", "key", key, "env", env, "error", err)
	}
}

// WatchProjectConfig re-runs onChange whenever .graphd/config.yaml changes
// on disk, via an fsnotify-driven live-reload watcher.
func WatchProjectConfig(onChange func()) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(ProjectConfigDir)
	if err := v.ReadInConfig(); err != nil {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		slog.Info("project config changed, reloading", "file", e.Name)
		onChange()
	})
	v.WatchConfig()
}

// DefaultDBPath computes the per-working-directory hashed database path,
// under ~/.graph/db/<hash>/graph.db.
func DefaultDBPath(cwd string) string {
	abs, err := filepath.Abs(cwd)
	if err != nil {
		abs = cwd
	}
	sum := sha256.Sum256([]byte(abs))
	hash := hex.EncodeToString(sum[:])[:16]

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".graph", "db", hash, "graph.db")
}
