package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// EngineTuning holds the low-level knobs that are tuned per deployment
// rather than per project: checkpoint cadence, busy timeout, telemetry
// export interval. Kept in a separate TOML file (graphd.toml) rather than
// the project's config.yaml, splitting project settings from daemon tuning.
type EngineTuning struct {
	CheckpointInterval time.Duration `toml:"checkpoint_interval"`
	BusyTimeout        time.Duration `toml:"busy_timeout"`
	TelemetryInterval  time.Duration `toml:"telemetry_interval"`
	MaxQueryPageSize   int           `toml:"max_query_page_size"`
}

// DefaultEngineTuning returns the built-in tuning values used when no
// graphd.toml is present.
func DefaultEngineTuning() EngineTuning {
	return EngineTuning{
		CheckpointInterval: 30 * time.Second,
		BusyTimeout:        5 * time.Second,
		TelemetryInterval:  15 * time.Second,
		MaxQueryPageSize:   200,
	}
}

// LoadEngineTuning reads path (graphd.toml) if it exists, overlaying
// defaults. A missing file is not an error.
func LoadEngineTuning(path string) (EngineTuning, error) {
	cfg := DefaultEngineTuning()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}
