package app

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"buildcalc/server/internal/catalog"
	"buildcalc/server/internal/observability"
	"buildcalc/server/logging"
)

// Config is the process configuration. Environment variables overlay the
// values of DefaultConfig; command line flags overlay both.
type Config struct {
	EngineURL      string        `env:"ENGINE_URL"`
	EntityID       string        `env:"ENTITY_ID"`
	CatalogPaths   []string      `env:"CATALOG_PATHS" envSeparator:","`
	BuildPath      string        `env:"BUILD_PATH"`
	Outputs        []string      `env:"OUTPUTS" envSeparator:","`
	CallTimeout    time.Duration `env:"CALL_TIMEOUT"`
	PollInterval   time.Duration `env:"POLL_INTERVAL"`
	LogSinks       []string      `env:"LOG_SINKS" envSeparator:","`
	LogJSONPath    string        `env:"LOG_JSON_PATH"`
	LogMinSeverity string        `env:"LOG_MIN_SEVERITY"`
	RelicGrid      GridSize      `envPrefix:"RELIC_GRID_"`
	Observability  observability.Config
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() Config {
	return Config{
		EngineURL:      "ws://127.0.0.1:7070/engine",
		CatalogPaths:   catalog.DefaultPaths(),
		BuildPath:      "build.yaml",
		Outputs:        []string{"Life", "Armor", "Damage", "AttackSpeed", "CritChance"},
		CallTimeout:    10 * time.Second,
		PollInterval:   time.Second,
		LogSinks:       []string{logging.SinkConsole},
		LogMinSeverity: "info",
		RelicGrid:      GridSize{Width: 6, Height: 6},
	}
}

// LoadConfig overlays the environment on DefaultConfig.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Logging derives the event router configuration.
func (c Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	if len(c.LogSinks) > 0 {
		cfg.EnabledSinks = append([]string(nil), c.LogSinks...)
	}
	cfg.MinimumSeverity = logging.ParseSeverity(c.LogMinSeverity)
	cfg.JSON.FilePath = c.LogJSONPath
	if c.EntityID != "" {
		cfg.Fields = map[string]any{"entity": c.EntityID}
	}
	return cfg
}
