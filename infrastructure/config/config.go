// Package config provides tuning configuration for the swipe feed engine.
// Values load from an optional YAML file with environment overrides, and can
// hot-reload through the fsnotify watcher.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	apperrors "swipefeed-engine/pkg/errors"
)

var validate = validator.New()

// Config holds the engine tuning knobs.
type Config struct {
	// PageSize is how many cards one feed page requests.
	PageSize int `yaml:"page_size" validate:"gt=0,lte=100"`
	// LowWaterMark is the buffered-card count below which a top-up fires.
	LowWaterMark int `yaml:"low_water_mark" validate:"gte=0"`
	// FlushInterval is how often the pending outbox is batch-flushed.
	FlushInterval time.Duration `yaml:"flush_interval" validate:"gt=0"`
	// MaxSwiped bounds the swiped ledger.
	MaxSwiped int `yaml:"max_swiped" validate:"gt=0"`
	// MaxPending bounds the pending outbox.
	MaxPending int `yaml:"max_pending" validate:"gt=0"`
	// LookaheadFullCards is how many upcoming cards keep their heavy
	// fields during compaction.
	LookaheadFullCards int `yaml:"lookahead_full_cards" validate:"gte=0"`
	// OutboxPath is the directory for the durable outbox. Empty disables
	// durability (memory-only outbox).
	OutboxPath string `yaml:"outbox_path"`
}

// Default returns the engine defaults.
func Default() Config {
	return Config{
		PageSize:           20,
		LowWaterMark:       5,
		FlushInterval:      30 * time.Second,
		MaxSwiped:          6000,
		MaxPending:         512,
		LookaheadFullCards: 3,
	}
}

// Load builds the config from defaults, an optional YAML file, then
// environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, apperrors.NewInternal("failed to read config file", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, apperrors.NewValidation("malformed config file: " + err.Error())
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate.Struct(cfg); err != nil {
		return Config{}, apperrors.NewValidation("invalid engine config: " + err.Error())
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SWIPEFEED_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PageSize = n
		}
	}
	if v := os.Getenv("SWIPEFEED_LOW_WATER_MARK"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LowWaterMark = n
		}
	}
	if v := os.Getenv("SWIPEFEED_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.FlushInterval = d
		}
	}
	if v := os.Getenv("SWIPEFEED_MAX_SWIPED"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSwiped = n
		}
	}
	if v := os.Getenv("SWIPEFEED_MAX_PENDING"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxPending = n
		}
	}
	if v := os.Getenv("SWIPEFEED_OUTBOX_PATH"); v != "" {
		cfg.OutboxPath = v
	}
}
