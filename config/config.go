// Package config loads the runtime's process-wide settings from the
// environment. Values are read once and cached; tests can Reset between
// cases.
package config

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// LaneMode selects how extension instances are mapped onto execution lanes.
type LaneMode string

const (
	// LaneModeShared multiplexes every instance onto one process-wide lane.
	LaneModeShared LaneMode = "shared"
	// LaneModePrivate gives each instance its own dedicated lane.
	LaneModePrivate LaneMode = "private"
)

// Defaults applied when the environment does not override them.
const (
	DefaultDrainGrace = 500 * time.Millisecond
	DefaultAckTimeout = 10 * time.Second
)

// Config holds the cached runtime settings.
type Config struct {
	// LaneMode determines shared vs private lanes for extension instances.
	// An unrecognized value logs a warning and falls back to shared.
	LaneMode LaneMode
	// DrainGrace is the window a stopping lane grants in-flight tasks.
	DrainGrace time.Duration
	// AckTimeout bounds how long the engine waits for a lifecycle
	// acknowledgment from an extension instance.
	AckTimeout time.Duration
	// LogLevel is the zerolog level name applied to the global logger.
	LogLevel string
}

var (
	once   sync.Once
	cached Config
	mu     sync.Mutex
)

// Load returns the process configuration, reading the environment on first
// use. Recognized variables (all optional):
//
//	VOICELANE_LANE_MODE    shared | private
//	VOICELANE_DRAIN_GRACE  duration, e.g. 500ms
//	VOICELANE_ACK_TIMEOUT  duration, e.g. 10s
//	VOICELANE_LOG_LEVEL    zerolog level name, e.g. debug
func Load() Config {
	mu.Lock()
	defer mu.Unlock()
	once.Do(func() {
		cached = read()
	})
	return cached
}

// Reset clears the cached configuration so the next Load re-reads the
// environment. Intended for tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	once = sync.Once{}
}

func read() Config {
	v := viper.New()
	v.SetEnvPrefix("voicelane")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetDefault("lane_mode", string(LaneModeShared))
	v.SetDefault("drain_grace", DefaultDrainGrace)
	v.SetDefault("ack_timeout", DefaultAckTimeout)
	v.SetDefault("log_level", zerolog.InfoLevel.String())

	cfg := Config{
		DrainGrace: v.GetDuration("drain_grace"),
		AckTimeout: v.GetDuration("ack_timeout"),
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = DefaultDrainGrace
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}

	cfg.LogLevel = strings.ToLower(v.GetString("log_level"))
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("unrecognized log level, keeping current level")
		cfg.LogLevel = zerolog.GlobalLevel().String()
	} else {
		zerolog.SetGlobalLevel(level)
	}

	mode := LaneMode(strings.ToLower(v.GetString("lane_mode")))
	switch mode {
	case LaneModeShared, LaneModePrivate:
		cfg.LaneMode = mode
	default:
		log.Warn().Str("lane_mode", string(mode)).Msg("unrecognized lane mode, falling back to shared")
		cfg.LaneMode = LaneModeShared
	}

	log.Info().
		Str("lane_mode", string(cfg.LaneMode)).
		Dur("drain_grace", cfg.DrainGrace).
		Dur("ack_timeout", cfg.AckTimeout).
		Str("log_level", cfg.LogLevel).
		Msg("runtime configuration loaded")
	return cfg
}
