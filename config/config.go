// Package config holds the runtime configuration surface: environment
// decoding with defaults, an optional JSON file overlay, and a file watcher
// that hot-reloads the advisory reconnect policy without restarting the
// server.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joeshaw/envdecode"
	"github.com/pushwire/pushwire-go/session"
)

// Config is the full tunable surface of the subsystem. Every field carries a
// default so a zero-environment deployment is viable.
type Config struct {
	// HeartbeatInterval is the expected client heartbeat cadence and the
	// monitor's sweep period.
	HeartbeatInterval time.Duration `env:"PUSHWIRE_HEARTBEAT_INTERVAL,default=30s" json:"heartbeat_interval"`

	// HeartbeatTimeoutMultiplier scales the interval into the staleness
	// cutoff. Values below 2 are clamped so one late heartbeat never kills a
	// connection.
	HeartbeatTimeoutMultiplier int `env:"PUSHWIRE_HEARTBEAT_TIMEOUT_MULTIPLIER,default=2" json:"heartbeat_timeout_multiplier"`

	// MissedEventRetention bounds both how long a disconnected session
	// survives and how long its buffered events are kept.
	MissedEventRetention time.Duration `env:"PUSHWIRE_MISSED_EVENT_RETENTION,default=24h" json:"missed_event_retention"`

	// MissedEventCapacity caps the per-session missed-event buffer. Oldest
	// events are evicted first once full.
	MissedEventCapacity int `env:"PUSHWIRE_MISSED_EVENT_CAPACITY,default=256" json:"missed_event_capacity"`

	// CleanupInterval is the cadence of the retention/expiry sweep.
	CleanupInterval time.Duration `env:"PUSHWIRE_CLEANUP_INTERVAL,default=1m" json:"cleanup_interval"`

	// AdmissionTimeout bounds how long a fresh connection may stall before
	// sending its hello frame.
	AdmissionTimeout time.Duration `env:"PUSHWIRE_ADMISSION_TIMEOUT,default=10s" json:"admission_timeout"`

	Reconnect ReconnectConfig `json:"reconnect"`
}

// ReconnectConfig shapes the advisory backoff policy handed to clients. It is
// the one piece of configuration worth hot-reloading: operators tune it
// during incidents to spread out the reconnect stampede.
type ReconnectConfig struct {
	InitialDelay time.Duration `env:"PUSHWIRE_RECONNECT_INITIAL_DELAY,default=1s" json:"initial_delay"`
	MaxDelay     time.Duration `env:"PUSHWIRE_RECONNECT_MAX_DELAY,default=30s" json:"max_delay"`
	Multiplier   float64       `env:"PUSHWIRE_RECONNECT_MULTIPLIER,default=2" json:"multiplier"`
	MaxAttempts  int           `env:"PUSHWIRE_RECONNECT_MAX_ATTEMPTS,default=0" json:"max_attempts"`
}

// Policy converts the config into the wire-visible policy.
func (r ReconnectConfig) Policy() session.ReconnectPolicy {
	return session.ReconnectPolicy{
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
		Multiplier:   r.Multiplier,
		MaxAttempts:  r.MaxAttempts,
	}
}

// Default returns the built-in defaults, ignoring the environment.
func Default() Config {
	return Config{
		HeartbeatInterval:          30 * time.Second,
		HeartbeatTimeoutMultiplier: 2,
		MissedEventRetention:       24 * time.Hour,
		MissedEventCapacity:        256,
		CleanupInterval:            time.Minute,
		AdmissionTimeout:           10 * time.Second,
		Reconnect: ReconnectConfig{
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
		},
	}
}

// FromEnv decodes the configuration from the environment, applying struct-tag
// defaults for anything unset.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decoding environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load decodes from the environment and, when path is non-empty, overlays the
// JSON file on top. File values win over environment values.
func Load(path string) (Config, error) {
	cfg, err := FromEnv()
	if err != nil {
		return Config{}, err
	}
	if path == "" {
		return cfg, nil
	}
	if err := cfg.overlayFile(path); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	var overlay fileOverlay
	if err := json.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	overlay.applyTo(c)
	return nil
}

func (c Config) validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: heartbeat interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.MissedEventRetention <= 0 {
		return fmt.Errorf("config: missed event retention must be positive, got %s", c.MissedEventRetention)
	}
	if c.MissedEventCapacity <= 0 {
		return fmt.Errorf("config: missed event capacity must be positive, got %d", c.MissedEventCapacity)
	}
	if c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("config: reconnect multiplier must be >= 1, got %g", c.Reconnect.Multiplier)
	}
	return nil
}

// fileOverlay mirrors Config with pointer fields so absent keys leave the
// environment-derived value alone. Durations are JSON strings ("45s").
type fileOverlay struct {
	HeartbeatInterval          *jsonDuration `json:"heartbeat_interval"`
	HeartbeatTimeoutMultiplier *int          `json:"heartbeat_timeout_multiplier"`
	MissedEventRetention       *jsonDuration `json:"missed_event_retention"`
	MissedEventCapacity        *int          `json:"missed_event_capacity"`
	CleanupInterval            *jsonDuration `json:"cleanup_interval"`
	AdmissionTimeout           *jsonDuration `json:"admission_timeout"`
	Reconnect                  *struct {
		InitialDelay *jsonDuration `json:"initial_delay"`
		MaxDelay     *jsonDuration `json:"max_delay"`
		Multiplier   *float64      `json:"multiplier"`
		MaxAttempts  *int          `json:"max_attempts"`
	} `json:"reconnect"`
}

func (o fileOverlay) applyTo(c *Config) {
	if o.HeartbeatInterval != nil {
		c.HeartbeatInterval = o.HeartbeatInterval.d
	}
	if o.HeartbeatTimeoutMultiplier != nil {
		c.HeartbeatTimeoutMultiplier = *o.HeartbeatTimeoutMultiplier
	}
	if o.MissedEventRetention != nil {
		c.MissedEventRetention = o.MissedEventRetention.d
	}
	if o.MissedEventCapacity != nil {
		c.MissedEventCapacity = *o.MissedEventCapacity
	}
	if o.CleanupInterval != nil {
		c.CleanupInterval = o.CleanupInterval.d
	}
	if o.AdmissionTimeout != nil {
		c.AdmissionTimeout = o.AdmissionTimeout.d
	}
	if o.Reconnect != nil {
		if o.Reconnect.InitialDelay != nil {
			c.Reconnect.InitialDelay = o.Reconnect.InitialDelay.d
		}
		if o.Reconnect.MaxDelay != nil {
			c.Reconnect.MaxDelay = o.Reconnect.MaxDelay.d
		}
		if o.Reconnect.Multiplier != nil {
			c.Reconnect.Multiplier = *o.Reconnect.Multiplier
		}
		if o.Reconnect.MaxAttempts != nil {
			c.Reconnect.MaxAttempts = *o.Reconnect.MaxAttempts
		}
	}
}

type jsonDuration struct{ d time.Duration }

func (j *jsonDuration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	j.d = d
	return nil
}

// PolicyUpdater receives the reconnect policy each time the watched config
// file changes. The gateway implements it.
type PolicyUpdater interface {
	SetReconnectPolicy(p session.ReconnectPolicy)
}

// Watch re-reads path whenever it changes and pushes the resulting reconnect
// policy to the updater. Parse failures keep the previous policy. Blocks
// until ctx ends; callers run it in a goroutine.
//
// Watches the parent directory rather than the file so atomic
// rename-into-place updates (the common editor and configmap pattern) are
// observed.
func Watch(ctx context.Context, path string, updater PolicyUpdater, log *slog.Logger) error {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: starting watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: resolving %s: %w", path, err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config: watching %s: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			cfg, err := Load(abs)
			if err != nil {
				log.WarnContext(ctx, "config.reload.fail", slog.String("err", err.Error()))
				continue
			}
			updater.SetReconnectPolicy(cfg.Reconnect.Policy())
			log.InfoContext(ctx, "config.reload",
				slog.Duration("reconnect_initial_delay", cfg.Reconnect.InitialDelay),
				slog.Duration("reconnect_max_delay", cfg.Reconnect.MaxDelay))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.WarnContext(ctx, "config.watch.fail", slog.String("err", err.Error()))
		}
	}
}
