// Package daemon manages the opsboard daemon lifecycle and configuration.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/opsboard/opsboard/internal/app/refresh"
)

// Config holds all daemon configuration.
type Config struct {
	Store     StoreConfig     `toml:"store"`
	API       APIConfig       `toml:"api"`
	Objects   ObjectsConfig   `toml:"objects"`
	Schedule  ScheduleConfig  `toml:"schedule"`
	Logging   LoggingConfig   `toml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// StoreConfig selects the row-store backend.
type StoreConfig struct {
	Driver string `toml:"driver" validate:"oneof=sqlite postgres"`
	Dir    string `toml:"dir"`
	DSN    string `toml:"dsn" validate:"required_if=Driver postgres"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host        string   `toml:"host" validate:"required"`
	Port        int      `toml:"port" validate:"min=1,max=65535"`
	CORSOrigins []string `toml:"cors_origins"`
}

// ObjectsConfig controls where photo evidence is stored.
type ObjectsConfig struct {
	Dir     string `toml:"dir" validate:"required"`
	BaseURL string `toml:"base_url" validate:"omitempty,url"`
	Bucket  string `toml:"bucket" validate:"required,excludesall=/\\"`
}

// ScheduleConfig controls the feed window and time-driven refreshes.
type ScheduleConfig struct {
	LookbackDays   int      `toml:"lookback_days" validate:"min=0,max=366"`
	LookaheadDays  int      `toml:"lookahead_days" validate:"min=0,max=366"`
	Timezone       string   `toml:"timezone" validate:"omitempty,timezone"`
	Boundaries     []string `toml:"boundaries" validate:"dive,cron"`
	Rollover       string   `toml:"rollover" validate:"omitempty,cron"`
	SessionMaxAge  string   `toml:"session_max_age" validate:"omitempty,duration"`
	HealthInterval string   `toml:"health_interval" validate:"omitempty,duration"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `toml:"level" validate:"oneof=debug info"`
	File  string `toml:"file"`
}

// TelemetryConfig controls metrics exposure.
type TelemetryConfig struct {
	Prometheus bool `toml:"prometheus"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	homeDir := opsboardHome()
	return Config{
		Store: StoreConfig{
			Driver: "sqlite",
			Dir:    homeDir,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Objects: ObjectsConfig{
			Dir:    filepath.Join(homeDir, "files"),
			Bucket: "task-photos",
		},
		Schedule: ScheduleConfig{
			LookbackDays:   7,
			LookaheadDays:  7,
			Boundaries:     append([]string(nil), refresh.DefaultBoundaries...),
			Rollover:       refresh.DefaultRollover,
			SessionMaxAge:  "12h",
			HealthInterval: "60s",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(homeDir, "opsboard.log"),
		},
	}
}

// LoadConfig reads config from $OPSBOARD_HOME/config.toml, falling back to
// defaults, then applies environment overrides.
func LoadConfig() (Config, error) {
	return LoadConfigFile(filepath.Join(opsboardHome(), "config.toml"))
}

// LoadConfigFile reads config from path. A missing file yields defaults.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("stat config: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays OPSBOARD_* variables. A database URL switches the
// store to postgres.
func applyEnv(cfg *Config) error {
	if dsn := os.Getenv("OPSBOARD_DATABASE_URL"); dsn != "" {
		cfg.Store.Driver = "postgres"
		cfg.Store.DSN = dsn
	}
	if host := os.Getenv("OPSBOARD_HOST"); host != "" {
		cfg.API.Host = host
	}
	if port := os.Getenv("OPSBOARD_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("OPSBOARD_PORT: %w", err)
		}
		cfg.API.Port = p
	}
	if tz := os.Getenv("OPSBOARD_TIMEZONE"); tz != "" {
		cfg.Schedule.Timezone = tz
	}
	if base := os.Getenv("OPSBOARD_FILES_BASE_URL"); base != "" {
		cfg.Objects.BaseURL = base
	}
	return nil
}

// Validate checks field constraints, cron specs and durations.
func (c Config) Validate() error {
	err := newValidator().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		msgs[i] = fmt.Sprintf("%s: failed %q (value %v)", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag(), fe.Value())
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		return refresh.ValidateSpec(fl.Field().String()) == nil
	})
	v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d > 0
	})
	return v
}

// Location returns the configured time zone, or the local zone.
func (c Config) Location() (*time.Location, error) {
	if c.Schedule.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Schedule.Timezone)
}

// FilesBaseURL returns the public prefix for uploaded photos.
func (c Config) FilesBaseURL() string {
	if c.Objects.BaseURL != "" {
		return c.Objects.BaseURL
	}
	return fmt.Sprintf("http://%s:%d/files", c.API.Host, c.API.Port)
}

// SaveConfig writes the config to $OPSBOARD_HOME/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(opsboardHome(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// opsboardHome returns the opsboard data directory.
func opsboardHome() string {
	if env := os.Getenv("OPSBOARD_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".opsboard")
}

// Home is exported for use by other packages.
func Home() string {
	return opsboardHome()
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
