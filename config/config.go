// Package config loads the host configuration from a YAML or TOML file,
// environment overrides (BRIDGE_*) and defaults, then validates it.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	bridgelog "github.com/reglet-dev/bridge/log"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BRIDGE_"

var validate = validator.New()

// Host is the configuration of a bridge host process.
type Host struct {
	Listen         string        `yaml:"listen" toml:"listen" env:"LISTEN" validate:"required"`
	Address        string        `yaml:"address" toml:"address" env:"ADDRESS" validate:"required"`
	Origin         string        `yaml:"origin" toml:"origin" env:"ORIGIN" validate:"required,url"`
	Greeting       string        `yaml:"greeting" toml:"greeting" env:"GREETING"`
	MessageURL     string        `yaml:"message_url" toml:"message_url" env:"MESSAGE_URL" validate:"omitempty,url"`
	FeedURL        string        `yaml:"feed_url" toml:"feed_url" env:"FEED_URL" validate:"omitempty,url"`
	Guests         []Guest       `yaml:"guests" toml:"guests" validate:"dive"`
	RateLimits     []RateLimit   `yaml:"rate_limits" toml:"rate_limits" validate:"dive"`
	Log            Log           `yaml:"log" toml:"log" envPrefix:"LOG_"`
	RequestTimeout time.Duration `yaml:"request_timeout" toml:"request_timeout" env:"REQUEST_TIMEOUT" validate:"gt=0"`
	SendTimeout    time.Duration `yaml:"send_timeout" toml:"send_timeout" env:"SEND_TIMEOUT" validate:"gt=0"`
	SilentUnknown  bool          `yaml:"silent_unknown_operations" toml:"silent_unknown_operations" env:"SILENT_UNKNOWN_OPERATIONS"`
	AttachedOnly   bool          `yaml:"attached_only" toml:"attached_only" env:"ATTACHED_ONLY"`
}

// Guest is a guest context the host expects, with its trust origin.
type Guest struct {
	Name   string `yaml:"name" toml:"name" validate:"required"`
	Origin string `yaml:"origin" toml:"origin" validate:"required,url"`
}

// RateLimit allows Count inbound requests per guest in each Window.
type RateLimit struct {
	Window time.Duration `yaml:"window" toml:"window" validate:"gt=0"`
	Count  int           `yaml:"count" toml:"count" validate:"gt=0"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level" toml:"level" env:"LEVEL" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Format string `yaml:"format" toml:"format" env:"FORMAT" validate:"oneof=text json"`
	Source bool   `yaml:"source" toml:"source" env:"SOURCE"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Host {
	return Host{
		Listen:         "localhost:8080",
		Address:        "host",
		Origin:         "http://localhost:8080",
		Greeting:       "message from host",
		MessageURL:     "http://localhost:8080/api/message",
		FeedURL:        "ws://localhost:8080/feed",
		RequestTimeout: time.Second,
		SendTimeout:    5 * time.Second,
		Log:            Log{Level: "info", Format: "text"},
	}
}

// Load reads path (YAML or TOML by extension; empty means defaults only),
// applies BRIDGE_* environment overrides and validates the result.
func Load(path string) (*Host, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeFile(path string, cfg *Host) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		_, err = toml.Decode(string(data), cfg)
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Validate checks field constraints and that guest names are unique.
func (h *Host) Validate() error {
	if err := validate.Struct(h); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[string]bool, len(h.Guests))
	for _, g := range h.Guests {
		if seen[g.Name] {
			return fmt.Errorf("invalid config: duplicate guest %q", g.Name)
		}
		if g.Name == h.Address {
			return fmt.Errorf("invalid config: guest %q uses the host address", g.Name)
		}
		seen[g.Name] = true
	}
	return nil
}

// RateMap returns the rate limits in the form the router accepts, or nil
// when none are configured.
func (h *Host) RateMap() map[time.Duration]int {
	if len(h.RateLimits) == 0 {
		return nil
	}
	rates := make(map[time.Duration]int, len(h.RateLimits))
	for _, rl := range h.RateLimits {
		rates[rl.Window] = rl.Count
	}
	return rates
}

// Logger builds the process logger from the Log section.
func (h *Host) Logger() (*slog.Logger, error) {
	level, err := bridgelog.ParseLevel(h.Log.Level)
	if err != nil {
		return nil, err
	}
	format, err := bridgelog.ParseFormat(h.Log.Format)
	if err != nil {
		return nil, err
	}
	return bridgelog.New(
		bridgelog.WithLevel(level),
		bridgelog.WithFormat(format),
		bridgelog.WithSource(h.Log.Source),
	), nil
}
