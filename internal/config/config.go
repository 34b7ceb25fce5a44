package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration knobs for the coordinator.
type Config struct {
	HTTP struct {
		Addr         string        `mapstructure:"addr"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
		// ProxyHeader names the header carrying the client address when the
		// coordinator runs behind a reverse proxy. Empty uses the socket peer.
		ProxyHeader string `mapstructure:"proxy_header"`
	} `mapstructure:"http"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Storage struct {
		Driver string `mapstructure:"driver"`
		Path   string `mapstructure:"path"`
	} `mapstructure:"storage"`
	Auth struct {
		Enabled   bool              `mapstructure:"enabled"`
		JWTSecret string            `mapstructure:"jwt_secret"`
		TokenTTL  time.Duration     `mapstructure:"token_ttl"`
		Users     map[string]string `mapstructure:"users"`
	} `mapstructure:"auth"`
	Ownership struct {
		LookupTimeout time.Duration `mapstructure:"lookup_timeout"`
	} `mapstructure:"ownership"`
	RateLimit struct {
		Window       time.Duration `mapstructure:"window"`
		MaxRequests  int           `mapstructure:"max_requests"`
		AbuseWindow  time.Duration `mapstructure:"abuse_window"`
		MaxOrigins   int           `mapstructure:"max_origins"`
		MaxVolume    int           `mapstructure:"max_volume"`
		IdleEviction time.Duration `mapstructure:"idle_eviction"`
	} `mapstructure:"ratelimit"`
	Commands struct {
		DefaultTTL      time.Duration `mapstructure:"default_ttl"`
		MaxTTL          time.Duration `mapstructure:"max_ttl"`
		DefaultPriority int           `mapstructure:"default_priority"`
		DefaultBatch    int           `mapstructure:"default_batch"`
		MaxBatch        int           `mapstructure:"max_batch"`
		Retention       time.Duration `mapstructure:"retention"`
		PruneInterval   time.Duration `mapstructure:"prune_interval"`
	} `mapstructure:"commands"`
	Sharding struct {
		Shards int `mapstructure:"shards"`
	} `mapstructure:"sharding"`
	Alerts struct {
		Log  bool `mapstructure:"log"`
		Bark struct {
			Enabled        bool          `mapstructure:"enabled"`
			BaseURL        string        `mapstructure:"base_url"`
			Token          string        `mapstructure:"token"`
			DeviceKey      string        `mapstructure:"device_key"`
			EncodeKey      string        `mapstructure:"encode_key"`
			IV             string        `mapstructure:"iv"`
			RequestTimeout time.Duration `mapstructure:"request_timeout"`
			Rate           float64       `mapstructure:"rate"`
			Burst          int           `mapstructure:"burst"`
			QueueSize      int           `mapstructure:"queue_size"`
		} `mapstructure:"bark"`
	} `mapstructure:"alerts"`
}

// Load reads the configuration from disk/environment using Viper.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("lapso")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; everything can come from env and defaults.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "memory", "bolt":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if c.Storage.Driver == "bolt" && strings.TrimSpace(c.Storage.Path) == "" {
		errs = append(errs, errors.New("storage.path: required for bolt driver"))
	}
	if c.RateLimit.Window <= 0 || c.RateLimit.MaxRequests <= 0 {
		errs = append(errs, errors.New("ratelimit: window and max_requests must be positive"))
	}
	if c.RateLimit.AbuseWindow <= 0 || c.RateLimit.MaxOrigins <= 0 || c.RateLimit.MaxVolume <= 0 {
		errs = append(errs, errors.New("ratelimit: abuse_window, max_origins and max_volume must be positive"))
	}
	if c.Commands.DefaultTTL <= 0 {
		errs = append(errs, errors.New("commands.default_ttl: must be positive"))
	}
	if c.Commands.MaxTTL < c.Commands.DefaultTTL {
		errs = append(errs, errors.New("commands.max_ttl: must not be below default_ttl"))
	}
	if c.Commands.DefaultPriority < 1 || c.Commands.DefaultPriority > 10 {
		errs = append(errs, errors.New("commands.default_priority: must be within [1, 10]"))
	}
	if c.Commands.DefaultBatch <= 0 || c.Commands.MaxBatch < c.Commands.DefaultBatch {
		errs = append(errs, errors.New("commands: default_batch must be positive and not above max_batch"))
	}
	if c.Commands.Retention < 0 {
		errs = append(errs, errors.New("commands.retention: must not be negative"))
	}
	if c.Ownership.LookupTimeout <= 0 {
		errs = append(errs, errors.New("ownership.lookup_timeout: must be positive"))
	}
	if b := c.Alerts.Bark; b.Enabled {
		if b.BaseURL == "" || b.DeviceKey == "" {
			errs = append(errs, errors.New("alerts.bark: base_url and device_key are required"))
		}
		if l := len(b.EncodeKey); l != 16 && l != 24 && l != 32 {
			errs = append(errs, errors.New("alerts.bark.encode_key: must be 16, 24 or 32 characters"))
		}
		if len(b.IV) != 16 {
			errs = append(errs, errors.New("alerts.bark.iv: must be 16 characters"))
		}
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger from the log section.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// isMissingFile matches the error viper returns for an explicit config
// path that does not exist.
func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8090")
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.proxy_header", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("storage.driver", "bolt")
	v.SetDefault("storage.path", "./data/lapso.db")

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", "12h")

	v.SetDefault("ownership.lookup_timeout", "2s")

	v.SetDefault("ratelimit.window", "60s")
	v.SetDefault("ratelimit.max_requests", 120)
	v.SetDefault("ratelimit.abuse_window", "5m")
	v.SetDefault("ratelimit.max_origins", 3)
	v.SetDefault("ratelimit.max_volume", 100)
	v.SetDefault("ratelimit.idle_eviction", "30m")

	v.SetDefault("commands.default_ttl", "24h")
	v.SetDefault("commands.max_ttl", "8760h")
	v.SetDefault("commands.default_priority", 5)
	v.SetDefault("commands.default_batch", 10)
	v.SetDefault("commands.max_batch", 50)
	v.SetDefault("commands.retention", "720h")
	v.SetDefault("commands.prune_interval", "1h")

	v.SetDefault("sharding.shards", 64)

	v.SetDefault("alerts.log", true)
	v.SetDefault("alerts.bark.enabled", false)
	v.SetDefault("alerts.bark.base_url", "http://127.0.0.1:8080")
	v.SetDefault("alerts.bark.request_timeout", "10s")
	v.SetDefault("alerts.bark.rate", 1.0)
	v.SetDefault("alerts.bark.burst", 5)
	v.SetDefault("alerts.bark.queue_size", 256)
}
