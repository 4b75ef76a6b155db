// Package config loads service configuration from config/config.yaml with
// MONITOR_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. MONITOR_NATS_STREAM
const EnvPrefix = "MONITOR"

var (
	ErrInvalidInterval = errors.New("refresh intervals must be positive")
	ErrMissingSite     = errors.New("app.site_id is required")
	ErrMissingNATSURL  = errors.New("at least one nats url is required")
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Log       LogConfig       `mapstructure:"log"`
	NATS      NATSConfig      `mapstructure:"nats"`
	SQLite    SQLiteConfig    `mapstructure:"sqlite"`
	Redis     RedisConfig     `mapstructure:"redis"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Refresh   RefreshConfig   `mapstructure:"refresh"`
	KPI       KPIConfig       `mapstructure:"kpi"`
	Retention RetentionConfig `mapstructure:"retention"`
}

type AppConfig struct {
	Name   string `mapstructure:"name"`
	SiteID string `mapstructure:"site_id"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type NATSConfig struct {
	URLs           []string      `mapstructure:"urls"`
	Stream         string        `mapstructure:"stream"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// RefreshConfig holds the polling interval of every live data source
type RefreshConfig struct {
	Cameras       time.Duration `mapstructure:"cameras"`
	Events        time.Duration `mapstructure:"events"`
	Alerts        time.Duration `mapstructure:"alerts"`
	SystemMetrics time.Duration `mapstructure:"system_metrics"`
	EventLookback time.Duration `mapstructure:"event_lookback"`
}

type KPIConfig struct {
	PPEWindowHours int `mapstructure:"ppe_window_hours"`
}

// RetentionConfig drives the housekeeping cron jobs
type RetentionConfig struct {
	Schedule      string        `mapstructure:"schedule"`
	EventMaxAge   time.Duration `mapstructure:"event_max_age"`
	HistoryMaxAge time.Duration `mapstructure:"history_max_age"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "site-monitor")
	v.SetDefault("app.site_id", "site-1")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("nats.urls", []string{"nats://127.0.0.1:4222"})
	v.SetDefault("nats.stream", "SITE")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)

	v.SetDefault("sqlite.path", "monitor.db")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.snapshot_ttl", 10*time.Minute)

	v.SetDefault("http.addr", ":8080")

	v.SetDefault("refresh.cameras", 30*time.Second)
	v.SetDefault("refresh.events", 10*time.Second)
	v.SetDefault("refresh.alerts", 15*time.Second)
	v.SetDefault("refresh.system_metrics", 15*time.Second)
	v.SetDefault("refresh.event_lookback", 14*24*time.Hour)

	v.SetDefault("kpi.ppe_window_hours", 24)

	v.SetDefault("retention.schedule", "0 30 3 * * *")
	v.SetDefault("retention.event_max_age", 30*24*time.Hour)
	v.SetDefault("retention.history_max_age", 90*24*time.Hour)
}

// Load reads the configuration. An empty path searches ./config and the
// working directory for config.yaml and falls back to defaults when none
// exists; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values every component depends on
func (c *Config) Validate() error {
	if c.App.SiteID == "" {
		return ErrMissingSite
	}
	if len(c.NATS.URLs) == 0 || c.NATS.URLs[0] == "" {
		return ErrMissingNATSURL
	}
	for _, d := range []time.Duration{c.Refresh.Cameras, c.Refresh.Events, c.Refresh.Alerts, c.Refresh.SystemMetrics} {
		if d <= 0 {
			return ErrInvalidInterval
		}
	}
	return nil
}
