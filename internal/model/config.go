package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Store driver names accepted in DatabaseConfig.Driver.
const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
)

// Gateway kinds accepted in GatewayConfig.Kind.
const (
	GatewayTelegram = "telegram"
	GatewayConsole  = "console"
)

// DatabaseConfig selects and locates the record store.
type DatabaseConfig struct {
	Driver        string `mapstructure:"driver" yaml:"driver"`
	Path          string `mapstructure:"path" yaml:"path"`
	MongoURI      string `mapstructure:"mongo_uri" yaml:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database" yaml:"mongo_database"`
}

// GatewayConfig controls outbound message delivery.
type GatewayConfig struct {
	Kind string `mapstructure:"kind" yaml:"kind"`

	// BreakerMaxFailures consecutive send failures open the breaker.
	BreakerMaxFailures int `mapstructure:"breaker_max_failures" yaml:"breaker_max_failures"`

	// BreakerTimeoutSec is how long an open breaker rejects sends.
	BreakerTimeoutSec int `mapstructure:"breaker_timeout_sec" yaml:"breaker_timeout_sec"`
}

// TelegramConfig holds Bot API connection settings. The token itself
// lives in the environment or the system keyring, never in this file.
type TelegramConfig struct {
	APIURL         string `mapstructure:"api_url" yaml:"api_url"`
	PollTimeoutSec int    `mapstructure:"poll_timeout_sec" yaml:"poll_timeout_sec"`
}

// SchedulerConfig tunes the event lifecycle pass.
type SchedulerConfig struct {
	IntervalSec     int `mapstructure:"interval_sec" yaml:"interval_sec"`
	InitialDelaySec int `mapstructure:"initial_delay_sec" yaml:"initial_delay_sec"`
}

// ReservationConfig tunes the reservation conversation.
type ReservationConfig struct {
	SessionTTLSec        int `mapstructure:"session_ttl_sec" yaml:"session_ttl_sec"`
	DefaultEstimatedDays int `mapstructure:"default_estimated_days" yaml:"default_estimated_days"`
}

// HTTPConfig controls the operations HTTP surface.
type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// LogConfig controls log level and the optional rotating log file.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	File  string `mapstructure:"file" yaml:"file"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	Gateway     GatewayConfig     `mapstructure:"gateway" yaml:"gateway"`
	Telegram    TelegramConfig    `mapstructure:"telegram" yaml:"telegram"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler" yaml:"scheduler"`
	Reservation ReservationConfig `mapstructure:"reservation" yaml:"reservation"`
	HTTP        HTTPConfig        `mapstructure:"http" yaml:"http"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`

	// Projects is the closed list offered when a reservation starts.
	Projects []string `mapstructure:"projects" yaml:"projects"`

	// Admins lists member ids allowed to run admin commands in
	// addition to members tagged with RoleAdmin.
	Admins []int64 `mapstructure:"admins" yaml:"admins"`
}

// IsAdmin reports whether the member may run admin commands.
func (c *AppConfig) IsAdmin(u *User) bool {
	if u == nil {
		return false
	}
	for _, id := range c.Admins {
		if id == u.ID {
			return true
		}
	}
	return u.HasRole(RoleAdmin)
}

// DefaultProject is the project used when a command or an imported record
// names none: the first configured project, or "default".
func (c *AppConfig) DefaultProject() string {
	if len(c.Projects) > 0 {
		return c.Projects[0]
	}
	return "default"
}

// DefaultConfigDir returns ~/.config/taskbot.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "taskbot")
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/taskbot/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Database: DatabaseConfig{
			Driver:        DriverSQLite,
			Path:          filepath.Join(DefaultConfigDir(), "taskbot.db"),
			MongoURI:      "mongodb://localhost:27017",
			MongoDatabase: "taskbot",
		},
		Gateway: GatewayConfig{
			Kind:               GatewayTelegram,
			BreakerMaxFailures: 5,
			BreakerTimeoutSec:  60,
		},
		Telegram: TelegramConfig{
			APIURL:         "https://api.telegram.org",
			PollTimeoutSec: 30,
		},
		Scheduler: SchedulerConfig{
			IntervalSec:     300,
			InitialDelaySec: 10,
		},
		Reservation: ReservationConfig{
			SessionTTLSec:        900,
			DefaultEstimatedDays: DefaultEstimatedDays,
		},
		HTTP: HTTPConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8080",
		},
		Log: LogConfig{
			Level: "info",
		},
		Projects: []string{},
		Admins:   []int64{},
	}
}

// NewViper returns a Viper instance with every default registered and
// TASKBOT_* environment overrides enabled.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("taskbot")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := defaultAppConfig()
	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.mongo_uri", d.Database.MongoURI)
	v.SetDefault("database.mongo_database", d.Database.MongoDatabase)
	v.SetDefault("gateway.kind", d.Gateway.Kind)
	v.SetDefault("gateway.breaker_max_failures", d.Gateway.BreakerMaxFailures)
	v.SetDefault("gateway.breaker_timeout_sec", d.Gateway.BreakerTimeoutSec)
	v.SetDefault("telegram.api_url", d.Telegram.APIURL)
	v.SetDefault("telegram.poll_timeout_sec", d.Telegram.PollTimeoutSec)
	v.SetDefault("scheduler.interval_sec", d.Scheduler.IntervalSec)
	v.SetDefault("scheduler.initial_delay_sec", d.Scheduler.InitialDelaySec)
	v.SetDefault("reservation.session_ttl_sec", d.Reservation.SessionTTLSec)
	v.SetDefault("reservation.default_estimated_days", d.Reservation.DefaultEstimatedDays)
	v.SetDefault("http.enabled", d.HTTP.Enabled)
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	return v
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration with any
// environment overrides applied.
func LoadConfig(path string) (*AppConfig, error) {
	return LoadConfigWith(NewViper(), path)
}

// LoadConfigWith is LoadConfig on a caller-prepared Viper instance, so
// command-line flags bound to v take precedence over the file.
func LoadConfigWith(v *viper.Viper, path string) (*AppConfig, error) {
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		_, missingFile := err.(*os.PathError)
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !missingFile && !notFound {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.Scheduler.IntervalSec <= 0 {
		cfg.Scheduler.IntervalSec = 300
	}
	if cfg.Reservation.SessionTTLSec <= 0 {
		cfg.Reservation.SessionTTLSec = 900
	}
	if cfg.Reservation.DefaultEstimatedDays <= 0 {
		cfg.Reservation.DefaultEstimatedDays = DefaultEstimatedDays
	}

	switch cfg.Database.Driver {
	case DriverSQLite, DriverMongo:
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
	switch cfg.Gateway.Kind {
	case GatewayTelegram, GatewayConsole:
	default:
		return nil, fmt.Errorf("unknown gateway kind %q", cfg.Gateway.Kind)
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("database", cfg.Database)
	v.Set("gateway", cfg.Gateway)
	v.Set("telegram", cfg.Telegram)
	v.Set("scheduler", cfg.Scheduler)
	v.Set("reservation", cfg.Reservation)
	v.Set("http", cfg.HTTP)
	v.Set("log", cfg.Log)
	v.Set("projects", cfg.Projects)
	v.Set("admins", cfg.Admins)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
