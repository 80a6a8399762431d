package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	REST      RESTConfig      `yaml:"rest"`
	WS        WSConfig        `yaml:"ws"`
	State     StateConfig     `yaml:"state"`
	Mirror    MirrorConfig    `yaml:"mirror"`
	Risk      RiskConfig      `yaml:"risk"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Timescale TimescaleConfig `yaml:"timescale"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type RESTConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type WSConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MirrorConfig struct {
	PollInterval           time.Duration `yaml:"poll_interval"`
	LeaderAddresses        []string      `yaml:"leader_addresses"`
	FollowerAddress        string        `yaml:"follower_address"`
	CopyRatio              float64       `yaml:"copy_ratio"`
	MaxNotionalPerOrderUSD float64       `yaml:"max_notional_per_order_usd"`
	Tif                    string        `yaml:"tif"`
	CopyMode               string        `yaml:"copy_mode"`
	Enabled                bool          `yaml:"enabled"`
	DryRun                 bool          `yaml:"dry_run"`
	Paper                  bool          `yaml:"paper"`
}

type RiskConfig struct {
	MaxLeverage         float64       `yaml:"max_leverage"`
	MaxTotalNotionalUSD float64       `yaml:"max_total_notional_usd"`
	Cooldown            time.Duration `yaml:"cooldown"`
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = "https://api.hyperliquid.xyz"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = "wss://api.hyperliquid.xyz/ws"
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 3 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 30 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/hl-mirror-bot.db"
	}
	if cfg.Mirror.PollInterval == 0 {
		cfg.Mirror.PollInterval = 10 * time.Second
	}
	if cfg.Mirror.Tif == "" {
		cfg.Mirror.Tif = "Ioc"
	}
	if cfg.Mirror.CopyMode == "" {
		cfg.Mirror.CopyMode = "full"
	}
	if cfg.Risk.MaxLeverage == 0 {
		cfg.Risk.MaxLeverage = 10
	}
	if cfg.Risk.Cooldown == 0 {
		cfg.Risk.Cooldown = 30 * time.Second
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
}

func validate(cfg *Config) error {
	if len(cfg.Mirror.LeaderAddresses) == 0 {
		return errors.New("mirror.leader_addresses is required")
	}
	for _, addr := range cfg.Mirror.LeaderAddresses {
		if strings.TrimSpace(addr) == "" {
			return errors.New("mirror.leader_addresses must not contain empty entries")
		}
	}
	if cfg.Mirror.CopyRatio <= 0 || cfg.Mirror.CopyRatio > 1 {
		return errors.New("mirror.copy_ratio must be in (0, 1]")
	}
	if cfg.Mirror.MaxNotionalPerOrderUSD < 0 {
		return errors.New("mirror.max_notional_per_order_usd must be >= 0")
	}
	switch cfg.Mirror.Tif {
	case "Ioc", "Gtc":
	default:
		return fmt.Errorf("mirror.tif must be Ioc or Gtc, got %q", cfg.Mirror.Tif)
	}
	switch cfg.Mirror.CopyMode {
	case "full", "entry-only", "signals-only":
	default:
		return fmt.Errorf("unknown mirror.copy_mode %q", cfg.Mirror.CopyMode)
	}
	if cfg.Risk.MaxLeverage < 0 {
		return errors.New("risk.max_leverage must be >= 0")
	}
	if cfg.Risk.MaxTotalNotionalUSD < 0 {
		return errors.New("risk.max_total_notional_usd must be >= 0")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	return nil
}
