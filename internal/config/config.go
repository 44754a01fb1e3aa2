// Package config loads chartd configuration with viper: defaults in code, an
// optional YAML file, and CHARTSYNC_ prefixed environment overrides.
package config

import (
	"chartsync/internal/model"
	"chartsync/internal/resolution"
	"chartsync/internal/utils"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CHARTSYNC_FEED_URL.
const EnvPrefix = "CHARTSYNC"

// maxResolutions bounds how many resolutions one session maintains.
const maxResolutions = 16

type Config struct {
	Instrument InstrumentConfig `mapstructure:"instrument"`
	Feed       FeedConfig       `mapstructure:"feed"`
	Backfill   BackfillConfig   `mapstructure:"backfill"`
	Session    SessionConfig    `mapstructure:"session"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
}

type InstrumentConfig struct {
	Mint           string          `mapstructure:"mint"`
	Currency       string          `mapstructure:"currency"`
	Mode           string          `mapstructure:"mode"`
	Resolutions    []string        `mapstructure:"resolutions"`
	TrackedWallets []TrackedWallet `mapstructure:"tracked_wallets"`
}

// TrackedWallet names a wallet for "other" trade marks. It is a list entry
// rather than a map key because viper lowercases keys and addresses are
// case sensitive.
type TrackedWallet struct {
	Address string `mapstructure:"address"`
	Name    string `mapstructure:"name"`
}

type FeedConfig struct {
	URL                string        `mapstructure:"url"`
	TLSInsecureSkip    bool          `mapstructure:"tls_insecure_skip"`
	PingPeriod         time.Duration `mapstructure:"ping_period"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTolerance time.Duration `mapstructure:"heartbeat_tolerance"`
	WatchdogPeriod     time.Duration `mapstructure:"watchdog_period"`
	ReconnectDelay     time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectDelay  time.Duration `mapstructure:"max_reconnect_delay"`
	SendTimeout        time.Duration `mapstructure:"send_timeout"`
	QueueSize          int           `mapstructure:"queue_size"`
}

type BackfillConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	Retries       int           `mapstructure:"retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	CountBack     int           `mapstructure:"countback"`
}

type SessionConfig struct {
	MaxGapFill      int `mapstructure:"max_gap_fill"`
	TickBufferLimit int `mapstructure:"tick_buffer_limit"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig defines the logger configuration options.
type LogConfig struct {
	Level       string `mapstructure:"level"`       // log level: "debug", "info", "warn", "error"
	Format      string `mapstructure:"format"`      // log format: "json" or "console"
	OutputFile  string `mapstructure:"output_file"` // file path to store logs (optional)
	Environment string `mapstructure:"environment"` // environment: "dev" or "prod"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("instrument.mint", "")
	v.SetDefault("instrument.currency", "SOL")
	v.SetDefault("instrument.mode", "price")
	v.SetDefault("instrument.resolutions", []string{"1"})

	v.SetDefault("feed.url", "")
	v.SetDefault("feed.tls_insecure_skip", false)
	v.SetDefault("feed.ping_period", 5*time.Second)
	v.SetDefault("feed.heartbeat_interval", 6*time.Second)
	v.SetDefault("feed.heartbeat_tolerance", 500*time.Millisecond)
	v.SetDefault("feed.watchdog_period", 4*time.Second)
	v.SetDefault("feed.reconnect_delay", 2*time.Second)
	v.SetDefault("feed.max_reconnect_delay", 30*time.Second)
	v.SetDefault("feed.send_timeout", 5*time.Second)
	v.SetDefault("feed.queue_size", 1024)

	v.SetDefault("backfill.base_url", "")
	v.SetDefault("backfill.timeout", 10*time.Second)
	v.SetDefault("backfill.rate_per_second", 5.0)
	v.SetDefault("backfill.burst", 10)
	v.SetDefault("backfill.retries", 3)
	v.SetDefault("backfill.retry_delay", 500*time.Millisecond)
	v.SetDefault("backfill.countback", 300)

	v.SetDefault("session.max_gap_fill", 1440)
	v.SetDefault("session.tick_buffer_limit", 4096)

	v.SetDefault("server.addr", ":50051")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output_file", "")
	v.SetDefault("log.environment", "dev")
}

// Load reads configuration. An explicit path must exist; without one the
// file config.yaml is looked up in the working directory and ./config, and
// its absence is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config") // config.yaml
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Support environment variables with dot notation (e.g., CHARTSYNC_FEED_URL)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the fields chartd cannot run without.
func (c *Config) Validate() error {
	if err := utils.ValidateMint(c.Instrument.Mint); err != nil {
		return err
	}
	if c.Feed.URL == "" {
		return errors.New("feed url cannot be empty")
	}
	if c.Backfill.BaseURL == "" {
		return errors.New("backfill base_url cannot be empty")
	}
	if _, err := c.Currency(); err != nil {
		return err
	}
	if _, err := c.Mode(); err != nil {
		return err
	}
	if _, err := c.Resolutions(); err != nil {
		return err
	}
	if c.Server.Addr == "" {
		return errors.New("server addr cannot be empty")
	}
	return nil
}

// Currency parses the configured quote currency.
func (c *Config) Currency() (model.Currency, error) {
	return model.ParseCurrency(c.Instrument.Currency)
}

// Mode parses the configured value mode.
func (c *Config) Mode() (model.ValueMode, error) {
	return model.ParseValueMode(c.Instrument.Mode)
}

// Wallets returns the tracked wallets keyed by address.
func (c *Config) Wallets() map[string]string {
	out := make(map[string]string, len(c.Instrument.TrackedWallets))
	for _, w := range c.Instrument.TrackedWallets {
		if w.Address != "" {
			out[w.Address] = w.Name
		}
	}
	return out
}

// Resolutions parses the configured resolution list.
func (c *Config) Resolutions() ([]resolution.Resolution, error) {
	return utils.ValidateResolutions(c.Instrument.Resolutions, maxResolutions)
}
