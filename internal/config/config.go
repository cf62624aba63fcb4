// Package config loads and validates the engine's runtime configuration
// from environment variables (with an optional local .env file).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Mode is the overall trading mode.
type Mode string

const (
	ModeDemo Mode = "DEMO"
	ModeLive Mode = "LIVE"
)

// MarketDataMode selects the market-data controller's preferred source.
type MarketDataMode string

const (
	MarketDataModeStream MarketDataMode = "stream"
	MarketDataModePoll   MarketDataMode = "poll"
)

// Config is the fully-bound, validated runtime configuration. It is
// immutable once loaded; a reload produces a new value.
type Config struct {
	Mode     Mode
	Env      string
	Host     string
	Port     int
	DataDir  string
	LogLevel string

	IGAPIKey           string
	IGUsername         string
	IGPassword         string
	IGAccountID        string
	IGAccType          string
	IGBaseURLDemo      string
	IGBaseURLLive      string
	IGRequestTimeoutS  int
	IGMaxRetries       int
	IGRateLimitRPS     int
	IGRateLimitBurst   int

	LiveTradingEnabled  bool
	LiveEnableToken     string
	LiveAccountID       string
	LiveMaxOrderSize    float64
	LiveConfirmationTTL time.Duration
	LivePreliveMaxAge   time.Duration

	MaxPositionSize        float64
	MaxConcurrentPositions int
	MaxDailyLossPct        float64
	MaxTradesPerHour       int
	PerSymbolExposureCap   float64
	RequireSL              bool
	CloseOnKillSwitch      bool
	RequireArmConfirmation bool

	MarketDataMode             MarketDataMode
	MarketDataPollIntervalMS   int
	MarketDataMaxQuotesPerSec  int
	MarketDataMaxSubscriptions int
	MarketDataPersistBars      bool
	MarketDataStaleThresholdS  int
}

// Load reads a local .env file (if present, ignored if absent), binds
// every reserved environment variable, and returns a validated Config.
func Load() (*Config, error) {
	_ = godotenv.Load() // absence of .env is not an error

	v := viper.New()
	v.AutomaticEnv()
	bindDefaults(v)

	cfg := &Config{
		Mode:     Mode(strings.ToUpper(v.GetString("MODE"))),
		Env:      v.GetString("ENV"),
		Host:     v.GetString("HOST"),
		Port:     v.GetInt("PORT"),
		DataDir:  v.GetString("DATA_DIR"),
		LogLevel: v.GetString("LOG_LEVEL"),

		IGAPIKey:          v.GetString("IG_API_KEY"),
		IGUsername:        v.GetString("IG_USERNAME"),
		IGPassword:        v.GetString("IG_PASSWORD"),
		IGAccountID:       v.GetString("IG_ACCOUNT_ID"),
		IGAccType:         v.GetString("IG_ACC_TYPE"),
		IGBaseURLDemo:     v.GetString("IG_BASE_URL_DEMO"),
		IGBaseURLLive:     v.GetString("IG_BASE_URL_LIVE"),
		IGRequestTimeoutS: v.GetInt("IG_REQUEST_TIMEOUT_S"),
		IGMaxRetries:      v.GetInt("IG_MAX_RETRIES"),
		IGRateLimitRPS:    v.GetInt("IG_RATE_LIMIT_RPS"),
		IGRateLimitBurst:  v.GetInt("IG_RATE_LIMIT_BURST"),

		LiveTradingEnabled:  v.GetBool("LIVE_TRADING_ENABLED"),
		LiveEnableToken:     v.GetString("LIVE_ENABLE_TOKEN"),
		LiveAccountID:       v.GetString("LIVE_ACCOUNT_ID"),
		LiveMaxOrderSize:    v.GetFloat64("LIVE_MAX_ORDER_SIZE"),
		LiveConfirmationTTL: time.Duration(v.GetInt64("LIVE_CONFIRMATION_TTL_S")) * time.Second,
		LivePreliveMaxAge:   time.Duration(v.GetInt64("LIVE_PRELIVE_MAX_AGE_S")) * time.Second,

		MaxPositionSize:        v.GetFloat64("MAX_POSITION_SIZE"),
		MaxConcurrentPositions: v.GetInt("MAX_CONCURRENT_POSITIONS"),
		MaxDailyLossPct:        v.GetFloat64("MAX_DAILY_LOSS_PCT"),
		MaxTradesPerHour:       v.GetInt("MAX_TRADES_PER_HOUR"),
		PerSymbolExposureCap:   v.GetFloat64("PER_SYMBOL_EXPOSURE_CAP"),
		RequireSL:              v.GetBool("REQUIRE_SL"),
		CloseOnKillSwitch:      v.GetBool("CLOSE_ON_KILL_SWITCH"),
		RequireArmConfirmation: v.GetBool("REQUIRE_ARM_CONFIRMATION"),

		MarketDataMode:             MarketDataMode(strings.ToLower(v.GetString("MARKET_DATA_MODE"))),
		MarketDataPollIntervalMS:   v.GetInt("MARKET_DATA_POLL_INTERVAL_MS"),
		MarketDataMaxQuotesPerSec:  v.GetInt("MARKET_DATA_MAX_QUOTES_PER_SEC"),
		MarketDataMaxSubscriptions: v.GetInt("MARKET_DATA_MAX_SUBSCRIPTIONS"),
		MarketDataPersistBars:      v.GetBool("MARKET_DATA_PERSIST_BARS"),
		MarketDataStaleThresholdS:  v.GetInt("MARKET_DATA_STALE_THRESHOLD_S"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func bindDefaults(v *viper.Viper) {
	v.SetDefault("MODE", "DEMO")
	v.SetDefault("ENV", "development")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8080)
	v.SetDefault("DATA_DIR", "./data")
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("IG_ACC_TYPE", "SPREADBET")
	v.SetDefault("IG_REQUEST_TIMEOUT_S", 10)
	v.SetDefault("IG_MAX_RETRIES", 3)
	v.SetDefault("IG_RATE_LIMIT_RPS", 5)
	v.SetDefault("IG_RATE_LIMIT_BURST", 10)

	v.SetDefault("LIVE_TRADING_ENABLED", false)
	v.SetDefault("LIVE_CONFIRMATION_TTL_S", 300)
	v.SetDefault("LIVE_PRELIVE_MAX_AGE_S", 3600)

	v.SetDefault("MAX_POSITION_SIZE", 1.0)
	v.SetDefault("MAX_CONCURRENT_POSITIONS", 5)
	v.SetDefault("MAX_DAILY_LOSS_PCT", 5.0)
	v.SetDefault("MAX_TRADES_PER_HOUR", 10)
	v.SetDefault("PER_SYMBOL_EXPOSURE_CAP", 10000.0)
	v.SetDefault("REQUIRE_SL", true)
	v.SetDefault("CLOSE_ON_KILL_SWITCH", true)
	v.SetDefault("REQUIRE_ARM_CONFIRMATION", true)

	v.SetDefault("MARKET_DATA_MODE", "poll")
	v.SetDefault("MARKET_DATA_POLL_INTERVAL_MS", 2000)
	v.SetDefault("MARKET_DATA_MAX_QUOTES_PER_SEC", 5)
	v.SetDefault("MARKET_DATA_MAX_SUBSCRIPTIONS", 50)
	v.SetDefault("MARKET_DATA_PERSIST_BARS", true)
	v.SetDefault("MARKET_DATA_STALE_THRESHOLD_S", 30)
}

func (c *Config) validate() error {
	if c.Mode != ModeDemo && c.Mode != ModeLive {
		return fmt.Errorf("config: MODE must be DEMO or LIVE, got %q", c.Mode)
	}
	if c.MarketDataMode != MarketDataModeStream && c.MarketDataMode != MarketDataModePoll {
		return fmt.Errorf("config: MARKET_DATA_MODE must be stream or poll, got %q", c.MarketDataMode)
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: DATA_DIR must not be empty")
	}
	return nil
}

// IGBaseURL returns the base URL appropriate for the configured mode.
func (c *Config) IGBaseURL() string {
	if c.Mode == ModeLive {
		return c.IGBaseURLLive
	}
	return c.IGBaseURLDemo
}
