package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Env      string `mapstructure:"env"`
	Upstream UpstreamConfig
	Rates    RatesConfig
	Auth     AuthConfig
	Fanout   FanoutConfig
	Redis    RedisConfig
	KMS      KMSConfig
	Ops      OpsConfig
}

// UpstreamConfig holds the provider websocket settings.
type UpstreamConfig struct {
	URL               string        `mapstructure:"url"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	PingTimeout       time.Duration `mapstructure:"ping_timeout"`
	EncryptedPayloads bool          `mapstructure:"encrypted_payloads"`
	CustType          string        `mapstructure:"custtype"`
	// Watchlist is subscribed once at startup.
	Watchlist         string        `mapstructure:"watchlist"`
}

// RatesConfig holds the FX rate source settings.
type RatesConfig struct {
	URL             string        `mapstructure:"url"`
	Currency        string        `mapstructure:"currency"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	Fallback        float64       `mapstructure:"fallback"`
}

// AuthConfig holds provider credentials. AppSecretCiphertext, a base64 KMS
// blob, takes precedence over AppSecret.
type AuthConfig struct {
	BaseURL             string        `mapstructure:"base_url"`
	AppKey              string        `mapstructure:"app_key"`
	AppSecret           string        `mapstructure:"app_secret"`
	AppSecretCiphertext string        `mapstructure:"app_secret_ciphertext"`
	KeyTTL              time.Duration `mapstructure:"key_ttl"`
}

// FanoutConfig holds per-client delivery settings.
type FanoutConfig struct {
	BufferSize      int           `mapstructure:"buffer_size"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`
}

// KMSConfig holds AWS KMS settings.
type KMSConfig struct {
	Region             string `mapstructure:"region"`
	LocalStackEndpoint string `mapstructure:"localstack_endpoint"`
}

// OpsConfig holds the health and metrics endpoints.
type OpsConfig struct {
	SocketPath     string        `mapstructure:"socket_path"`
	MetricsAddr    string        `mapstructure:"metrics_addr"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
}

// IsProduction reports whether env is "production".
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Load reads configuration from environment variables prefixed with MARKETGATE_.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MARKETGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("env", "development")

	// Upstream defaults
	v.SetDefault("upstream.url", "ws://ops.koreainvestment.com:21000")
	v.SetDefault("upstream.handshake_timeout", 10*time.Second)
	v.SetDefault("upstream.write_timeout", 5*time.Second)
	v.SetDefault("upstream.ping_interval", 20*time.Second)
	v.SetDefault("upstream.ping_timeout", 20*time.Second)
	v.SetDefault("upstream.encrypted_payloads", false)
	v.SetDefault("upstream.custtype", "P")
	v.SetDefault("upstream.watchlist", "")

	// Rates defaults
	v.SetDefault("rates.url", "https://open.er-api.com/v6/latest/USD")
	v.SetDefault("rates.currency", "KRW")
	v.SetDefault("rates.timeout", 3*time.Second)
	v.SetDefault("rates.refresh_interval", 10*time.Minute)
	v.SetDefault("rates.fallback", 1430.0)

	// Auth defaults
	v.SetDefault("auth.base_url", "https://openapi.koreainvestment.com:9443")
	v.SetDefault("auth.app_key", "")
	v.SetDefault("auth.app_secret", "")
	v.SetDefault("auth.app_secret_ciphertext", "")
	v.SetDefault("auth.key_ttl", 24*time.Hour)

	// Fanout defaults
	v.SetDefault("fanout.buffer_size", 256)
	v.SetDefault("fanout.delivery_timeout", 2*time.Second)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.snapshot_ttl", 2*time.Minute)

	// KMS defaults
	v.SetDefault("kms.region", "ap-northeast-2")
	v.SetDefault("kms.localstack_endpoint", "")

	// Ops defaults
	v.SetDefault("ops.socket_path", "/var/run/marketgate/ops.sock")
	v.SetDefault("ops.metrics_addr", ":9102")
	v.SetDefault("ops.poll_interval", time.Second)
	v.SetDefault("ops.stale_threshold", time.Minute)

	cfg := &Config{}
	cfg.Env = v.GetString("env")

	cfg.Upstream = UpstreamConfig{
		URL:               v.GetString("upstream.url"),
		HandshakeTimeout:  v.GetDuration("upstream.handshake_timeout"),
		WriteTimeout:      v.GetDuration("upstream.write_timeout"),
		PingInterval:      v.GetDuration("upstream.ping_interval"),
		PingTimeout:       v.GetDuration("upstream.ping_timeout"),
		EncryptedPayloads: v.GetBool("upstream.encrypted_payloads"),
		CustType:          v.GetString("upstream.custtype"),
		Watchlist:         v.GetString("upstream.watchlist"),
	}

	cfg.Rates = RatesConfig{
		URL:             v.GetString("rates.url"),
		Currency:        v.GetString("rates.currency"),
		Timeout:         v.GetDuration("rates.timeout"),
		RefreshInterval: v.GetDuration("rates.refresh_interval"),
		Fallback:        v.GetFloat64("rates.fallback"),
	}

	cfg.Auth = AuthConfig{
		BaseURL:             v.GetString("auth.base_url"),
		AppKey:              v.GetString("auth.app_key"),
		AppSecret:           v.GetString("auth.app_secret"),
		AppSecretCiphertext: v.GetString("auth.app_secret_ciphertext"),
		KeyTTL:              v.GetDuration("auth.key_ttl"),
	}

	cfg.Fanout = FanoutConfig{
		BufferSize:      v.GetInt("fanout.buffer_size"),
		DeliveryTimeout: v.GetDuration("fanout.delivery_timeout"),
	}

	cfg.Redis = RedisConfig{
		Enabled:     v.GetBool("redis.enabled"),
		Addr:        v.GetString("redis.addr"),
		Password:    v.GetString("redis.password"),
		DB:          v.GetInt("redis.db"),
		SnapshotTTL: v.GetDuration("redis.snapshot_ttl"),
	}

	cfg.KMS = KMSConfig{
		Region:             v.GetString("kms.region"),
		LocalStackEndpoint: v.GetString("kms.localstack_endpoint"),
	}

	cfg.Ops = OpsConfig{
		SocketPath:     v.GetString("ops.socket_path"),
		MetricsAddr:    v.GetString("ops.metrics_addr"),
		PollInterval:   v.GetDuration("ops.poll_interval"),
		StaleThreshold: v.GetDuration("ops.stale_threshold"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Upstream.URL == "" {
		return fmt.Errorf("config: upstream.url is required")
	}
	if c.Upstream.PingInterval <= 0 {
		return fmt.Errorf("config: upstream.ping_interval must be positive, got %s", c.Upstream.PingInterval)
	}
	if c.Fanout.BufferSize <= 0 {
		return fmt.Errorf("config: fanout.buffer_size must be positive, got %d", c.Fanout.BufferSize)
	}
	if c.Rates.Fallback <= 0 {
		return fmt.Errorf("config: rates.fallback must be positive, got %v", c.Rates.Fallback)
	}
	return nil
}
