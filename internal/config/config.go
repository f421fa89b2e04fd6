package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/parleylabs/parley/internal/conn"
)

type RelayConfig struct {
	URL            string        `mapstructure:"url"`
	Heartbeat      time.Duration `mapstructure:"heartbeat"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type ProviderConfig struct {
	Model            string        `mapstructure:"model"`
	Voice            string        `mapstructure:"voice"`
	Instructions     string        `mapstructure:"instructions"`
	TokenURL         string        `mapstructure:"token_url"`
	RealtimeURL      string        `mapstructure:"realtime_url"`
	StartDelay       time.Duration `mapstructure:"start_delay"`
	RefreshWarnAfter time.Duration `mapstructure:"refresh_warn_after"`
	ICEGatherTimeout time.Duration `mapstructure:"ice_gather_timeout"`
}

type TranscriptConfig struct {
	URL          string        `mapstructure:"url"`
	Source       string        `mapstructure:"source"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

type AvatarConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ProvisionURL string `mapstructure:"provision_url"`
}

type Config struct {
	Mode     string `mapstructure:"mode"`
	Topology string `mapstructure:"topology"`
	TenantID string `mapstructure:"tenant_id"`

	Relay      RelayConfig      `mapstructure:"relay"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	Transcript TranscriptConfig `mapstructure:"transcript"`
	Avatar     AvatarConfig     `mapstructure:"avatar"`
	Retry      conn.RetryPolicy `mapstructure:"retry"`

	// Relay server process.
	Port   int    `mapstructure:"port"`
	Secret string `mapstructure:"secret"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("topology", "direct")
	v.SetDefault("port", 8080)

	v.SetDefault("relay.url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("relay.heartbeat", "15s")
	v.SetDefault("relay.connect_timeout", "10s")

	v.SetDefault("provider.model", "gpt-4o-realtime-preview")
	v.SetDefault("provider.voice", "alloy")
	v.SetDefault("provider.realtime_url", "https://api.openai.com/v1/realtime")
	v.SetDefault("provider.start_delay", "1s")
	v.SetDefault("provider.refresh_warn_after", "25m")
	v.SetDefault("provider.ice_gather_timeout", "3s")

	v.SetDefault("transcript.source", "realtime")
	v.SetDefault("transcript.batch_size", 10)
	v.SetDefault("transcript.batch_timeout", "5s")

	v.SetDefault("avatar.enabled", false)

	v.SetDefault("retry.initial_delay", "3s")
	v.SetDefault("retry.max_delay", "10s")
	v.SetDefault("retry.backoff_factor", 2.0)
	v.SetDefault("retry.max_retries", 3)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
