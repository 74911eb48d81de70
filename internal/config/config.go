package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	DataDir            string `mapstructure:"DATA_DIR"`
	DatabasePath       string `mapstructure:"DB_PATH"`
	MirrorPath         string `mapstructure:"MIRROR_PATH"`
	Delimiter          string `mapstructure:"DELIMITER"`
	ListenAddr         string `mapstructure:"LISTEN_ADDR"`
	BrowserAPIURL      string `mapstructure:"BROWSER_API_URL"`
	Concurrency        int    `mapstructure:"CONCURRENCY"`
	MaxRetries         int    `mapstructure:"MAX_RETRIES"`
	RetryBackoffMs     int    `mapstructure:"RETRY_BACKOFF_MS"`
	RetryBackoffMaxMs  int    `mapstructure:"RETRY_BACKOFF_MAX_MS"`
	StageTimeoutMs     int    `mapstructure:"STAGE_TIMEOUT_MS"`
	MaxDeferrals       int    `mapstructure:"MAX_DEFERRALS"`
	FreshProxyPerRetry bool   `mapstructure:"FRESH_PROXY_PER_RETRY"`
	ProgressBuffer     int    `mapstructure:"PROGRESS_BUFFER"`
	TOTPDigits         int    `mapstructure:"TOTP_DIGITS"`
	TOTPPeriod         int    `mapstructure:"TOTP_PERIOD"`
}

func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

func (c *Config) RetryBackoffMax() time.Duration {
	return time.Duration(c.RetryBackoffMaxMs) * time.Millisecond
}

func (c *Config) StageTimeout() time.Duration {
	return time.Duration(c.StageTimeoutMs) * time.Millisecond
}

func LoadConfig() (*Config, error) {
	viper.SetDefault("DATA_DIR", "data")
	viper.SetDefault("DB_PATH", "data/accounts.db")
	viper.SetDefault("MIRROR_PATH", "data/accounts.txt")
	viper.SetDefault("DELIMITER", "----")
	viper.SetDefault("LISTEN_ADDR", ":8080")
	viper.SetDefault("BROWSER_API_URL", "http://127.0.0.1:17555")
	viper.SetDefault("CONCURRENCY", 4)
	viper.SetDefault("MAX_RETRIES", 3)
	viper.SetDefault("RETRY_BACKOFF_MS", 2000)
	viper.SetDefault("RETRY_BACKOFF_MAX_MS", 300000)
	viper.SetDefault("STAGE_TIMEOUT_MS", 180000)
	viper.SetDefault("MAX_DEFERRALS", 10)
	viper.SetDefault("FRESH_PROXY_PER_RETRY", true)
	viper.SetDefault("PROGRESS_BUFFER", 256)
	viper.SetDefault("TOTP_DIGITS", 6)
	viper.SetDefault("TOTP_PERIOD", 30)

	viper.SetEnvPrefix("AUTOQUAL")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetConfigFile(".env")
	// Ignore err if .env doesn't exist
	_ = viper.ReadInConfig()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
