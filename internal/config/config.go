package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode               string        `mapstructure:"mode"`
	Port               int           `mapstructure:"port"`
	RedisAddr          string        `mapstructure:"redis_addr"`
	RedisPassword      string        `mapstructure:"redis_password"`
	RedisDB            int           `mapstructure:"redis_db"`
	ReadLimit          int64         `mapstructure:"read_limit"`
	PingInterval       time.Duration `mapstructure:"ping_interval"`
	PingMaxRetries     int           `mapstructure:"ping_max_retries"`
	SeatReservationTTL time.Duration `mapstructure:"seat_reservation_ttl"`
	RemoteCallTimeout  time.Duration `mapstructure:"remote_call_timeout"`
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
	v.SetDefault("port", 2567)
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_interval", "1500ms")
	v.SetDefault("ping_max_retries", 2)
	v.SetDefault("seat_reservation_ttl", "8s")
	v.SetDefault("remote_call_timeout", "2s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Remote-call timeout override, in milliseconds.
	if ms := os.Getenv("COLYSEUS_PRESENCE_SHORT_TIMEOUT"); ms != "" {
		if n, err := strconv.Atoi(ms); err == nil && n > 0 {
			cfg.RemoteCallTimeout = time.Duration(n) * time.Millisecond
		}
	}
	return &cfg, nil
}
