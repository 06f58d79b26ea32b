package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads a YAML config file, applies defaults, overlays environment
// variables, and validates the result.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(configFile)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVariables(v)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", configFile, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	applyEnvOverrides(v, &cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.addrs", []string{"127.0.0.1:6379"})
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("producer.default_type", "msg")

	v.SetDefault("consumer.scheduling", "zset")
	v.SetDefault("consumer.batch.count", 16)
	v.SetDefault("consumer.batch.block_ms", 2000)
	v.SetDefault("consumer.pel_claim.enabled", true)
	v.SetDefault("consumer.pel_claim.min_idle_ms", 30_000)
	v.SetDefault("consumer.pel_claim.max_per_tick", 128)
	v.SetDefault("consumer.pel_claim.interval_ms", 1000)

	v.SetDefault("retry_policy.max_attempts", 5)
	v.SetDefault("retry_policy.strategy", "exponential-jitter")
	v.SetDefault("retry_policy.base_ms", 1000)
	v.SetDefault("retry_policy.max_delay_ms", 60_000)

	v.SetDefault("retry_daemon.tick_ms", 250)
	v.SetDefault("retry_daemon.max_batch", 256)
	v.SetDefault("retry_daemon.jitter_pct", 0.2)

	v.SetDefault("sweeper.min_idle_ms", 30_000)
	v.SetDefault("sweeper.max_per_tick", 128)
	v.SetDefault("sweeper.interval_ms", 1000)
}

func bindEnvVariables(v *viper.Viper) {
	v.BindEnv("redis.addrs", "REDIS_ADDRS")
	v.BindEnv("redis.username", "REDIS_USERNAME")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.db", "REDIS_DB")

	v.BindEnv("logging.level", "LOGGING_LEVEL")
	v.BindEnv("logging.format", "LOGGING_FORMAT")

	v.BindEnv("producer.stream", "PRODUCER_STREAM")
	v.BindEnv("consumer.stream", "CONSUMER_STREAM")
	v.BindEnv("consumer.group", "CONSUMER_GROUP")
	v.BindEnv("consumer.consumer", "CONSUMER_NAME")
	v.BindEnv("retry_daemon.target_stream", "RETRY_DAEMON_TARGET_STREAM")
}

// applyEnvOverrides handles the one field viper's automatic env binding
// can't express directly: a comma-separated address list.
func applyEnvOverrides(v *viper.Viper, cfg *Config) {
	if addrs := v.GetString("REDIS_ADDRS"); addrs != "" {
		parts := strings.Split(addrs, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) > 0 && parts[0] != "" {
			cfg.Redis.Addrs = parts
		}
	}
}
