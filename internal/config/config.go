// Package config defines the typed configuration surface for the
// producer, consumer, retry daemon, and sweeper binaries.
package config

// Config is the root configuration for any streamq process.
type Config struct {
	Redis       RedisConfig       `mapstructure:"redis"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Producer    ProducerConfig    `mapstructure:"producer"`
	Consumer    ConsumerConfig    `mapstructure:"consumer"`
	RetryPolicy RetryPolicyConfig `mapstructure:"retry_policy"`
	RetryDaemon RetryDaemonConfig `mapstructure:"retry_daemon"`
	Sweeper     SweeperConfig     `mapstructure:"sweeper"`
}

// RedisConfig describes how to connect to the Redis/Valkey backend.
type RedisConfig struct {
	Addrs    []string `mapstructure:"addrs"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	DB       int      `mapstructure:"db"`
}

// LoggingConfig controls the logrus facade (internal/logging).
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ProducerConfig mirrors producer.Config.
type ProducerConfig struct {
	Stream            string `mapstructure:"stream"`
	DefaultType       string `mapstructure:"default_type"`
	IdempotencyTTLSec int64  `mapstructure:"idempotency_ttl_seconds"`
}

// ConsumerConfig mirrors consumer.Config.
type ConsumerConfig struct {
	Stream      string                  `mapstructure:"stream"`
	Group       string                  `mapstructure:"group"`
	Consumer    string                  `mapstructure:"consumer"`
	Scheduling  string                  `mapstructure:"scheduling"`
	RetryZset   string                  `mapstructure:"retry_zset"`
	Batch       ConsumerBatchConfig     `mapstructure:"batch"`
	PelClaim    ConsumerPelClaimConfig  `mapstructure:"pel_claim"`
	Idempotency ConsumerIdempotencyConfig `mapstructure:"idempotency"`
}

type ConsumerBatchConfig struct {
	Count   int64 `mapstructure:"count"`
	BlockMs int64 `mapstructure:"block_ms"`
}

type ConsumerPelClaimConfig struct {
	Enabled    bool  `mapstructure:"enabled"`
	MinIdleMs  int64 `mapstructure:"min_idle_ms"`
	MaxPerTick int64 `mapstructure:"max_per_tick"`
	IntervalMs int64 `mapstructure:"interval_ms"`
}

type ConsumerIdempotencyConfig struct {
	PendingTTLSec int64 `mapstructure:"pending_ttl_seconds"`
	DoneTTLSec    int64 `mapstructure:"done_ttl_seconds"`
}

// RetryPolicyConfig mirrors retrypolicy.Config.
type RetryPolicyConfig struct {
	MaxAttempts int    `mapstructure:"max_attempts"`
	Strategy    string `mapstructure:"strategy"`
	DelayMs     int64  `mapstructure:"delay_ms"`
	BaseMs      int64  `mapstructure:"base_ms"`
	MaxDelayMs  int64  `mapstructure:"max_delay_ms"`
}

// RetryDaemonConfig mirrors retrydaemon.Config.
type RetryDaemonConfig struct {
	RetryZset    string  `mapstructure:"retry_zset"`
	TargetStream string  `mapstructure:"target_stream"`
	TickMs       int64   `mapstructure:"tick_ms"`
	MaxBatch     int64   `mapstructure:"max_batch"`
	JitterPct    float64 `mapstructure:"jitter_pct"`
}

// SweeperConfig mirrors sweeper.Config.
type SweeperConfig struct {
	Stream     string `mapstructure:"stream"`
	Group      string `mapstructure:"group"`
	Consumer   string `mapstructure:"consumer"`
	RetryZset  string `mapstructure:"retry_zset"`
	MinIdleMs  int64  `mapstructure:"min_idle_ms"`
	MaxPerTick int64  `mapstructure:"max_per_tick"`
	IntervalMs int64  `mapstructure:"interval_ms"`
}
