package config

import "fmt"

// ValidationError names the offending field and what is wrong with it.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: invalid %s: %s", e.Field, e.Message)
}

// Validate checks structural invariants that Load cannot express as
// viper defaults alone.
func Validate(cfg *Config) error {
	if len(cfg.Redis.Addrs) == 0 {
		return &ValidationError{Field: "redis.addrs", Message: "at least one address is required"}
	}

	if err := validateRetryPolicy(cfg.RetryPolicy); err != nil {
		return err
	}
	if err := validateRetryDaemon(cfg.RetryDaemon); err != nil {
		return err
	}
	if err := validateConsumer(cfg.Consumer); err != nil {
		return err
	}

	return nil
}

func validateRetryPolicy(cfg RetryPolicyConfig) error {
	if cfg.MaxAttempts < 1 {
		return &ValidationError{Field: "retry_policy.max_attempts", Message: "must be at least 1"}
	}

	switch cfg.Strategy {
	case "", "constant":
	case "exponential-jitter":
		if cfg.BaseMs <= 0 {
			return &ValidationError{Field: "retry_policy.base_ms", Message: "must be positive for exponential-jitter"}
		}
		if cfg.MaxDelayMs > 0 && cfg.MaxDelayMs < cfg.BaseMs {
			return &ValidationError{Field: "retry_policy.max_delay_ms", Message: "must be >= base_ms when set"}
		}
	default:
		return &ValidationError{
			Field:   "retry_policy.strategy",
			Message: fmt.Sprintf("unknown strategy %q (valid: constant, exponential-jitter)", cfg.Strategy),
		}
	}

	return nil
}

func validateRetryDaemon(cfg RetryDaemonConfig) error {
	if cfg.TargetStream == "" {
		return &ValidationError{Field: "retry_daemon.target_stream", Message: "is required"}
	}
	if cfg.JitterPct < 0 || cfg.JitterPct >= 1 {
		return &ValidationError{Field: "retry_daemon.jitter_pct", Message: "must be in [0, 1)"}
	}
	return nil
}

func validateConsumer(cfg ConsumerConfig) error {
	switch cfg.Scheduling {
	case "", "zset", "none":
	default:
		return &ValidationError{
			Field:   "consumer.scheduling",
			Message: fmt.Sprintf("unknown scheduling mode %q (valid: zset, none)", cfg.Scheduling),
		}
	}
	return nil
}
