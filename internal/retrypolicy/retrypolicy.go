// Package retrypolicy computes the terminal action (ack, retry, or DLQ)
// for a failed handler invocation. It is pure: no I/O, no sleeping.
package retrypolicy

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/AkikoAkaki/streamq/internal/envelope"
)

// Strategy selects how a retry delay is computed.
type Strategy string

const (
	// StrategyConstant always waits DelayMs.
	StrategyConstant Strategy = "constant"
	// StrategyExponentialJitter waits a uniformly random duration in
	// [0, min(MaxDelayMs, BaseMs*2^attempt)] (full jitter).
	StrategyExponentialJitter Strategy = "exponential-jitter"
)

// Kind is the terminal action produced by Next.
type Kind int

const (
	Ack Kind = iota
	Retry
	DLQ
)

// Terminal is the outcome of evaluating a handler error against the policy.
type Terminal struct {
	Kind    Kind
	DelayMs int64  // meaningful only when Kind == Retry
	Reason  string // meaningful only when Kind == DLQ
}

// Config configures a Policy. IsRetryable classifies an error as
// non-retryable (immediate DLQ) when it returns false; a nil IsRetryable
// treats every error as retryable.
type Config struct {
	MaxAttempts int
	Strategy    Strategy
	DelayMs     int64 // used by StrategyConstant
	BaseMs      int64 // used by StrategyExponentialJitter
	MaxDelayMs  int64 // used by StrategyExponentialJitter
	IsRetryable func(error) bool
}

// Policy decides, for a given delivery attempt and handler outcome,
// whether to acknowledge, retry after a computed delay, or route to the
// dead-letter queue.
type Policy struct {
	cfg  Config
	rand *rand.Rand
}

// New builds a Policy from cfg. Defaults: Strategy=StrategyConstant,
// DelayMs=1000 if unset, MaxAttempts=1 if unset (i.e. no retries, always DLQ).
func New(cfg Config) *Policy {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyConstant
	}
	if cfg.DelayMs == 0 && cfg.Strategy == StrategyConstant {
		cfg.DelayMs = 1000
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Policy{cfg: cfg, rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// NewWithRand builds a Policy using a caller-supplied random source, for
// deterministic tests of the full-jitter strategy.
func NewWithRand(cfg Config, r *rand.Rand) *Policy {
	p := New(cfg)
	p.rand = r
	return p
}

// Next evaluates headers and err against the configured policy.
func (p *Policy) Next(headers envelope.Headers, err error) Terminal {
	if err == nil {
		return Terminal{Kind: Ack}
	}

	if p.cfg.IsRetryable != nil && !p.cfg.IsRetryable(err) {
		return Terminal{Kind: DLQ, Reason: "non-retryable"}
	}

	nextAttempt := headers.Attempt + 1
	if nextAttempt >= p.cfg.MaxAttempts {
		return Terminal{Kind: DLQ, Reason: fmt.Sprintf("maxAttempts(%d)", p.cfg.MaxAttempts)}
	}

	delay := p.delayFor(headers.Attempt)
	return Terminal{Kind: Retry, DelayMs: delay}
}

func (p *Policy) delayFor(attempt int) int64 {
	switch p.cfg.Strategy {
	case StrategyExponentialJitter:
		capMs := p.cfg.MaxDelayMs
		pow := p.cfg.BaseMs
		for i := 0; i < attempt; i++ {
			pow *= 2
			if capMs > 0 && pow > capMs {
				pow = capMs
				break
			}
		}
		if capMs > 0 && pow > capMs {
			pow = capMs
		}
		if pow < 0 {
			pow = 0
		}
		// Full jitter: uniform draw from [0, pow] inclusive, where pow is
		// min(MaxDelayMs, BaseMs*2^attempt).
		return int64(p.rand.Int63n(pow + 1))
	default:
		return p.cfg.DelayMs
	}
}
