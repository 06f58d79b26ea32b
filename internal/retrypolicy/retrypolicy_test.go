package retrypolicy

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AkikoAkaki/streamq/internal/envelope"
)

func TestNextAckOnNilError(t *testing.T) {
	p := New(Config{MaxAttempts: 5})
	got := p.Next(envelope.Headers{Attempt: 0}, nil)
	assert.Equal(t, Ack, got.Kind)
}

func TestNextNonRetryableGoesToDLQ(t *testing.T) {
	p := New(Config{
		MaxAttempts: 5,
		IsRetryable: func(err error) bool { return false },
	})
	got := p.Next(envelope.Headers{Attempt: 0}, errors.New("boom"))
	assert.Equal(t, DLQ, got.Kind)
	assert.Equal(t, "non-retryable", got.Reason)
}

// Max attempts: with maxAttempts=N, no envelope with attempt >= N-1
// produces a retry terminal.
func TestNextMaxAttemptsGoesToDLQ(t *testing.T) {
	p := New(Config{MaxAttempts: 2, Strategy: StrategyConstant, DelayMs: 10})

	got := p.Next(envelope.Headers{Attempt: 0}, errors.New("boom"))
	assert.Equal(t, Retry, got.Kind)

	got = p.Next(envelope.Headers{Attempt: 1}, errors.New("boom"))
	assert.Equal(t, DLQ, got.Kind)
	assert.Equal(t, "maxAttempts(2)", got.Reason)
}

func TestNextConstantDelay(t *testing.T) {
	p := New(Config{MaxAttempts: 10, Strategy: StrategyConstant, DelayMs: 250})
	got := p.Next(envelope.Headers{Attempt: 0}, errors.New("boom"))
	assert.Equal(t, Retry, got.Kind)
	assert.EqualValues(t, 250, got.DelayMs)
}

// Full-jitter bounds: exponential-jitter delays lie in
// [0, min(maxDelay, base*2^attempt)].
func TestNextExponentialJitterBounds(t *testing.T) {
	p := NewWithRand(Config{
		MaxAttempts: 100,
		Strategy:    StrategyExponentialJitter,
		BaseMs:      250,
		MaxDelayMs:  60_000,
	}, rand.New(rand.NewSource(1)))

	for attempt := 0; attempt < 20; attempt++ {
		want := int64(250)
		for i := 0; i < attempt; i++ {
			want *= 2
			if want > 60_000 {
				want = 60_000
				break
			}
		}
		if want > 60_000 {
			want = 60_000
		}

		for i := 0; i < 50; i++ {
			got := p.Next(envelope.Headers{Attempt: attempt}, errors.New("boom"))
			assert.Equal(t, Retry, got.Kind)
			assert.GreaterOrEqual(t, got.DelayMs, int64(0))
			assert.LessOrEqual(t, got.DelayMs, want)
		}
	}
}
