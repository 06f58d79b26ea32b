package consumer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AkikoAkaki/streamq/internal/envelope"
	"github.com/AkikoAkaki/streamq/internal/retrypolicy"
	"github.com/AkikoAkaki/streamq/internal/streamclient"
	"github.com/AkikoAkaki/streamq/internal/streamclient/fakeclient"
)

func encodeMsg(t *testing.T, headers envelope.Headers, payload []byte) map[string]string {
	t.Helper()
	fields, err := envelope.JSONCodec{}.Encode(envelope.Envelope{Headers: headers, Payload: payload})
	require.NoError(t, err)
	return fields
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Fail(t, "condition not satisfied before timeout")
}

// happy path: handler succeeds, entry is acked and no pending remains.
func TestWorkerAcksOnSuccess(t *testing.T) {
	ctx := context.Background()
	client := fakeclient.New()
	require.NoError(t, client.EnsureGroup(ctx, "orders", "workers"))
	fields := encodeMsg(t, envelope.Headers{Type: "order.created"}, []byte("payload"))
	_, err := client.Append(ctx, "orders", fields)
	require.NoError(t, err)

	var calls atomic.Int64
	policy := retrypolicy.New(retrypolicy.Config{MaxAttempts: 3})
	w := New(client, envelope.JSONCodec{}, Config{Stream: "orders", Group: "workers"}, policy,
		func(ctx context.Context, payload []byte, meta Meta) error {
			calls.Add(1)
			return nil
		}, nil)

	require.NoError(t, w.Start(ctx))
	defer w.Stop(true, 1000)

	waitFor(t, time.Second, func() bool { return calls.Load() == 1 })

	pending, err := client.Pending(ctx, "orders", "workers", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// retry-then-succeed shape, observed at the scheduling boundary: a
// failing handler with attempts remaining causes a zset member to appear
// and the original entry to be acked rather than left pending.
func TestWorkerSchedulesRetryOnFailure(t *testing.T) {
	ctx := context.Background()
	client := fakeclient.New()
	require.NoError(t, client.EnsureGroup(ctx, "orders", "workers"))
	fields := encodeMsg(t, envelope.Headers{Type: "order.created"}, []byte("payload"))
	_, err := client.Append(ctx, "orders", fields)
	require.NoError(t, err)

	policy := retrypolicy.New(retrypolicy.Config{MaxAttempts: 3, Strategy: retrypolicy.StrategyConstant, DelayMs: 50})
	w := New(client, envelope.JSONCodec{}, Config{Stream: "orders", Group: "workers"}, policy,
		func(ctx context.Context, payload []byte, meta Meta) error {
			return assert.AnError
		}, nil)

	require.NoError(t, w.Start(ctx))
	defer w.Stop(true, 1000)

	waitFor(t, time.Second, func() bool {
		members, err := client.ZRangeByScore(ctx, "orders:retry", 1<<62, 10)
		return err == nil && len(members) == 1
	})

	pending, err := client.Pending(ctx, "orders", "workers", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// DLQ-on-exhaustion: MaxAttempts=1 means the very first failure routes
// straight to the dead-letter stream.
func TestWorkerRoutesToDLQOnExhaustion(t *testing.T) {
	ctx := context.Background()
	client := fakeclient.New()
	require.NoError(t, client.EnsureGroup(ctx, "orders", "workers"))
	fields := encodeMsg(t, envelope.Headers{Type: "order.created"}, []byte("payload"))
	_, err := client.Append(ctx, "orders", fields)
	require.NoError(t, err)

	policy := retrypolicy.New(retrypolicy.Config{MaxAttempts: 1})
	w := New(client, envelope.JSONCodec{}, Config{Stream: "orders", Group: "workers"}, policy,
		func(ctx context.Context, payload []byte, meta Meta) error {
			return assert.AnError
		}, nil)

	require.NoError(t, w.Start(ctx))
	defer w.Stop(true, 1000)

	waitFor(t, time.Second, func() bool {
		n, err := client.Len(ctx, "orders:dlq")
		return err == nil && n == 1
	})
}

// Duplicate deliveries sharing a headers.Key within one batch must invoke
// the handler exactly once when handler-level idempotency is configured.
func TestWorkerHandlerIdempotencyDedupesWithinBatch(t *testing.T) {
	ctx := context.Background()
	client := fakeclient.New()
	require.NoError(t, client.EnsureGroup(ctx, "orders", "workers"))
	headers := envelope.Headers{Type: "order.created", Key: "order-1"}
	f1 := encodeMsg(t, headers, []byte("a"))
	f2 := encodeMsg(t, headers, []byte("a"))
	_, err := client.Append(ctx, "orders", f1)
	require.NoError(t, err)
	_, err = client.Append(ctx, "orders", f2)
	require.NoError(t, err)

	var calls atomic.Int64
	policy := retrypolicy.New(retrypolicy.Config{MaxAttempts: 3})
	w := New(client, envelope.JSONCodec{}, Config{
		Stream:      "orders",
		Group:       "workers",
		Idempotency: IdempotencyConfig{PendingTTLSec: 60, DoneTTLSec: 60},
		Batch:       BatchConfig{Count: 16},
	}, policy,
		func(ctx context.Context, payload []byte, meta Meta) error {
			calls.Add(1)
			return nil
		}, nil)

	require.NoError(t, w.Start(ctx))
	defer w.Stop(true, 1000)

	// Both entries are delivered in one read, so the pending list is empty
	// again only once both have been processed. It is also empty before
	// the first read, hence the handler-call check.
	waitFor(t, time.Second, func() bool {
		pending, err := client.Pending(ctx, "orders", "workers", 0, 10)
		return calls.Load() >= 1 && err == nil && len(pending) == 0
	})
	assert.EqualValues(t, 1, calls.Load())
}

// crash recovery: an entry delivered to a consumer that never acks is
// later claimed and completed by another worker's claim loop.
func TestClaimLoopRecoversStuckEntry(t *testing.T) {
	ctx := context.Background()
	client := fakeclient.New()
	require.NoError(t, client.EnsureGroup(ctx, "orders", "workers"))

	fields := encodeMsg(t, envelope.Headers{Type: "order.created"}, []byte("payload"))
	_, err := client.Append(ctx, "orders", fields)
	require.NoError(t, err)

	// Simulate a consumer that received the entry and crashed before ack.
	_, err = client.ReadGroup(ctx, streamclient.ReadGroupArgs{
		Stream: "orders", Group: "workers", Consumer: "ghost", Count: 1, ID: ">",
	})
	require.NoError(t, err)

	var calls atomic.Int64
	policy := retrypolicy.New(retrypolicy.Config{MaxAttempts: 3})
	w := New(client, envelope.JSONCodec{}, Config{
		Stream:   "orders",
		Group:    "workers",
		Consumer: "recoverer",
		PelClaim: PelClaimConfig{Enabled: true, MinIdleMs: 0, IntervalMs: 20, MaxPerTick: 10},
	}, policy,
		func(ctx context.Context, payload []byte, meta Meta) error {
			calls.Add(1)
			return nil
		}, nil)

	require.NoError(t, w.Start(ctx))
	defer w.Stop(true, 1000)

	waitFor(t, time.Second, func() bool { return calls.Load() == 1 })
}

// Stop with drain=true waits for an in-flight handler to finish before
// returning.
func TestStopDrainWaitsForInFlight(t *testing.T) {
	ctx := context.Background()
	client := fakeclient.New()
	require.NoError(t, client.EnsureGroup(ctx, "orders", "workers"))
	fields := encodeMsg(t, envelope.Headers{Type: "order.created"}, []byte("payload"))
	_, err := client.Append(ctx, "orders", fields)
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	policy := retrypolicy.New(retrypolicy.Config{MaxAttempts: 3})
	w := New(client, envelope.JSONCodec{}, Config{Stream: "orders", Group: "workers"}, policy,
		func(ctx context.Context, payload []byte, meta Meta) error {
			close(started)
			<-release
			return nil
		}, nil)

	require.NoError(t, w.Start(ctx))

	select {
	case <-started:
	case <-time.After(time.Second):
		require.Fail(t, "handler never started")
	}

	stopDone := make(chan struct{})
	go func() {
		w.Stop(true, 1000)
		close(stopDone)
	}()

	select {
	case <-stopDone:
		require.Fail(t, "Stop returned before in-flight handler completed")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)

	select {
	case <-stopDone:
	case <-time.After(time.Second):
		require.Fail(t, "Stop did not return after in-flight handler completed")
	}
}
