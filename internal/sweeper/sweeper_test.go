package sweeper

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

// crash recovery, standalone variant: a sweeper with no read loop of
// its own reclaims and completes an entry abandoned by a ghost consumer.
func TestSweeperReclaimsStuckEntry(t *testing.T) {
	ctx := context.Background()
	client := fakeclient.New()
	require.NoError(t, client.EnsureGroup(ctx, "orders", "workers"))

	fields, err := envelope.JSONCodec{}.Encode(envelope.Envelope{
		Headers: envelope.Headers{Type: "order.created"},
		Payload: []byte("payload"),
	})
	require.NoError(t, err)
	_, err = client.Append(ctx, "orders", fields)
	require.NoError(t, err)

	_, err = client.ReadGroup(ctx, streamclient.ReadGroupArgs{
		Stream: "orders", Group: "workers", Consumer: "ghost", Count: 1, ID: ">",
	})
	require.NoError(t, err)

	var calls atomic.Int64
	policy := retrypolicy.New(retrypolicy.Config{MaxAttempts: 3})
	s := New(client, envelope.JSONCodec{}, Config{
		Stream:     "orders",
		Group:      "workers",
		Consumer:   "sweeper-1",
		MinIdleMs:  0,
		IntervalMs: 20,
	}, policy, func(ctx context.Context, payload []byte, meta Meta) error {
		calls.Add(1)
		return nil
	}, nil)

	s.Start(ctx)
	defer s.Stop()

	waitFor(t, time.Second, func() bool { return calls.Load() == 1 })

	pending, err := client.Pending(ctx, "orders", "workers", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSweeperDisabledWithoutPendingClaimerCapability(t *testing.T) {
	s := New(noPendingClaimer{}, envelope.JSONCodec{}, Config{Stream: "orders", Group: "workers"},
		retrypolicy.New(retrypolicy.Config{MaxAttempts: 3}),
		func(ctx context.Context, payload []byte, meta Meta) error { return nil }, nil)
	s.Start(context.Background())
	assert.False(t, s.running.Load())
}

// noPendingClaimer implements streamclient.Client but neither
// PendingClaimer nor any other optional capability, exercising Start's
// capability-detection fallback.
type noPendingClaimer struct{}

func (noPendingClaimer) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	return "", nil
}
func (noPendingClaimer) ReadGroup(ctx context.Context, args streamclient.ReadGroupArgs) ([]streamclient.Message, error) {
	return nil, nil
}
func (noPendingClaimer) Ack(ctx context.Context, stream, group string, ids ...string) error {
	return nil
}
func (noPendingClaimer) EnsureGroup(ctx context.Context, stream, group string) error { return nil }
func (noPendingClaimer) Groups(ctx context.Context, stream string) ([]string, error) { return nil, nil }
func (noPendingClaimer) Len(ctx context.Context, stream string) (int64, error)       { return 0, nil }
