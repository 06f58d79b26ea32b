package retrydaemon

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func addMember(t *testing.T, client interface {
	ZAdd(ctx context.Context, key string, score float64, member string) error
}, key string, score float64, stream string, fields map[string]string) {
	t.Helper()
	member, err := json.Marshal(retryMember{Stream: stream, Fields: fields})
	require.NoError(t, err)
	require.NoError(t, client.ZAdd(context.Background(), key, score, string(member)))
}

// A due member is forwarded exactly once per tick and removed from the
// scheduler.
func TestDaemonForwardsDueMembers(t *testing.T) {
	ctx := context.Background()
	client := fakeclient.New()

	past := float64(time.Now().Add(-time.Second).UnixMilli())
	addMember(t, client, "orders:retry", past, "orders", map[string]string{"headers": "h", "payload": "p"})

	d := New(client, Config{RetryZset: "orders:retry", TickMs: 20, MaxBatch: 10}, nil)
	d.Start(ctx)
	defer d.Stop()

	waitFor(t, time.Second, func() bool {
		n, err := client.Len(ctx, "orders")
		return err == nil && n == 1
	})

	members, err := client.ZRangeByScore(ctx, "orders:retry", float64(time.Now().UnixMilli()), 10)
	require.NoError(t, err)
	assert.Empty(t, members)
}

// A member with an empty stream field forwards to the daemon's
// configured target stream instead.
func TestDaemonForwardsMemberWithNoStreamToTargetStream(t *testing.T) {
	ctx := context.Background()
	client := fakeclient.New()

	past := float64(time.Now().Add(-time.Second).UnixMilli())
	addMember(t, client, "orders:retry", past, "", map[string]string{"headers": "h", "payload": "p"})

	d := New(client, Config{RetryZset: "orders:retry", TargetStream: "orders", TickMs: 20, MaxBatch: 10}, nil)
	d.Start(ctx)
	defer d.Stop()

	waitFor(t, time.Second, func() bool {
		n, err := client.Len(ctx, "orders")
		return err == nil && n == 1
	})
}

// Members whose due time is in the future are left in place.
func TestDaemonSkipsNotYetDueMembers(t *testing.T) {
	ctx := context.Background()
	client := fakeclient.New()

	future := float64(time.Now().Add(time.Hour).UnixMilli())
	addMember(t, client, "orders:retry", future, "orders", map[string]string{"headers": "h", "payload": "p"})

	d := New(client, Config{RetryZset: "orders:retry", TickMs: 20, MaxBatch: 10}, nil)
	d.Start(ctx)
	defer d.Stop()

	time.Sleep(100 * time.Millisecond)

	n, err := client.Len(ctx, "orders")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

// A malformed member is dropped rather than wedging the batch.
func TestDaemonDropsMalformedMember(t *testing.T) {
	ctx := context.Background()
	client := fakeclient.New()

	past := float64(time.Now().Add(-time.Second).UnixMilli())
	require.NoError(t, client.ZAdd(ctx, "orders:retry", past, "not-json"))
	addMember(t, client, "orders:retry", past, "orders", map[string]string{"headers": "h", "payload": "p"})

	d := New(client, Config{RetryZset: "orders:retry", TickMs: 20, MaxBatch: 10}, nil)
	d.Start(ctx)
	defer d.Stop()

	waitFor(t, time.Second, func() bool {
		n, err := client.Len(ctx, "orders")
		return err == nil && n == 1
	})

	members, err := client.ZRangeByScore(ctx, "orders:retry", float64(time.Now().UnixMilli()), 10)
	require.NoError(t, err)
	assert.Empty(t, members)
}
