package fakeclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AkikoAkaki/streamq/internal/streamclient"
)

func TestAppendEnsureGroupReadAck(t *testing.T) {
	ctx := context.Background()
	c := New()

	require.NoError(t, c.EnsureGroup(ctx, "s", "g"))
	// Group-already-exists must be idempotent, not an error.
	require.NoError(t, c.EnsureGroup(ctx, "s", "g"))

	id, err := c.Append(ctx, "s", map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := c.ReadGroup(ctx, streamclient.ReadGroupArgs{
		Stream: "s", Group: "g", Consumer: "c1", Count: 10, ID: ">",
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)

	pending, err := c.Pending(ctx, "s", "g", 0, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, c.Ack(ctx, "s", "g", id))
	pending, err = c.Pending(ctx, "s", "g", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestClaimRespectsMinIdle(t *testing.T) {
	ctx := context.Background()
	c := New()
	require.NoError(t, c.EnsureGroup(ctx, "s", "g"))
	id, err := c.Append(ctx, "s", map[string]string{"k": "v"})
	require.NoError(t, err)

	_, err = c.ReadGroup(ctx, streamclient.ReadGroupArgs{Stream: "s", Group: "g", Consumer: "c1", Count: 10, ID: ">"})
	require.NoError(t, err)

	// Not idle long enough yet.
	claimed, err := c.Claim(ctx, "s", "g", "c2", time.Hour, []string{id})
	require.NoError(t, err)
	assert.Empty(t, claimed)

	claimed, err = c.Claim(ctx, "s", "g", "c2", 0, []string{id})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, id, claimed[0].ID)
}

func TestZSetOperations(t *testing.T) {
	ctx := context.Background()
	c := New()

	require.NoError(t, c.ZAdd(ctx, "z", 100, "a"))
	require.NoError(t, c.ZAdd(ctx, "z", 50, "b"))
	require.NoError(t, c.ZAdd(ctx, "z", 200, "c"))

	members, err := c.ZRangeByScore(ctx, "z", 150, 10)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "b", members[0].Member)
	assert.Equal(t, "a", members[1].Member)

	removed, err := c.ZRem(ctx, "z", "b", "a")
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)

	popped, err := c.ZPopMin(ctx, "z", 10)
	require.NoError(t, err)
	require.Len(t, popped, 1)
	assert.Equal(t, "c", popped[0].Member)
}

func TestKVSetNXAndTTL(t *testing.T) {
	ctx := context.Background()
	c := New()

	ok, err := c.SetNX(ctx, "k", "v1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetNX(ctx, "k", "v2", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", got)

	require.NoError(t, c.Delete(ctx, "k"))
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, streamclient.ErrNotFound)
}
