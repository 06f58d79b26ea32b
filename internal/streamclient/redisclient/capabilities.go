package redisclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AkikoAkaki/streamq/internal/streamclient"
)

// Pending implements streamclient.PendingClaimer.
func (c *Client) Pending(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]streamclient.PendingEntry, error) {
	ext, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redisclient: xpending %s/%s: %w", stream, group, err)
	}
	out := make([]streamclient.PendingEntry, 0, len(ext))
	for _, e := range ext {
		out = append(out, streamclient.PendingEntry{ID: e.ID, Idle: e.Idle})
	}
	return out, nil
}

// Claim implements streamclient.PendingClaimer.
func (c *Client) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]streamclient.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := c.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redisclient: xclaim %s/%s: %w", stream, group, err)
	}
	out := make([]streamclient.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, fromXMessage(m))
	}
	return out, nil
}

// ZAdd implements streamclient.ZSetClient.
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("redisclient: zadd %s: %w", key, err)
	}
	return nil
}

// ZPopMin implements streamclient.ZSetClient.
func (c *Client) ZPopMin(ctx context.Context, key string, count int64) ([]streamclient.ZMember, error) {
	zs, err := c.rdb.ZPopMin(ctx, key, count).Result()
	if err != nil {
		return nil, fmt.Errorf("redisclient: zpopmin %s: %w", key, err)
	}
	return fromZSlice(zs), nil
}

// ZRangeByScore implements streamclient.ZSetClient.
func (c *Client) ZRangeByScore(ctx context.Context, key string, max float64, limit int64) ([]streamclient.ZMember, error) {
	zs, err := c.rdb.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(max, 'f', -1, 64),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redisclient: zrangebyscore %s: %w", key, err)
	}
	return fromZSlice(zs), nil
}

// ZRem implements streamclient.ZSetClient.
func (c *Client) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	n, err := c.rdb.ZRem(ctx, key, args...).Result()
	if err != nil {
		return 0, fmt.Errorf("redisclient: zrem %s: %w", key, err)
	}
	return n, nil
}

func fromZSlice(zs []redis.Z) []streamclient.ZMember {
	out := make([]streamclient.ZMember, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, streamclient.ZMember{Member: member, Score: z.Score})
	}
	return out
}

// RunScript implements streamclient.ScriptRunner.
func (c *Client) RunScript(ctx context.Context, script streamclient.Script, keys []string, args ...interface{}) (interface{}, error) {
	src := script.Src
	if script.Name == streamclient.ScriptProducerSend && src == "" {
		src = scriptProducerSendSrc
	}
	result, err := c.rdb.Eval(ctx, src, keys, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("redisclient: eval %s: %w", script.Name, err)
	}
	return result, nil
}

// Get implements streamclient.KVClient.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", streamclient.ErrNotFound
		}
		return "", fmt.Errorf("redisclient: get %s: %w", key, err)
	}
	return v, nil
}

// Set implements streamclient.KVClient.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redisclient: set %s: %w", key, err)
	}
	return nil
}

// SetNX implements streamclient.KVClient.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redisclient: setnx %s: %w", key, err)
	}
	return ok, nil
}

// Delete implements streamclient.KVClient.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redisclient: del %s: %w", key, err)
	}
	return nil
}
