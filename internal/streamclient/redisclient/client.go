// Package redisclient adapts github.com/redis/go-redis/v9 to the
// streamclient capability interfaces.
package redisclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/AkikoAkaki/streamq/internal/streamclient"
)

// busyGroupPrefix is the error string Redis returns when a consumer group
// already exists; treated as success rather than an error.
const busyGroupPrefix = "BUSYGROUP"

// Client adapts a redis.UniversalClient (works for *redis.Client and
// *redis.ClusterClient alike) to streamclient.Client plus every optional
// capability interface.
type Client struct {
	rdb redis.UniversalClient
}

var (
	_ streamclient.Client         = (*Client)(nil)
	_ streamclient.PendingClaimer = (*Client)(nil)
	_ streamclient.ZSetClient     = (*Client)(nil)
	_ streamclient.ScriptRunner   = (*Client)(nil)
	_ streamclient.KVClient       = (*Client)(nil)
)

// New wraps an already-configured redis client.
func New(rdb redis.UniversalClient) *Client {
	return &Client{rdb: rdb}
}

// Ping verifies connectivity, used by cmd/consumer and cmd/retrydaemon at
// startup to fail fast instead of silently blocking on the first read.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func toFieldValues(fields map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func fromXMessage(msg redis.XMessage) streamclient.Message {
	fields := make(map[string]string, len(msg.Values))
	for k, v := range msg.Values {
		if s, ok := v.(string); ok {
			fields[k] = s
		} else {
			fields[k] = fmt.Sprintf("%v", v)
		}
	}
	return streamclient.Message{ID: msg.ID, Fields: fields}
}

// Append implements streamclient.Client.
func (c *Client) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: toFieldValues(fields),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("redisclient: xadd %s: %w", stream, err)
	}
	return id, nil
}

// EnsureGroup implements streamclient.Client.
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err == nil {
		return nil
	}
	if len(err.Error()) >= len(busyGroupPrefix) && err.Error()[:len(busyGroupPrefix)] == busyGroupPrefix {
		return nil
	}
	return fmt.Errorf("redisclient: ensure group %s/%s: %w", stream, group, err)
}

// Groups implements streamclient.Client.
func (c *Client) Groups(ctx context.Context, stream string) ([]string, error) {
	groups, err := c.rdb.XInfoGroups(ctx, stream).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redisclient: xinfo groups %s: %w", stream, err)
	}
	names := make([]string, 0, len(groups))
	for _, g := range groups {
		names = append(names, g.Name)
	}
	return names, nil
}

// Len implements streamclient.Client.
func (c *Client) Len(ctx context.Context, stream string) (int64, error) {
	n, err := c.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("redisclient: xlen %s: %w", stream, err)
	}
	return n, nil
}

// ReadGroup implements streamclient.Client.
func (c *Client) ReadGroup(ctx context.Context, args streamclient.ReadGroupArgs) ([]streamclient.Message, error) {
	id := args.ID
	if id == "" {
		id = ">"
	}
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    args.Group,
		Consumer: args.Consumer,
		Streams:  []string{args.Stream, id},
		Count:    args.Count,
		Block:    args.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redisclient: xreadgroup %s/%s: %w", args.Stream, args.Group, err)
	}

	var out []streamclient.Message
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, fromXMessage(m))
		}
	}
	return out, nil
}

// Ack implements streamclient.Client.
func (c *Client) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("redisclient: xack %s/%s: %w", stream, group, err)
	}
	return nil
}

