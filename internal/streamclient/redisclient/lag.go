package redisclient

import (
	"context"
	"fmt"
)

// GroupLag describes the backlog for one consumer group. It is an
// operator-facing read, not part of the streamclient.Client capability
// surface the core depends on.
type GroupLag struct {
	Stream          string
	Group           string
	StreamLength    int64
	PendingMessages int64
}

// Lag reports the current backlog for group on stream.
func (c *Client) Lag(ctx context.Context, stream, group string) (GroupLag, error) {
	length, err := c.Len(ctx, stream)
	if err != nil {
		return GroupLag{}, err
	}

	pending, err := c.rdb.XPending(ctx, stream, group).Result()
	if err != nil {
		return GroupLag{}, fmt.Errorf("redisclient: xpending %s/%s: %w", stream, group, err)
	}

	return GroupLag{
		Stream:          stream,
		Group:           group,
		StreamLength:    length,
		PendingMessages: pending.Count,
	}, nil
}
