// Package fakeclient implements an in-memory streamclient.Client used by
// the core's own tests. It exists so internal/producer, internal/consumer,
// and internal/retrydaemon are testable without a running Redis/Valkey
// server.
package fakeclient

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AkikoAkaki/streamq/internal/streamclient"
)

type pendingEntry struct {
	consumer    string
	deliveredAt time.Time
}

type group struct {
	cursor  int // index into stream.entries of the next undelivered entry
	pending map[string]*pendingEntry
}

type stream struct {
	entries []streamclient.Message
	groups  map[string]*group
}

type kvEntry struct {
	value   string
	expires time.Time // zero means no expiry
}

// Client is a goroutine-safe in-memory fake of streamclient.Client plus all
// of the optional capability interfaces.
type Client struct {
	mu      sync.Mutex
	streams map[string]*stream
	zsets   map[string]map[string]float64
	kv      map[string]kvEntry
	seq     int64
}

var (
	_ streamclient.Client         = (*Client)(nil)
	_ streamclient.PendingClaimer = (*Client)(nil)
	_ streamclient.ZSetClient     = (*Client)(nil)
	_ streamclient.ScriptRunner   = (*Client)(nil)
	_ streamclient.KVClient       = (*Client)(nil)
)

// New returns an empty fake client.
func New() *Client {
	return &Client{
		streams: make(map[string]*stream),
		zsets:   make(map[string]map[string]float64),
		kv:      make(map[string]kvEntry),
	}
}

func (c *Client) nextID() string {
	c.seq++
	return fmt.Sprintf("%d-0", c.seq)
}

func (c *Client) streamFor(name string) *stream {
	s, ok := c.streams[name]
	if !ok {
		s = &stream{groups: make(map[string]*group)}
		c.streams[name] = s
	}
	return s
}

// Append implements streamclient.Client.
func (c *Client) Append(ctx context.Context, streamName string, fields map[string]string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID()
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	s := c.streamFor(streamName)
	s.entries = append(s.entries, streamclient.Message{ID: id, Fields: cp})
	return id, nil
}

// EnsureGroup implements streamclient.Client. Idempotent: creating an
// existing group is a no-op, never an error.
func (c *Client) EnsureGroup(ctx context.Context, streamName, groupName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.streamFor(streamName)
	if _, ok := s.groups[groupName]; ok {
		return nil
	}
	s.groups[groupName] = &group{
		cursor:  len(s.entries), // "$": only entries produced after this point
		pending: make(map[string]*pendingEntry),
	}
	return nil
}

// Groups implements streamclient.Client.
func (c *Client) Groups(ctx context.Context, streamName string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.streams[streamName]
	if !ok {
		return nil, nil
	}
	names := make([]string, 0, len(s.groups))
	for name := range s.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Len implements streamclient.Client.
func (c *Client) Len(ctx context.Context, streamName string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.streams[streamName]
	if !ok {
		return 0, nil
	}
	return int64(len(s.entries)), nil
}

// ReadGroup implements streamclient.Client. Only the ">" (new entries)
// cursor is supported; the fake has no use for self-replay since the core
// recovers abandoned entries exclusively through Claim.
func (c *Client) ReadGroup(ctx context.Context, args streamclient.ReadGroupArgs) ([]streamclient.Message, error) {
	deadline := time.Now().Add(args.Block)
	for {
		c.mu.Lock()
		s, ok := c.streams[args.Stream]
		if !ok {
			c.mu.Unlock()
			return nil, fmt.Errorf("fakeclient: no such stream %q", args.Stream)
		}
		g, ok := s.groups[args.Group]
		if !ok {
			c.mu.Unlock()
			return nil, fmt.Errorf("fakeclient: no such group %q on stream %q", args.Group, args.Stream)
		}

		if args.ID == ">" && g.cursor < len(s.entries) {
			count := args.Count
			if count <= 0 || count > int64(len(s.entries)-g.cursor) {
				count = int64(len(s.entries) - g.cursor)
			}
			out := make([]streamclient.Message, 0, count)
			now := time.Now()
			for i := int64(0); i < count; i++ {
				msg := s.entries[g.cursor]
				g.cursor++
				g.pending[msg.ID] = &pendingEntry{consumer: args.Consumer, deliveredAt: now}
				out = append(out, msg)
			}
			c.mu.Unlock()
			return out, nil
		}
		c.mu.Unlock()

		if args.Block <= 0 || time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Ack implements streamclient.Client.
func (c *Client) Ack(ctx context.Context, streamName, groupName string, ids ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.streams[streamName]
	if !ok {
		return nil
	}
	g, ok := s.groups[groupName]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

// Pending implements streamclient.PendingClaimer.
func (c *Client) Pending(ctx context.Context, streamName, groupName string, minIdle time.Duration, count int64) ([]streamclient.PendingEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.streams[streamName]
	if !ok {
		return nil, nil
	}
	g, ok := s.groups[groupName]
	if !ok {
		return nil, nil
	}

	now := time.Now()
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []streamclient.PendingEntry
	for _, id := range ids {
		if int64(len(out)) >= count && count > 0 {
			break
		}
		idle := now.Sub(g.pending[id].deliveredAt)
		if idle >= minIdle {
			out = append(out, streamclient.PendingEntry{ID: id, Idle: idle})
		}
	}
	return out, nil
}

// Claim implements streamclient.PendingClaimer.
func (c *Client) Claim(ctx context.Context, streamName, groupName, consumer string, minIdle time.Duration, ids []string) ([]streamclient.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.streams[streamName]
	if !ok {
		return nil, nil
	}
	g, ok := s.groups[groupName]
	if !ok {
		return nil, nil
	}

	byID := make(map[string]streamclient.Message, len(s.entries))
	for _, e := range s.entries {
		byID[e.ID] = e
	}

	now := time.Now()
	var out []streamclient.Message
	for _, id := range ids {
		pe, ok := g.pending[id]
		if !ok {
			continue
		}
		if now.Sub(pe.deliveredAt) < minIdle {
			continue
		}
		pe.consumer = consumer
		pe.deliveredAt = now
		if msg, ok := byID[id]; ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

// ZAdd implements streamclient.ZSetClient.
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	z, ok := c.zsets[key]
	if !ok {
		z = make(map[string]float64)
		c.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (c *Client) sortedMembers(key string) []streamclient.ZMember {
	z := c.zsets[key]
	out := make([]streamclient.ZMember, 0, len(z))
	for m, score := range z {
		out = append(out, streamclient.ZMember{Member: m, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out
}

// ZPopMin implements streamclient.ZSetClient.
func (c *Client) ZPopMin(ctx context.Context, key string, count int64) ([]streamclient.ZMember, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	members := c.sortedMembers(key)
	if int64(len(members)) > count {
		members = members[:count]
	}
	z := c.zsets[key]
	for _, m := range members {
		delete(z, m.Member)
	}
	return members, nil
}

// ZRangeByScore implements streamclient.ZSetClient.
func (c *Client) ZRangeByScore(ctx context.Context, key string, max float64, limit int64) ([]streamclient.ZMember, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []streamclient.ZMember
	for _, m := range c.sortedMembers(key) {
		if m.Score > max {
			break
		}
		out = append(out, m)
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

// ZRem implements streamclient.ZSetClient.
func (c *Client) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	z, ok := c.zsets[key]
	if !ok {
		return 0, nil
	}
	var removed int64
	for _, m := range members {
		if _, ok := z[m]; ok {
			delete(z, m)
			removed++
		}
	}
	return removed, nil
}

// Get implements streamclient.KVClient.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.kv[key]
	if !ok || c.expired(e) {
		return "", streamclient.ErrNotFound
	}
	return e.value, nil
}

func (c *Client) expired(e kvEntry) bool {
	return !e.expires.IsZero() && time.Now().After(e.expires)
}

func expiryFor(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

// Set implements streamclient.KVClient.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.kv[key] = kvEntry{value: value, expires: expiryFor(ttl)}
	return nil
}

// SetNX implements streamclient.KVClient.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.kv[key]; ok && !c.expired(e) {
		return false, nil
	}
	c.kv[key] = kvEntry{value: value, expires: expiryFor(ttl)}
	return true, nil
}

// Delete implements streamclient.KVClient.
func (c *Client) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.kv, key)
	return nil
}

// RunScript implements streamclient.ScriptRunner. It recognizes
// ScriptProducerSend and otherwise returns an error, since the fake
// interprets scripts by name rather than executing Lua source.
func (c *Client) RunScript(ctx context.Context, script streamclient.Script, keys []string, args ...interface{}) (interface{}, error) {
	switch script.Name {
	case streamclient.ScriptProducerSend:
		return c.runProducerSend(keys, args)
	default:
		return nil, fmt.Errorf("fakeclient: unknown script %q", script.Name)
	}
}

// runProducerSend mirrors the atomic reserve-and-append Lua script: reserve
// the idempotency key, append on success, return the stored value on
// failure.
func (c *Client) runProducerSend(keys []string, args []interface{}) (interface{}, error) {
	if len(keys) != 2 || len(args) != 3 {
		return nil, fmt.Errorf("fakeclient: producer send script expects 2 keys and 3 args")
	}
	idemKey := keys[0]
	streamName := keys[1]
	ttlSeconds, ok := args[0].(int64)
	if !ok {
		return nil, fmt.Errorf("fakeclient: ttlSeconds must be int64")
	}
	headersField, _ := args[1].(string)
	payloadField, _ := args[2].(string)

	c.mu.Lock()
	defer c.mu.Unlock()

	ttl := time.Duration(ttlSeconds) * time.Second
	if e, ok := c.kv[idemKey]; ok && !c.expired(e) {
		return e.value, nil
	}
	c.kv[idemKey] = kvEntry{value: "PENDING", expires: expiryFor(ttl)}

	id := c.nextID()
	s := c.streamFor(streamName)
	s.entries = append(s.entries, streamclient.Message{ID: id, Fields: map[string]string{
		"headers": headersField,
		"payload": payloadField,
	}})

	// Overwrite with the resulting id, preserving TTL.
	c.kv[idemKey] = kvEntry{value: id, expires: expiryFor(ttl)}
	return id, nil
}
