// Package streamclient defines the narrow capability surface the core
// (producer, consumer, retry daemon, claim/sweep loops) depends on. No
// concrete client type leaks into those packages: they hold a Client plus,
// where needed, type-asserted optional capability interfaces, so the core
// is testable against an in-memory fake (see fakeclient) without ever
// importing a real Redis driver.
package streamclient

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by KVClient.Get when the key does not exist.
var ErrNotFound = errors.New("streamclient: key not found")

// ScriptProducerSend names the atomic reserve-and-append script the
// producer invokes for idempotent sends. Both fakeclient and redisclient
// implement it under this name so the producer package is agnostic to
// which ScriptRunner backs it.
const ScriptProducerSend = "producer_send_idempotent"

// Message is a server-assigned stream entry: an id plus its flat field map.
// The codec owns interpretation of Fields; this package treats them opaquely.
type Message struct {
	ID     string
	Fields map[string]string
}

// ReadGroupArgs parameterizes a blocking consumer-group read.
type ReadGroupArgs struct {
	Stream   string
	Group    string
	Consumer string
	Count    int64
	Block    time.Duration
	// ID selects which entries to read: ">" for new entries (the normal
	// read-loop case), or a specific id (e.g. "0") to replay this
	// consumer's own pending list.
	ID string
}

// Client is the required capability surface every backend must implement.
type Client interface {
	// Append appends fields to stream, returning the server-assigned id.
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)

	// ReadGroup reads up to args.Count entries for args.Group/args.Consumer,
	// blocking up to args.Block when no entries are immediately available.
	ReadGroup(ctx context.Context, args ReadGroupArgs) ([]Message, error)

	// Ack acknowledges ids on stream for group.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// EnsureGroup creates group on stream starting at "$", creating the
	// stream if it does not exist. "group already exists" is success, not
	// an error.
	EnsureGroup(ctx context.Context, stream, group string) error

	// Groups lists the consumer groups currently registered on stream.
	Groups(ctx context.Context, stream string) ([]string, error)

	// Len returns the number of entries in stream.
	Len(ctx context.Context, stream string) (int64, error)
}

// PendingEntry describes one delivered-but-unacknowledged stream entry.
type PendingEntry struct {
	ID   string
	Idle time.Duration
}

// PendingClaimer is the optional pending/claim capability backing the
// claim loop and the standalone sweeper.
type PendingClaimer interface {
	// Pending lists entries idle at least minIdle, up to count, for group.
	Pending(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]PendingEntry, error)

	// Claim reassigns the given ids to consumer, provided they are still
	// idle at least minIdle, and returns the reclaimed entries.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]Message, error)
}

// ZMember is one scored member of a sorted set.
type ZMember struct {
	Member string
	Score  float64
}

// ZSetClient is the optional sorted-set capability backing the retry
// scheduler.
type ZSetClient interface {
	// ZAdd adds member to key with the given score.
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZPopMin atomically pops up to count of the smallest-scored members.
	ZPopMin(ctx context.Context, key string, count int64) ([]ZMember, error)

	// ZRangeByScore returns up to limit members with score in (-inf, max].
	ZRangeByScore(ctx context.Context, key string, max float64, limit int64) ([]ZMember, error)

	// ZRem removes the given members, returning how many were actually
	// present and removed (ownership signal for the range+remove strategy).
	ZRem(ctx context.Context, key string, members ...string) (int64, error)
}

// Script is a server-side script to be invoked atomically.
type Script struct {
	Name string
	Src  string
}

// ScriptRunner is the optional atomic-script capability backing producer
// idempotency.
type ScriptRunner interface {
	RunScript(ctx context.Context, script Script, keys []string, args ...interface{}) (interface{}, error)
}

// KVClient is the optional simple key/value capability backing idempotency
// reservations that do not require the full atomicity of ScriptRunner.
type KVClient interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}
