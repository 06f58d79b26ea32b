// Package sweeper implements a standalone pending-claim recovery process:
// it watches one consumer group's pending entries list, reclaims stuck
// entries, and runs each reclaimed entry through its handler and the
// ack/retry/DLQ terminals, independent of any worker's own read loop. It
// has no read loop of its own.
//
// Running a Sweeper is an alternative to each consumer.Worker's own
// co-located claim loop, not a replacement for it: the in-worker loop
// remains the primary recovery mechanism, and a standalone sweeper is an
// operational choice for deployments that want pending-entry recovery
// decoupled from message throughput.
package sweeper

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/AkikoAkaki/streamq/internal/envelope"
	"github.com/AkikoAkaki/streamq/internal/retrypolicy"
	"github.com/AkikoAkaki/streamq/internal/streamclient"
)

const dlqSuffix = ":dlq"

// Handler processes one decoded envelope reclaimed from the pending list.
type Handler func(ctx context.Context, payload []byte, meta Meta) error

// Meta carries the per-message identity passed to Handler.
type Meta struct {
	ID      string
	Headers envelope.Headers
}

// Config configures a Sweeper.
type Config struct {
	Stream     string
	Group      string
	Consumer   string
	MinIdleMs  int64
	MaxPerTick int64
	IntervalMs int64
	RetryZset  string
}

func (c Config) withDefaults() Config {
	if c.Consumer == "" {
		c.Consumer = "sweeper-" + uuid.NewString()
	}
	if c.MaxPerTick <= 0 {
		c.MaxPerTick = 128
	}
	if c.IntervalMs <= 0 {
		c.IntervalMs = 1000
	}
	return c
}

func (c Config) retryZsetKey() string {
	if c.RetryZset != "" {
		return c.RetryZset
	}
	return c.Stream + ":retry"
}

func (c Config) dlqStream() string {
	return c.Stream + dlqSuffix
}

// retryMember mirrors the sorted-set member shape produced by the
// consumer's retry terminal.
type retryMember struct {
	Stream string            `json:"stream"`
	Fields map[string]string `json:"fields"`
}

// Sweeper periodically reclaims long-idle pending entries for one stream
// and group and runs them through handler.
type Sweeper struct {
	client  streamclient.Client
	codec   envelope.Codec
	cfg     Config
	handler Handler
	policy  *retrypolicy.Policy
	log     logrus.FieldLogger

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	now func() time.Time
}

// New builds a Sweeper. log may be nil.
func New(client streamclient.Client, codec envelope.Codec, cfg Config, policy *retrypolicy.Policy, handler Handler, log logrus.FieldLogger) *Sweeper {
	if log == nil {
		log = logrus.New()
	}
	cfg = cfg.withDefaults()
	return &Sweeper{
		client:  client,
		codec:   codec,
		cfg:     cfg,
		handler: handler,
		policy:  policy,
		log:     log.WithFields(logrus.Fields{"stream": cfg.Stream, "group": cfg.Group, "sweeper": cfg.Consumer}),
		now:     time.Now,
	}
}

// Start spawns the ticking reclaim loop. A client without pending/claim
// support makes Start a no-op (logged), since the feature is inherently
// optional.
func (s *Sweeper) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	claimer, ok := s.client.(streamclient.PendingClaimer)
	if !ok {
		s.log.Warn("sweeper: client has no pending/claim capability; sweeper disabled")
		s.running.Store(false)
		return
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(loopCtx, claimer)
}

func (s *Sweeper) loop(ctx context.Context, claimer streamclient.PendingClaimer) {
	defer s.wg.Done()

	interval := time.Duration(s.cfg.IntervalMs) * time.Millisecond
	minIdle := time.Duration(s.cfg.MinIdleMs) * time.Millisecond

	timer := time.NewTimer(jitter(interval))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if !s.running.Load() {
			return
		}

		s.tick(ctx, claimer, minIdle)

		timer.Reset(jitter(interval))
	}
}

func (s *Sweeper) tick(ctx context.Context, claimer streamclient.PendingClaimer, minIdle time.Duration) {
	entries, err := claimer.Pending(ctx, s.cfg.Stream, s.cfg.Group, minIdle, s.cfg.MaxPerTick)
	if err != nil {
		s.log.WithError(err).Warn("sweeper: pending query failed")
		return
	}
	if len(entries) == 0 {
		return
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}

	claimed, err := claimer.Claim(ctx, s.cfg.Stream, s.cfg.Group, s.cfg.Consumer, minIdle, ids)
	if err != nil {
		s.log.WithError(err).Warn("sweeper: claim failed")
		return
	}

	s.log.WithField("count", len(claimed)).Info("sweeper: reclaimed stuck entries")
	for _, m := range claimed {
		s.process(ctx, m)
	}
}

func (s *Sweeper) process(ctx context.Context, msg streamclient.Message) {
	env, err := s.codec.Decode(msg.Fields)
	if err != nil {
		s.log.WithError(err).WithField("id", msg.ID).Error("sweeper: decode failed, acknowledging lost entry")
		s.ack(ctx, msg.ID)
		return
	}

	var handlerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				handlerErr = fmt.Errorf("sweeper: handler panic: %v", r)
			}
		}()
		handlerErr = s.handler(ctx, env.Payload, Meta{ID: msg.ID, Headers: env.Headers})
	}()

	terminal := s.policy.Next(env.Headers, handlerErr)
	switch terminal.Kind {
	case retrypolicy.Ack:
		s.ack(ctx, msg.ID)
	case retrypolicy.Retry:
		next := envelope.Headers{
			Type:       env.Headers.Type,
			Attempt:    env.Headers.Attempt + 1,
			EnqueuedAt: s.now().UnixMilli(),
			Key:        env.Headers.Key,
			TraceID:    env.Headers.TraceID,
		}
		fields, err := s.codec.Encode(envelope.Envelope{Headers: next, Payload: env.Payload})
		if err != nil {
			s.log.WithError(err).Error("sweeper: encode retry envelope failed; acknowledging original")
			s.ack(ctx, msg.ID)
			return
		}
		s.scheduleRetry(ctx, fields, terminal.DelayMs)
		s.ack(ctx, msg.ID)
	case retrypolicy.DLQ:
		s.appendDLQ(ctx, env, terminal.Reason)
		s.ack(ctx, msg.ID)
	}
}

func (s *Sweeper) ack(ctx context.Context, id string) {
	if err := s.client.Ack(ctx, s.cfg.Stream, s.cfg.Group, id); err != nil {
		s.log.WithError(err).WithField("id", id).Error("sweeper: ack failed")
	}
}

func (s *Sweeper) scheduleRetry(ctx context.Context, fields map[string]string, delayMs int64) {
	if zc, ok := s.client.(streamclient.ZSetClient); ok {
		member, err := json.Marshal(retryMember{Stream: s.cfg.Stream, Fields: fields})
		if err != nil {
			s.log.WithError(err).Error("sweeper: marshal retry member failed; appending directly")
		} else {
			score := float64(s.now().UnixMilli() + delayMs)
			if err := zc.ZAdd(ctx, s.cfg.retryZsetKey(), score, string(member)); err != nil {
				s.log.WithError(err).Error("sweeper: zadd retry member failed; appending directly")
			} else {
				return
			}
		}
	}
	if _, err := s.client.Append(ctx, s.cfg.Stream, fields); err != nil {
		s.log.WithError(err).Error("sweeper: direct retry append failed")
	}
}

// dlqError is the serialized error field of a DLQ entry.
type dlqError struct {
	Reason string `json:"reason"`
	Meta   string `json:"meta,omitempty"`
}

// handledBy is the serialized handledBy field of a DLQ entry.
type handledBy struct {
	Group    string `json:"group"`
	Consumer string `json:"consumer"`
}

func (s *Sweeper) appendDLQ(ctx context.Context, env envelope.Envelope, reason string) {
	headersJSON, err := json.Marshal(env.Headers)
	if err != nil {
		s.log.WithError(err).Error("sweeper: marshal dlq headers failed")
		return
	}
	errJSON, err := json.Marshal(dlqError{Reason: reason})
	if err != nil {
		s.log.WithError(err).Error("sweeper: marshal dlq error failed")
		return
	}
	handledJSON, err := json.Marshal(handledBy{Group: s.cfg.Group, Consumer: s.cfg.Consumer})
	if err != nil {
		s.log.WithError(err).Error("sweeper: marshal dlq handledBy failed")
		return
	}

	fields := map[string]string{
		"headers":   string(headersJSON),
		"payload":   string(env.Payload),
		"error":     string(errJSON),
		"handledBy": string(handledJSON),
	}
	if _, err := s.client.Append(ctx, s.cfg.dlqStream(), fields); err != nil {
		s.log.WithError(err).Error("sweeper: dlq append failed")
	}
}

// Stop cancels the loop and awaits its termination.
func (s *Sweeper) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	factor := 0.9 + rand.Float64()*0.2
	return time.Duration(float64(d) * factor)
}
