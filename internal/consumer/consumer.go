// Package consumer implements the consumer-group read loop, handler
// dispatch, terminal application (ack/retry/DLQ), and — co-located, see
// claim.go — the pending-claim recovery loop.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/AkikoAkaki/streamq/internal/envelope"
	"github.com/AkikoAkaki/streamq/internal/retrypolicy"
	"github.com/AkikoAkaki/streamq/internal/streamclient"
)

// SchedulingMode selects how a retry terminal is re-enqueued.
type SchedulingMode string

const (
	// SchedulingZSet schedules the retry via the sorted-set scheduler; a
	// retry daemon drains it back into the stream at its due time.
	SchedulingZSet SchedulingMode = "zset"
	// SchedulingNone appends the retry directly back onto the stream,
	// with no delay.
	SchedulingNone SchedulingMode = "none"
)

// dlqSuffix names the dead-letter stream relative to its source stream.
const dlqSuffix = ":dlq"

// Handler processes one decoded envelope. A nil return is a successful
// terminal (ack); a non-nil error is routed through the retry policy.
type Handler func(ctx context.Context, payload []byte, meta Meta) error

// Meta carries the per-message identity passed to Handler.
type Meta struct {
	ID      string
	Headers envelope.Headers
}

// BatchConfig controls the read loop's XREADGROUP call.
type BatchConfig struct {
	Count   int64
	BlockMs int64
}

// PelClaimConfig controls the co-located claim loop.
type PelClaimConfig struct {
	Enabled     bool
	MinIdleMs   int64
	MaxPerTick  int64
	IntervalMs  int64
}

// IdempotencyConfig enables handler-level idempotency. PendingTTLSec == 0
// disables the feature.
type IdempotencyConfig struct {
	PendingTTLSec int64
	DoneTTLSec    int64
}

// Config configures a Worker.
type Config struct {
	Stream       string
	Group        string
	Consumer     string
	Scheduling   SchedulingMode
	RetryZset    string
	Batch        BatchConfig
	PelClaim     PelClaimConfig
	Idempotency  IdempotencyConfig
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

func consumedKey(stream, key string) string {
	return fmt.Sprintf("consumed:%s:%s", stream, key)
}

// state is the worker's lifecycle state.
type state int32

const (
	stateStopped state = iota
	stateStarting
	stateRunning
	stateStopping
)

// Worker is the consumer-group read loop plus optional claim loop.
type Worker struct {
	client  streamclient.Client
	codec   envelope.Codec
	cfg     Config
	handler Handler
	policy  *retrypolicy.Policy
	log     logrus.FieldLogger

	state    atomic.Int32
	inFlight atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// New builds a Worker. If cfg.Consumer is empty, a random uuid is used as
// the consumer identity.
func New(client streamclient.Client, codec envelope.Codec, cfg Config, policy *retrypolicy.Policy, handler Handler, log logrus.FieldLogger) *Worker {
	if cfg.Consumer == "" {
		cfg.Consumer = uuid.NewString()
	}
	if cfg.Batch.Count <= 0 {
		cfg.Batch.Count = 16
	}
	if cfg.Batch.BlockMs <= 0 {
		cfg.Batch.BlockMs = 2000
	}
	if cfg.Scheduling == "" {
		cfg.Scheduling = SchedulingZSet
	}
	if cfg.PelClaim.MaxPerTick <= 0 {
		cfg.PelClaim.MaxPerTick = 128
	}
	if cfg.PelClaim.IntervalMs <= 0 {
		cfg.PelClaim.IntervalMs = 1000
	}
	if log == nil {
		log = logrus.New()
	}
	w := &Worker{
		client:  client,
		codec:   codec,
		cfg:     cfg,
		handler: handler,
		policy:  policy,
		log:     log.WithFields(logrus.Fields{"stream": cfg.Stream, "group": cfg.Group, "consumer": cfg.Consumer}),
		now:     time.Now,
	}
	return w
}

// Consumer returns the consumer name this worker registers under.
func (w *Worker) Consumer() string { return w.cfg.Consumer }

// InFlight returns the current in-flight message count.
func (w *Worker) InFlight() int64 { return w.inFlight.Load() }

// Start ensures the consumer group exists, then spawns the read loop and,
// if enabled and supported by the client, the claim loop. Repeated Start
// calls while running are a no-op.
func (w *Worker) Start(ctx context.Context) error {
	if !w.state.CompareAndSwap(int32(stateStopped), int32(stateStarting)) {
		return nil // already starting/running
	}

	if err := w.client.EnsureGroup(ctx, w.cfg.Stream, w.cfg.Group); err != nil {
		w.state.Store(int32(stateStopped))
		return fmt.Errorf("consumer: ensure group %s/%s: %w", w.cfg.Stream, w.cfg.Group, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	w.state.Store(int32(stateRunning))

	w.wg.Add(1)
	go w.readLoop(loopCtx)

	if w.cfg.PelClaim.Enabled {
		if _, ok := w.client.(streamclient.PendingClaimer); ok {
			w.wg.Add(1)
			go w.claimLoop(loopCtx)
		} else {
			w.log.Warn("consumer: pel claim enabled but client has no pending/claim capability; disabling claim loop")
		}
	}

	return nil
}

func (w *Worker) isRunning() bool {
	return state(w.state.Load()) == stateRunning
}

// readLoop is the fetch/decode/dispatch/terminal loop.
func (w *Worker) readLoop(ctx context.Context) {
	defer w.wg.Done()

	backoff := 250 * time.Millisecond
	for w.isRunning() {
		msgs, err := w.client.ReadGroup(ctx, streamclient.ReadGroupArgs{
			Stream:   w.cfg.Stream,
			Group:    w.cfg.Group,
			Consumer: w.cfg.Consumer,
			Count:    w.cfg.Batch.Count,
			Block:    time.Duration(w.cfg.Batch.BlockMs) * time.Millisecond,
			ID:       ">",
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.WithError(err).Warn("consumer: read error, backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}

		for _, m := range msgs {
			if !w.isRunning() {
				return
			}
			w.inFlight.Add(1)
			w.processMessage(ctx, m)
			w.inFlight.Add(-1)
		}
	}
}

// processMessage decodes one delivered entry, applies handler-level
// idempotency if configured, invokes the handler, and applies the
// resulting terminal.
func (w *Worker) processMessage(ctx context.Context, msg streamclient.Message) {
	env, err := w.codec.Decode(msg.Fields)
	if err != nil {
		w.log.WithError(err).WithField("id", msg.ID).Error("consumer: decode failed, acknowledging lost entry")
		w.ack(ctx, msg.ID)
		return
	}

	reservedByUs := false
	if w.cfg.Idempotency.PendingTTLSec > 0 && env.Headers.Key != "" {
		owned, shortCircuited := w.reserveHandlerIdempotency(ctx, msg.ID, env)
		if shortCircuited {
			return
		}
		reservedByUs = owned
	}

	terminal := w.invokeHandler(ctx, msg.ID, env)
	w.applyTerminal(ctx, msg.ID, env, terminal, reservedByUs)
}

// reserveHandlerIdempotency attempts to claim the handler-level
// idempotency reservation for this message's key. The second return value
// is true when the caller should stop processing this message entirely
// (already-done or owned-elsewhere cases).
func (w *Worker) reserveHandlerIdempotency(ctx context.Context, id string, env envelope.Envelope) (reserved bool, shortCircuit bool) {
	kv, ok := w.client.(streamclient.KVClient)
	if !ok {
		return false, false
	}

	key := consumedKey(w.cfg.Stream, env.Headers.Key)
	pendingTTL := time.Duration(w.cfg.Idempotency.PendingTTLSec) * time.Second
	ok, err := kv.SetNX(ctx, key, "PENDING:"+w.cfg.Consumer, pendingTTL)
	if err != nil {
		w.log.WithError(err).Error("consumer: idempotency reservation failed")
		return false, false
	}
	if ok {
		return true, false
	}

	current, err := kv.Get(ctx, key)
	if err != nil {
		w.log.WithError(err).Warn("consumer: idempotency key vanished before read; proceeding without reservation")
		return false, false
	}
	if current == "DONE" {
		w.ack(ctx, id)
		return false, true
	}

	// Another consumer holds the reservation: ack this delivery and
	// reschedule a copy with a short delay so the rightful owner (or a
	// future attempt) completes it.
	w.rescheduleShortDelay(ctx, id, env)
	w.ack(ctx, id)
	return false, true
}

const shortRescheduleDelayMs = 500

func (w *Worker) rescheduleShortDelay(ctx context.Context, id string, env envelope.Envelope) {
	fields, err := w.codec.Encode(env)
	if err != nil {
		w.log.WithError(err).Error("consumer: encode for short reschedule failed")
		return
	}
	w.scheduleRetry(ctx, fields, shortRescheduleDelayMs)
}

// invokeHandler calls the handler and resolves the result through the
// retry policy. A handler panic is recovered rather than crashing the
// worker and is turned into an error, so it goes through the retry policy
// like any other handler error.
func (w *Worker) invokeHandler(ctx context.Context, id string, env envelope.Envelope) (terminal retrypolicy.Terminal) {
	var handlerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				handlerErr = fmt.Errorf("consumer: handler panic: %v", r)
			}
		}()
		handlerErr = w.handler(ctx, env.Payload, Meta{ID: id, Headers: env.Headers})
	}()

	return w.policy.Next(env.Headers, handlerErr)
}

// applyTerminal routes a handler outcome to its terminal: ack, retry, or
// dead-letter.
func (w *Worker) applyTerminal(ctx context.Context, id string, env envelope.Envelope, terminal retrypolicy.Terminal, reservedByUs bool) {
	switch terminal.Kind {
	case retrypolicy.Ack:
		w.ack(ctx, id)
		if reservedByUs {
			w.markIdempotencyDone(ctx, env.Headers)
		}
		w.log.WithField("id", id).Debug("consumer: ack")

	case retrypolicy.Retry:
		if reservedByUs {
			w.clearIdempotencyReservation(ctx, env.Headers)
		}
		next := envelope.Headers{
			Type:       env.Headers.Type,
			Attempt:    env.Headers.Attempt + 1,
			EnqueuedAt: w.now().UnixMilli(),
			Key:        env.Headers.Key,
			TraceID:    env.Headers.TraceID,
		}
		fields, err := w.codec.Encode(envelope.Envelope{Headers: next, Payload: env.Payload})
		if err != nil {
			w.log.WithError(err).Error("consumer: encode retry envelope failed; acknowledging original")
			w.ack(ctx, id)
			return
		}
		w.scheduleRetry(ctx, fields, terminal.DelayMs)
		w.ack(ctx, id)
		w.log.WithFields(logrus.Fields{"id": id, "attempt": next.Attempt, "delayMs": terminal.DelayMs}).Info("consumer: retry")

	case retrypolicy.DLQ:
		if reservedByUs {
			w.clearIdempotencyReservation(ctx, env.Headers)
		}
		w.appendDLQ(ctx, id, env, terminal.Reason)
		w.ack(ctx, id)
		w.log.WithFields(logrus.Fields{"id": id, "reason": terminal.Reason}).Warn("consumer: dlq")

	default:
		w.log.WithField("id", id).Error("consumer: unexpected terminal kind; acknowledging defensively")
		w.ack(ctx, id)
	}
}

func (w *Worker) ack(ctx context.Context, id string) {
	if err := w.client.Ack(ctx, w.cfg.Stream, w.cfg.Group, id); err != nil {
		w.log.WithError(err).WithField("id", id).Error("consumer: ack failed")
	}
}

func (w *Worker) markIdempotencyDone(ctx context.Context, headers envelope.Headers) {
	kv, ok := w.client.(streamclient.KVClient)
	if !ok || headers.Key == "" {
		return
	}
	doneTTL := time.Duration(w.cfg.Idempotency.DoneTTLSec) * time.Second
	if err := kv.Set(ctx, consumedKey(w.cfg.Stream, headers.Key), "DONE", doneTTL); err != nil {
		w.log.WithError(err).Error("consumer: mark idempotency done failed")
	}
}

func (w *Worker) clearIdempotencyReservation(ctx context.Context, headers envelope.Headers) {
	kv, ok := w.client.(streamclient.KVClient)
	if !ok || headers.Key == "" {
		return
	}
	if err := kv.Delete(ctx, consumedKey(w.cfg.Stream, headers.Key)); err != nil {
		w.log.WithError(err).Error("consumer: clear idempotency reservation failed")
	}
}

// retryMember is the serialized sorted-set member written to the retry
// scheduler.
type retryMember struct {
	Stream string            `json:"stream"`
	Fields map[string]string `json:"fields"`
}

// scheduleRetry re-enqueues fields after delayMs: via the sorted-set
// scheduler when configured and supported, otherwise a direct re-append.
func (w *Worker) scheduleRetry(ctx context.Context, fields map[string]string, delayMs int64) {
	if w.cfg.Scheduling == SchedulingZSet {
		if zc, ok := w.client.(streamclient.ZSetClient); ok {
			member, err := json.Marshal(retryMember{Stream: w.cfg.Stream, Fields: fields})
			if err != nil {
				w.log.WithError(err).Error("consumer: marshal retry member failed; appending directly")
			} else {
				score := float64(w.now().UnixMilli() + delayMs)
				if err := zc.ZAdd(ctx, w.cfg.retryZsetKey(), score, string(member)); err != nil {
					w.log.WithError(err).Error("consumer: zadd retry member failed; appending directly")
				} else {
					return
				}
			}
		} else {
			w.log.Warn("consumer: zset scheduling configured but client has no zset capability; appending directly")
		}
	}

	if _, err := w.client.Append(ctx, w.cfg.Stream, fields); err != nil {
		w.log.WithError(err).Error("consumer: direct retry append failed")
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

func (w *Worker) appendDLQ(ctx context.Context, id string, env envelope.Envelope, reason string) {
	headersJSON, err := json.Marshal(env.Headers)
	if err != nil {
		w.log.WithError(err).Error("consumer: marshal dlq headers failed")
		return
	}
	errJSON, err := json.Marshal(dlqError{Reason: reason})
	if err != nil {
		w.log.WithError(err).Error("consumer: marshal dlq error failed")
		return
	}
	handledJSON, err := json.Marshal(handledBy{Group: w.cfg.Group, Consumer: w.cfg.Consumer})
	if err != nil {
		w.log.WithError(err).Error("consumer: marshal dlq handledBy failed")
		return
	}

	fields := map[string]string{
		"headers":   string(headersJSON),
		"payload":   string(env.Payload),
		"error":     string(errJSON),
		"handledBy": string(handledJSON),
	}
	if _, err := w.client.Append(ctx, w.cfg.dlqStream(), fields); err != nil {
		w.log.WithError(err).WithField("id", id).Error("consumer: dlq append failed")
	}
}

// Stop shuts the worker down. drain=false returns immediately after
// flipping the running flag; drain=true polls until in-flight reaches
// zero or timeoutMs passes, then awaits loop termination.
func (w *Worker) Stop(drain bool, timeoutMs int64) {
	if !w.state.CompareAndSwap(int32(stateRunning), int32(stateStopping)) {
		if state(w.state.Load()) == stateStopped {
			return // already stopped: idempotent no-op
		}
	}

	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if !drain {
		w.state.Store(int32(stateStopped))
		go func() { w.wg.Wait() }()
		return
	}

	if timeoutMs <= 0 {
		timeoutMs = 10_000
	}
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for w.inFlight.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(25 * time.Millisecond)
	}

	done := make(chan struct{})
	go func() { w.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Until(deadline)):
	}

	w.state.Store(int32(stateStopped))
}
