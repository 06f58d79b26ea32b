// Package retrydaemon implements the periodic drain of a retry sorted
// set back onto a stream once a member's due time has passed.
package retrydaemon

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/AkikoAkaki/streamq/internal/streamclient"
)

// Config configures a Daemon.
type Config struct {
	RetryZset    string
	TargetStream string
	TickMs       int64
	MaxBatch     int64
	JitterPct    float64
}

func (c Config) withDefaults() Config {
	if c.TickMs <= 0 {
		c.TickMs = 250
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 256
	}
	if c.JitterPct <= 0 {
		c.JitterPct = 0.2
	}
	return c
}

// retryMember mirrors the sorted-set member shape produced by the
// consumer's retry terminal.
type retryMember struct {
	Stream string            `json:"stream"`
	Fields map[string]string `json:"fields"`
}

// Daemon drains due members of one retry sorted set onto their target
// streams. Forward-then-remove ordering means a crash mid-tick can
// produce a duplicate delivery, never a lost one, preserving
// at-least-once delivery.
type Daemon struct {
	client streamclient.Client
	cfg    Config
	log    logrus.FieldLogger

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Daemon. log may be nil.
func New(client streamclient.Client, cfg Config, log logrus.FieldLogger) *Daemon {
	if log == nil {
		log = logrus.New()
	}
	return &Daemon{
		client: client,
		cfg:    cfg.withDefaults(),
		log:    log.WithField("retryZset", cfg.RetryZset),
	}
}

// Start spawns the drain loop. A client without ZSetClient support disables
// the daemon entirely (logged once, not treated as an error, since retry
// scheduling is an optional capability).
func (d *Daemon) Start(ctx context.Context) {
	if !d.running.CompareAndSwap(false, true) {
		return
	}
	if _, ok := d.client.(streamclient.ZSetClient); !ok {
		d.log.Warn("retrydaemon: client has no zset capability; retry draining disabled")
		d.running.Store(false)
		return
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go d.loop(loopCtx)
}

func (d *Daemon) loop(ctx context.Context) {
	defer d.wg.Done()

	tick := time.Duration(d.cfg.TickMs) * time.Millisecond
	timer := time.NewTimer(d.jitter(tick))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if !d.running.Load() {
			return
		}

		if err := d.drainTick(ctx); err != nil {
			d.log.WithError(err).Warn("retrydaemon: drain tick failed")
		}

		timer.Reset(d.jitter(tick))
	}
}

func (d *Daemon) jitter(base time.Duration) time.Duration {
	factor := 1 - d.cfg.JitterPct + rand.Float64()*2*d.cfg.JitterPct
	return time.Duration(float64(base) * factor)
}

// targetFor resolves the stream a member forwards to: the member's own
// stream field, falling back to the daemon's configured target stream
// when that field is empty.
func (d *Daemon) targetFor(rm retryMember) string {
	if rm.Stream != "" {
		return rm.Stream
	}
	return d.cfg.TargetStream
}

// drainTick fetches members due at or before now, forwards each to its
// target stream, then removes it from the scheduler. Parse errors drop
// the offending member rather than blocking the batch.
func (d *Daemon) drainTick(ctx context.Context) error {
	zc := d.client.(streamclient.ZSetClient)

	now := float64(time.Now().UnixMilli())
	due, err := zc.ZRangeByScore(ctx, d.cfg.RetryZset, now, d.cfg.MaxBatch)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	forwarded := 0
	for _, m := range due {
		var rm retryMember
		if err := json.Unmarshal([]byte(m.Member), &rm); err != nil {
			d.log.WithError(err).Error("retrydaemon: dropping malformed retry member")
			if _, err := zc.ZRem(ctx, d.cfg.RetryZset, m.Member); err != nil {
				d.log.WithError(err).Error("retrydaemon: failed to remove malformed member")
			}
			continue
		}

		target := d.targetFor(rm)
		if target == "" {
			d.log.Error("retrydaemon: member has no stream and no target_stream configured; dropping")
			if _, err := zc.ZRem(ctx, d.cfg.RetryZset, m.Member); err != nil {
				d.log.WithError(err).Error("retrydaemon: failed to remove unroutable member")
			}
			continue
		}

		if _, err := d.client.Append(ctx, target, rm.Fields); err != nil {
			d.log.WithError(err).WithField("stream", target).Error("retrydaemon: forward failed; leaving member scheduled for retry")
			continue
		}
		if _, err := zc.ZRem(ctx, d.cfg.RetryZset, m.Member); err != nil {
			d.log.WithError(err).Error("retrydaemon: remove after forward failed; member may be forwarded again")
			continue
		}
		forwarded++
	}

	if forwarded > 0 {
		d.log.WithField("count", forwarded).Debug("retrydaemon: forwarded due retries")
	}
	return nil
}

// Stop cancels the loop and awaits its termination.
func (d *Daemon) Stop() {
	if !d.running.CompareAndSwap(true, false) {
		return
	}
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
}
