package consumer

import (
	"context"
	"math/rand"
	"time"

	"github.com/AkikoAkaki/streamq/internal/streamclient"
)

// claimLoop is the pending-entries recovery loop co-located with the
// worker. On each tick it asks for entries idle longer than MinIdleMs,
// claims up to MaxPerTick of them under this worker's own consumer name,
// and routes each through the normal processMessage path.
func (w *Worker) claimLoop(ctx context.Context) {
	defer w.wg.Done()

	claimer := w.client.(streamclient.PendingClaimer)
	interval := time.Duration(w.cfg.PelClaim.IntervalMs) * time.Millisecond
	minIdle := time.Duration(w.cfg.PelClaim.MinIdleMs) * time.Millisecond

	timer := time.NewTimer(jitter(interval))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if !w.isRunning() {
			return
		}

		w.claimTick(ctx, claimer, minIdle)

		timer.Reset(jitter(interval))
	}
}

func (w *Worker) claimTick(ctx context.Context, claimer streamclient.PendingClaimer, minIdle time.Duration) {
	entries, err := claimer.Pending(ctx, w.cfg.Stream, w.cfg.Group, minIdle, w.cfg.PelClaim.MaxPerTick)
	if err != nil {
		w.log.WithError(err).Warn("consumer: pending query failed")
		return
	}
	if len(entries) == 0 {
		return
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}

	claimed, err := claimer.Claim(ctx, w.cfg.Stream, w.cfg.Group, w.cfg.Consumer, minIdle, ids)
	if err != nil {
		w.log.WithError(err).Warn("consumer: claim failed")
		return
	}

	w.log.WithField("count", len(claimed)).Info("consumer: claimed pending entries for recovery")
	for _, m := range claimed {
		if !w.isRunning() {
			return
		}
		w.inFlight.Add(1)
		w.processMessage(ctx, m)
		w.inFlight.Add(-1)
	}
}

// jitter returns d scaled by a random factor in [0.9, 1.1] so many workers
// don't all poll the pending-entries list in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	factor := 0.9 + rand.Float64()*0.2
	return time.Duration(float64(d) * factor)
}
