package dispatch

import (
	"context"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// Maintenance cadence: stale-claim recovery every five minutes, conversation
// sweep every thirty, retention pruning hourly (off the top of the hour so it
// never contends with the sweep).
const (
	recoverSpec = "*/5 * * * *"
	sweepSpec   = "*/30 * * * *"
	pruneSpec   = "7 * * * *"
)

// startMaintenance schedules the periodic jobs and stops them on ctx cancel.
func (d *Dispatcher) startMaintenance(ctx context.Context) {
	c := cronlib.New()

	_, _ = c.AddFunc(recoverSpec, func() { d.recoverStale(ctx) })
	_, _ = c.AddFunc(sweepSpec, func() { d.sweepConversations(ctx) })
	_, _ = c.AddFunc(pruneSpec, func() { d.prune(ctx) })

	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
}

func (d *Dispatcher) recoverStale(ctx context.Context) {
	snap := d.provider.Snapshot()
	threshold := time.Duration(snap.Config.Queue.StaleMinutes) * time.Minute
	n, err := d.store.RecoverStaleMessages(ctx, threshold)
	if err != nil {
		d.logger.Error("stale recovery failed", "error", err)
		return
	}
	if n > 0 {
		d.logger.Warn("recovered stale claims", "count", n)
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
}

func (d *Dispatcher) sweepConversations(ctx context.Context) {
	if n := d.convos.SweepExpired(ctx); n > 0 {
		d.logger.Warn("force-completed expired conversations", "count", n)
	}
}

func (d *Dispatcher) prune(ctx context.Context) {
	snap := d.provider.Snapshot()
	age := time.Duration(snap.Config.Queue.PruneHours) * time.Hour

	if n, err := d.store.PruneCompletedMessages(ctx, age); err != nil {
		d.logger.Error("message pruning failed", "error", err)
	} else if n > 0 {
		d.logger.Info("pruned completed messages", "count", n)
	}

	if n, err := d.store.PruneAckedResponses(ctx, age); err != nil {
		d.logger.Error("response pruning failed", "error", err)
	} else if n > 0 {
		d.logger.Info("pruned acked responses", "count", n)
	}
}
