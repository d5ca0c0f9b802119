package orchestrator

import (
	"context"
	"log/slog"
	"time"
)

// sweepLoop 定期删除超过保留期的终态任务。
func (o *Orchestrator) sweepLoop() {
	defer o.sweeper.Done()
	ticker := time.NewTicker(o.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.runCtx.Done():
			return
		case <-o.stopping:
			return
		case <-ticker.C:
			o.Sweep(o.runCtx)
		}
	}
}

// Sweep 立即执行一次过期任务清理，返回删除数量。
func (o *Orchestrator) Sweep(ctx context.Context) int {
	if o.opts.Retention <= 0 {
		return 0
	}
	before := o.opts.Now().Add(-o.opts.Retention)
	removed, err := o.store.PurgeTerminal(ctx, before)
	if err != nil {
		o.log.Error("清理过期任务失败", slog.Any("error", err))
		return 0
	}
	if removed > 0 {
		o.log.Info("已清理过期任务", slog.Int("removed", removed), slog.Time("before", before))
	}
	return removed
}
