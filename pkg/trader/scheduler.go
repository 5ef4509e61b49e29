package trader

import (
	"context"
	"time"
)

const (
	jobPosition   = "position"
	jobFills      = "fills"
	jobProtection = "protection"
	jobCleanup    = "cleanup"
	jobMarket     = "market"
)

// dueLocked reports whether a periodic job should run at now and, if so,
// records the run.
func (c *Controller) dueLocked(job string, interval time.Duration, now time.Time) bool {
	if interval <= 0 {
		return false
	}
	if last, ok := c.lastRun[job]; ok && now.Sub(last) < interval {
		return false
	}
	c.lastRun[job] = now
	return true
}

// Tick runs the periodic jobs that are due at now, then the analytics
// evaluation if its gate allows. Run calls it from a ticker; tests call it
// with a fake clock.
func (c *Controller) Tick(ctx context.Context, now time.Time) {
	c.mu.Lock()
	if !c.started || c.state == StateError {
		c.mu.Unlock()
		return
	}
	marketEvery := c.cfg.MarketRefreshInterval
	if c.state == StateSearchingMarket {
		marketEvery = c.cfg.SearchRetryInterval
	}
	runPosition := c.symbol != "" && c.dueLocked(jobPosition, c.cfg.PositionCheckInterval, now)
	runFills := (c.resting != nil || len(c.retired) > 0) && c.dueLocked(jobFills, c.cfg.FillPollInterval, now)
	runProtection := c.state == StatePositionActive && c.dueLocked(jobProtection, c.cfg.ProtectionCheckInterval, now)
	runCleanup := c.symbol != "" && c.dueLocked(jobCleanup, c.cfg.CleanupInterval, now)
	runMarket := c.dueLocked(jobMarket, marketEvery, now)
	c.mu.Unlock()

	if runPosition {
		c.checkPosition(ctx)
	}
	if runFills {
		c.pollFills(ctx)
	}
	if runProtection {
		c.checkProtection(ctx)
	}
	if runCleanup {
		c.cleanup(ctx)
	}
	if runMarket {
		c.refreshMarket(ctx)
	}
	if c.gate.AllowN(now, 1) {
		c.evaluate(ctx, now)
	}
	c.flush(ctx)
}
