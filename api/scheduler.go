/*
scheduler.go - Automated period closing

PURPOSE:
  Periodically closes the period before the current one: every member is
  credited once, then the period's top-rank distribution. Closing is
  idempotent, so a tick that finds the period already closed only skips.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Checks immediately on start, then on every tick
  - Remembers the last period that closed without failures and does not
    retry it; a period with failed members is retried on the next tick
  - Each run gets its own timeout so a hung store cannot pile up ticks

USAGE:
  scheduler := NewClosingScheduler(engine, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: ClosePeriod endpoint (manual closing)
  - compensation/closing.go: ClosePeriod
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rsprolipsi/sigma-engine/compensation"
	"github.com/rsprolipsi/sigma-engine/generic"
)

// PeriodCloser is the part of the engine the scheduler drives.
type PeriodCloser interface {
	ClosePeriod(ctx context.Context, id generic.PeriodID) (*compensation.PeriodResult, error)
	Now() generic.TimePoint
}

// ClosingScheduler closes ended periods in the background.
type ClosingScheduler struct {
	Closer        PeriodCloser
	Logger        *slog.Logger
	CheckInterval time.Duration
	Timeout       time.Duration
	Enabled       bool

	ticker     *time.Ticker
	stop       chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	lastClosed generic.PeriodID
}

func NewClosingScheduler(closer PeriodCloser, logger *slog.Logger) *ClosingScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClosingScheduler{
		Closer:        closer,
		Logger:        logger,
		CheckInterval: time.Hour,
		Timeout:       10 * time.Minute,
		Enabled:       true,
	}
}

// Start begins the scheduler. Calling it twice has no effect.
func (cs *ClosingScheduler) Start() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.Enabled {
		cs.Logger.Info("closing scheduler disabled")
		return
	}
	if cs.ticker != nil {
		return
	}

	cs.ticker = time.NewTicker(cs.CheckInterval)
	cs.stop = make(chan struct{})
	cs.wg.Add(1)
	go cs.run(cs.ticker, cs.stop)

	cs.Logger.Info("closing scheduler started", "interval", cs.CheckInterval)
}

// Stop stops the scheduler and waits for an in-flight run.
func (cs *ClosingScheduler) Stop() {
	cs.mu.Lock()
	if cs.ticker == nil {
		cs.mu.Unlock()
		return
	}
	cs.ticker.Stop()
	close(cs.stop)
	cs.ticker = nil
	cs.mu.Unlock()

	cs.wg.Wait()
	cs.Logger.Info("closing scheduler stopped")
}

func (cs *ClosingScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer cs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	cs.RunNow(ctx)
	for {
		select {
		case <-ticker.C:
			cs.RunNow(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow closes the previous period unless it already closed cleanly.
// It returns the result of the attempt, or nil when nothing was due.
func (cs *ClosingScheduler) RunNow(ctx context.Context) *compensation.PeriodResult {
	period := generic.PeriodFor(cs.Closer.Now()).Previous().ID

	cs.mu.Lock()
	done := cs.lastClosed == period
	cs.mu.Unlock()
	if done {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, cs.Timeout)
	defer cancel()

	started := time.Now()
	res, err := cs.Closer.ClosePeriod(ctx, period)
	if err != nil {
		cs.Logger.Error("scheduled closing failed", "period", period, "error", err)
		return res
	}

	if len(res.Failed) == 0 {
		cs.mu.Lock()
		cs.lastClosed = period
		cs.mu.Unlock()
	}
	cs.Logger.Info("scheduled closing finished",
		"period", period,
		"closed", len(res.Closed),
		"skipped", len(res.Skipped),
		"failed", len(res.Failed),
		"top_rank", res.TopRank != nil,
		"elapsed", time.Since(started))
	return res
}

// LastClosed is the last period the scheduler closed without failures.
func (cs *ClosingScheduler) LastClosed() generic.PeriodID {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.lastClosed
}
