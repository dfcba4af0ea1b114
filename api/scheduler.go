/*
scheduler.go - Periodic recalculation scheduler

PURPOSE:
  Keeps the current year's settlements fresh while costs, readings and
  payments are still being booked. Every interval it recalculates the
  current year for every building.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Buildings whose calculation is already running are skipped (conflict)
  - Buildings without inputs for the year are recalculated anyway; the
    engine degrades missing data line by line
  - One failing building never stops the pass

CONFIGURATION:
  - Interval: How often to recalculate (default: 1 hour)
  - Enabled: Whether scheduler is active (default: false)

USAGE:
  scheduler := NewRecalculationScheduler(store, engine, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Calculate endpoint (manual recalculation)
  - billing/engine.go: Engine.Calculate
*/
package api

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/allocation-engine/billing"
)

// BuildingLister lists the buildings to recalculate.
type BuildingLister interface {
	ListBuildings(ctx context.Context) ([]billing.Building, error)
}

// RecalculationScheduler recalculates the current year on a timer.
type RecalculationScheduler struct {
	Store    BuildingLister
	Engine   *billing.Engine
	Logger   *slog.Logger
	Interval time.Duration
	Enabled  bool

	// Now returns the clock used to pick the year.
	Now func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// RunSummary counts the outcome of one pass.
type RunSummary struct {
	Year      int
	Processed int
	Skipped   int
	Failed    int
}

// NewRecalculationScheduler creates a new scheduler.
func NewRecalculationScheduler(store BuildingLister, engine *billing.Engine, logger *slog.Logger) *RecalculationScheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RecalculationScheduler{
		Store:    store,
		Engine:   engine,
		Logger:   logger,
		Interval: time.Hour,
		Enabled:  true,
		Now:      time.Now,
	}
}

// Start begins the scheduler.
func (rs *RecalculationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.Logger.Info("scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.Interval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run()

	rs.Logger.Info("scheduler started", "interval", rs.Interval)
}

// Stop stops the scheduler and waits for a running pass to finish.
func (rs *RecalculationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.Logger.Info("scheduler stopped")
	}
}

func (rs *RecalculationScheduler) run() {
	defer rs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-rs.stop
		cancel()
	}()

	// Run immediately on start
	rs.RunNow(ctx)

	for {
		select {
		case <-rs.ticker.C:
			rs.RunNow(ctx)
		case <-rs.stop:
			return
		}
	}
}

// RunNow recalculates the current year for every building.
func (rs *RecalculationScheduler) RunNow(ctx context.Context) RunSummary {
	sum := RunSummary{Year: rs.Now().Year()}

	buildings, err := rs.Store.ListBuildings(ctx)
	if err != nil {
		rs.Logger.Error("listing buildings", "error", err)
		return sum
	}

	for _, b := range buildings {
		if ctx.Err() != nil {
			break
		}
		_, err := rs.Engine.Calculate(ctx, b.ID, sum.Year)
		switch {
		case err == nil:
			sum.Processed++
		case billing.IsConflict(err):
			sum.Skipped++
		default:
			sum.Failed++
			rs.Logger.Error("scheduled recalculation failed", "building", b.ID, "year", sum.Year, "error", err)
		}
	}

	if sum.Processed > 0 || sum.Skipped > 0 || sum.Failed > 0 {
		rs.Logger.Info("scheduled recalculation completed",
			"year", sum.Year, "processed", sum.Processed, "skipped", sum.Skipped, "failed", sum.Failed)
	}
	return sum
}

// NextRunTime returns when the next scheduled pass will occur.
func (rs *RecalculationScheduler) NextRunTime() time.Time {
	return rs.Now().Add(rs.Interval)
}
