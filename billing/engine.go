/*
engine.go - Allocation run orchestration

PURPOSE:
  Engine.Calculate is the one entry point: it recomputes every unit's
  breakdown and balance for a (building, year) and replaces the period's
  stored results.

FLOW:
  1. Validate the year and claim the (building, year) slot
  2. Load the dataset through Reader
  3. Compute building-wide aggregates and per-service context once
  4. Allocate every unit in parallel (bounded), results kept in roster order
  5. Settle balances against advances
  6. Persist in one transaction (persist.go)

EVALUATION ORDER PER UNIT:
  Non-formula services first, then custom_formula services in configured
  order. A formula may therefore reference any non-formula row and any
  formula row configured before it. Inactive services produce no line but
  are visible to formulas as zero rows.

CONCURRENCY:
  A second Calculate for the same (building, year) while one is running
  fails fast with ErrCalculationInProgress. Different keys run freely.
*/
package billing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// OPTIONS
// =============================================================================

// Recorder receives run metrics. See metrics.Recorder.
type Recorder interface {
	CalculationFinished(outcome string, elapsed time.Duration, units int)
	LineDegraded(methodology MethodologyType)
}

type noopRecorder struct{}

func (noopRecorder) CalculationFinished(string, time.Duration, int) {}
func (noopRecorder) LineDegraded(MethodologyType)                   {}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger (default: discard).
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithWorkers bounds the per-unit parallelism (default: GOMAXPROCS).
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// =============================================================================
// ENGINE
// =============================================================================

// CalculationStore is what the engine needs from a store.
type CalculationStore interface {
	Reader
	TxStore
}

type runKey struct {
	building BuildingID
	year     int
}

// Engine computes and persists billing periods.
type Engine struct {
	store    CalculationStore
	logger   *slog.Logger
	workers  int
	now      func() time.Time
	newID    func() string
	recorder Recorder

	mu       sync.Mutex
	inflight map[runKey]struct{}
}

// NewEngine creates an engine over store.
func NewEngine(store CalculationStore, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		workers:  runtime.GOMAXPROCS(0),
		now:      time.Now,
		newID:    uuid.NewString,
		recorder: noopRecorder{},
		inflight: make(map[runKey]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) acquire(building BuildingID, year int) (func(), error) {
	k := runKey{building, year}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[k]; busy {
		return nil, ErrCalculationInProgress
	}
	e.inflight[k] = struct{}{}
	return func() {
		e.mu.Lock()
		delete(e.inflight, k)
		e.mu.Unlock()
	}, nil
}

// Calculate recomputes the period for (buildingID, year) and replaces its
// stored results. It is safe to call repeatedly.
func (e *Engine) Calculate(ctx context.Context, buildingID BuildingID, year int) (*CalculationResult, error) {
	if err := ValidateYear(year); err != nil {
		return nil, err
	}

	release, err := e.acquire(buildingID, year)
	if err != nil {
		e.recorder.CalculationFinished("conflict", 0, 0)
		return nil, err
	}
	defer release()

	start := e.now()
	log := e.logger.With("building", buildingID, "year", year)

	fail := func(stage Stage, err error) (*CalculationResult, error) {
		log.Error("calculation failed", "stage", stage, "error", err)
		e.recorder.CalculationFinished("error", e.now().Sub(start), 0)
		return nil, &CalculationError{BuildingID: buildingID, Year: year, Stage: stage, Err: err}
	}

	ds, err := e.load(ctx, buildingID, year)
	if err != nil {
		return fail(StageLoad, err)
	}
	log.Info("calculation started", "units", len(ds.Units), "services", len(ds.Services))

	results, err := e.allocate(ctx, ds, log)
	if err != nil {
		return fail(StageAllocate, err)
	}

	if err := ctx.Err(); err != nil {
		return fail(StagePersist, err)
	}
	period, err := e.persist(ctx, ds, results)
	if err != nil {
		return fail(StagePersist, err)
	}

	elapsed := e.now().Sub(start)
	log.Info("calculation finished", "units", len(results), "duration", elapsed)
	e.recorder.CalculationFinished("success", elapsed, len(results))

	return &CalculationResult{
		Success:        true,
		ProcessedUnits: len(results),
		BillingPeriod:  period,
		Results:        results,
	}, nil
}

// =============================================================================
// LOAD
// =============================================================================

func (e *Engine) load(ctx context.Context, buildingID BuildingID, year int) (*Dataset, error) {
	b, err := e.store.GetBuilding(ctx, buildingID)
	if err != nil {
		return nil, err
	}
	ds := &Dataset{Building: *b, Year: year}

	if ds.Units, err = e.store.ListUnits(ctx, buildingID); err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	if ds.Services, err = e.store.ListServices(ctx, buildingID); err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	if ds.Costs, err = e.store.ListCosts(ctx, buildingID, year); err != nil {
		return nil, fmt.Errorf("list costs: %w", err)
	}
	if ds.Readings, err = e.store.ListMeterReadings(ctx, buildingID, year); err != nil {
		return nil, fmt.Errorf("list meter readings: %w", err)
	}
	if ds.PersonMonths, err = e.store.ListPersonMonths(ctx, buildingID, year); err != nil {
		return nil, fmt.Errorf("list person-months: %w", err)
	}
	if ds.Advances, err = e.store.ListAdvances(ctx, buildingID, year); err != nil {
		return nil, fmt.Errorf("list advances: %w", err)
	}
	if ds.Payments, err = e.store.ListPayments(ctx, buildingID, year); err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return ds, nil
}

// =============================================================================
// ALLOCATE
// =============================================================================

func (e *Engine) allocate(ctx context.Context, ds *Dataset, log *slog.Logger) ([]BillingResult, error) {
	bf := NewBuildingFacts(ds)
	services := NewServiceContexts(ds, bf)
	balances := NewBalanceIndex(ds.Year, ds.Advances, ds.Payments)

	results := make([]BillingResult, len(ds.Units))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, u := range ds.Units {
		i, u := i, u
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = e.allocateUnit(bf, services, balances, u, log)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// AllocateUnit computes one unit's lines without touching the store.
func AllocateUnit(bf *BuildingFacts, services []*ServiceContext, u Unit) ([]*ServiceContext, []Allocation) {
	uctx := bf.NewUnitContext(u)
	rows := make(Rows, len(services))
	allocs := make([]Allocation, len(services))

	run := func(i int) {
		sc := services[i]
		if !sc.Service.Active {
			rows[sc.Row] = RowValues{TotalCost: decimal.Zero, BuildingAmount: decimal.Zero, UnitAmount: decimal.Zero}
			return
		}
		a := Allocate(AllocationInput{Service: sc, Unit: uctx, Rows: rows})
		allocs[i] = a
		rows[sc.Row] = RowValues{TotalCost: a.BuildingCost, BuildingAmount: a.BuildingAmount, UnitAmount: a.UnitAmount}
	}

	for i, sc := range services {
		if sc.Service.Methodology != MethodCustomFormula {
			run(i)
		}
	}
	for i, sc := range services {
		if sc.Service.Methodology == MethodCustomFormula {
			run(i)
		}
	}

	active := make([]*ServiceContext, 0, len(services))
	out := make([]Allocation, 0, len(services))
	for i, sc := range services {
		if sc.Service.Active {
			active = append(active, sc)
			out = append(out, allocs[i])
		}
	}
	return active, out
}

func (e *Engine) allocateUnit(bf *BuildingFacts, services []*ServiceContext, balances *BalanceIndex, u Unit, log *slog.Logger) BillingResult {
	active, allocs := AllocateUnit(bf, services, u)

	lines := make([]BillingServiceCost, 0, len(active))
	repairFund := decimal.Zero
	for i, sc := range active {
		a := allocs[i]
		if a.Degraded {
			e.recorder.LineDegraded(sc.Service.Methodology)
			log.Debug("line degraded to zero", "unit", u.ID, "service", sc.Service.ID, "basis", a.Basis)
		}
		if sc.Service.RepairFund {
			repairFund = repairFund.Add(a.UnitCost)
		}

		advance := balances.ServiceAdvance(u.ID, sc.Service.ID)
		lines = append(lines, BillingServiceCost{
			ServiceID:        sc.Service.ID,
			BuildingCost:     a.BuildingCost,
			BuildingUnits:    a.BuildingAmount,
			UnitUnits:        a.UnitAmount,
			UnitCost:         a.UnitCost,
			UnitAdvance:      advance,
			UnitBalance:      advance.Sub(a.UnitCost),
			PricePerUnit:     a.PricePerUnit,
			CalculationBasis: a.Basis,
		})
	}

	return balances.Settle(u.ID, lines, repairFund)
}
