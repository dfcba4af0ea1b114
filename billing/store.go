/*
store.go - Persistence contracts for the allocation engine

PURPOSE:
  Defines the boundary between the engine and the data store. The engine
  reads the roster and yearly inputs through Reader and writes its outputs
  through ResultWriter, always inside TxStore.WithTx so that a period is
  replaced all-or-nothing.

KEY INTERFACES:
  Reader:        Read-only inputs owned by other collaborators
  ResultWriter:  Period upsert + full delete/recreate of results
  ResultReader:  Read back persisted outputs (reporting, API)
  TxStore:       Transactional wrapper used by the persister
  Store:         Everything the engine and API need

FULL-REPLACE CONTRACT:
  A recomputation never patches individual rows. Within one transaction:
    1. UpsertPeriod (building, year) -> period
    2. DeleteResults(period)
    3. SaveResult for every unit (with its service lines)
    4. MarkCalculated(period, now)
  If any step fails the transaction is rolled back and readers keep seeing
  the previous results.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite (production)
  - billing/store/memory.go: in-memory (tests, demos)

SEE ALSO:
  - persist.go: the only caller of ResultWriter
*/
package billing

import (
	"context"
	"time"
)

// =============================================================================
// READER - inputs
// =============================================================================

// Reader loads the calculation inputs for one building.
type Reader interface {
	// GetBuilding returns ErrBuildingNotFound if the building does not exist.
	GetBuilding(ctx context.Context, id BuildingID) (*Building, error)

	// ListUnits returns units with parameters, meters and ownerships populated.
	ListUnits(ctx context.Context, buildingID BuildingID) ([]Unit, error)

	// ListServices returns all services of the building, ordered by Order.
	ListServices(ctx context.Context, buildingID BuildingID) ([]Service, error)

	ListCosts(ctx context.Context, buildingID BuildingID, year int) ([]Cost, error)
	ListMeterReadings(ctx context.Context, buildingID BuildingID, year int) ([]MeterReading, error)
	ListPersonMonths(ctx context.Context, buildingID BuildingID, year int) ([]PersonMonth, error)
	ListAdvances(ctx context.Context, buildingID BuildingID, year int) ([]AdvanceMonthly, error)
	ListPayments(ctx context.Context, buildingID BuildingID, year int) ([]Payment, error)
}

// =============================================================================
// RESULT WRITER - outputs (only valid inside WithTx)
// =============================================================================

// ResultWriter writes a period's outputs.
type ResultWriter interface {
	// UpsertPeriod creates the period for (BuildingID, Year) or updates the
	// existing one, returning it with its stable ID.
	UpsertPeriod(ctx context.Context, p BillingPeriod) (BillingPeriod, error)

	// DeleteResults removes every result and service line of the period.
	DeleteResults(ctx context.Context, periodID PeriodID) error

	// SaveResult inserts a result together with its ServiceCosts.
	SaveResult(ctx context.Context, r BillingResult) error

	// MarkCalculated moves the period to StatusCalculated.
	MarkCalculated(ctx context.Context, periodID PeriodID, at time.Time) error
}

// ResultReader reads persisted outputs.
type ResultReader interface {
	// GetPeriod returns ErrPeriodNotFound if nothing was calculated yet.
	GetPeriod(ctx context.Context, buildingID BuildingID, year int) (*BillingPeriod, error)

	// ListResults returns results (with service lines) in the order they
	// were saved, which is the unit roster order.
	ListResults(ctx context.Context, periodID PeriodID) ([]BillingResult, error)
}

// =============================================================================
// INPUT WRITER - used by import pipelines and demo scenarios, never the engine
// =============================================================================

// InputWriter stores the inputs the engine reads. Save* upserts by ID.
type InputWriter interface {
	SaveBuilding(ctx context.Context, b Building) error

	// SaveUnit replaces the unit together with its parameters, meters and
	// ownerships.
	SaveUnit(ctx context.Context, u Unit) error
	SaveService(ctx context.Context, s Service) error

	SaveCost(ctx context.Context, c Cost) error
	SaveMeterReading(ctx context.Context, r MeterReading) error
	SavePersonMonth(ctx context.Context, pm PersonMonth) error
	SaveAdvance(ctx context.Context, a AdvanceMonthly) error
	SavePayment(ctx context.Context, p Payment) error

	// Reset removes all data, inputs and outputs.
	Reset(ctx context.Context) error
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore runs fn in a transaction. If fn returns an error the transaction
// is rolled back; otherwise it is committed.
type TxStore interface {
	WithTx(ctx context.Context, fn func(ResultWriter) error) error
}

// Store is the full contract used by the engine and the API.
type Store interface {
	Reader
	ResultReader
	TxStore

	ListBuildings(ctx context.Context) ([]Building, error)
}
