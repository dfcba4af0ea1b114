/*
Package billing provides the building operating-cost allocation engine.

PURPOSE:
  Given a building's unit roster, its active services, the year's costs,
  meter readings, occupancy records and advance payments, the engine
  computes for every unit a service-by-service cost breakdown, a total
  cost and a final balance against prepaid advances.

KEY CONCEPTS IN THIS FILE (types.go):
  - Building, Unit, Meter, Ownership: the roster (read-only input)
  - Service: a cost bucket with a methodology and its configuration
  - Cost, MeterReading, PersonMonth, AdvanceMonthly, Payment: yearly inputs
  - BillingPeriod, BillingResult, BillingServiceCost: persisted outputs

DESIGN PRINCIPLES:
  1. Precision: every amount is a decimal.Decimal, rounded only at the end
  2. Degrade, don't abort: missing data zeroes one line and says why
  3. Full replace: outputs for a (building, year) are rewritten atomically
  4. No ambient state: the store is passed in, never global

USAGE:
  engine := billing.NewEngine(store, billing.WithLogger(logger))
  res, err := engine.Calculate(ctx, "bldg-1", 2025)

SEE ALSO:
  - engine.go: Calculate orchestration
  - methodology.go: one strategy per allocation rule
  - overrides.go: manual and imported overrides
  - store.go: persistence contracts
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type BuildingID string
type UnitID string
type ServiceID string
type MeterID string
type PeriodID string
type ResultID string

// =============================================================================
// ROSTER - Building, units, meters, ownership
// =============================================================================

// Building carries optional global denominators used when unit data is
// incomplete.
type Building struct {
	ID      BuildingID
	Name    string
	Address string

	TotalArea         *decimal.Decimal
	ChargeableArea    *decimal.Decimal
	TotalPeople       *decimal.Decimal
	UnitCountOverride *int
}

// Unit is a flat, shop or garage in a building.
type Unit struct {
	ID         UnitID
	BuildingID BuildingID
	Name       string
	OwnerName  string

	// Ownership share as numerator/denominator, e.g. 250/10000.
	ShareNumerator   decimal.Decimal
	ShareDenominator decimal.Decimal

	TotalArea decimal.Decimal
	FloorArea decimal.Decimal
	Residents int

	// Named numeric attributes for unit_parameter allocation.
	Parameters map[string]decimal.Decimal

	Meters     []Meter
	Ownerships []Ownership
}

// Share returns numerator/denominator, or zero if the denominator is missing.
func (u Unit) Share() decimal.Decimal {
	if u.ShareDenominator.IsZero() {
		return decimal.Zero
	}
	return u.ShareNumerator.Div(u.ShareDenominator)
}

type MeterType string

const (
	MeterColdWater   MeterType = "cold_water"
	MeterHotWater    MeterType = "hot_water"
	MeterHeating     MeterType = "heating"
	MeterElectricity MeterType = "electricity"
)

// ValidMeterType reports whether t is one of the known meter types.
func ValidMeterType(t MeterType) bool {
	switch t {
	case MeterColdWater, MeterHotWater, MeterHeating, MeterElectricity:
		return true
	}
	return false
}

// Meter belongs to a unit. ServiceID designates the service it feeds, if any.
type Meter struct {
	ID        MeterID
	UnitID    UnitID
	Type      MeterType
	ServiceID ServiceID
	Serial    string
}

// Ownership is an interval during which the unit is held (and charged).
// A nil ValidTo means open-ended.
type Ownership struct {
	OwnerName string
	ValidFrom time.Time
	ValidTo   *time.Time
}

// =============================================================================
// SERVICE - what is being billed and how
// =============================================================================

type MethodologyType string

const (
	MethodOwnershipShare MethodologyType = "ownership_share"
	MethodArea           MethodologyType = "area"
	MethodPersonMonths   MethodologyType = "person_months"
	MethodMeterReading   MethodologyType = "meter_reading"
	MethodFixedPerUnit   MethodologyType = "fixed_per_unit"
	MethodEqualSplit     MethodologyType = "equal_split"
	MethodUnitParameter  MethodologyType = "unit_parameter"
	MethodCustomFormula  MethodologyType = "custom_formula"
	MethodNoBilling      MethodologyType = "no_billing"
)

// SourceColumn selects which reading column a meter service sums.
type SourceColumn string

const (
	ColumnConsumption       SourceColumn = "consumption"
	ColumnPrecalculatedCost SourceColumn = "precalculated_cost"
)

// DataSource describes which meters feed a meter_reading service.
type DataSource struct {
	MeterTypes []MeterType
	Column     SourceColumn
}

// Includes reports whether t is one of the configured meter types.
func (ds *DataSource) Includes(t MeterType) bool {
	if ds == nil {
		return false
	}
	for _, mt := range ds.MeterTypes {
		if mt == t {
			return true
		}
	}
	return false
}

// Service is one billed line (heating, cold water, repair fund, ...).
type Service struct {
	ID          ServiceID
	BuildingID  BuildingID
	Code        string
	Name        string
	Methodology MethodologyType
	Active      bool

	// Position in the configured service list; D{n}/E{n}/G{n} formula
	// references use the 1-based rank of this value.
	Order int

	// RepairFund services are summed into BillingResult.RepairFund.
	RepairFund bool

	FixedAmountPerUnit *decimal.Decimal
	Divisor            *decimal.Decimal
	UnitPrice          *decimal.Decimal
	ManualCost         *decimal.Decimal
	ManualSharePercent *decimal.Decimal
	CustomFormula      string
	DataSource         *DataSource
	AttributeName      string

	// Per-unit replacement of the computed numerator.
	UnitOverrides map[UnitID]decimal.Decimal
}

// =============================================================================
// YEARLY INPUTS
// =============================================================================

// Cost is an invoice amount booked against a service for a year.
type Cost struct {
	ID          string
	ServiceID   ServiceID
	Year        int
	Amount      decimal.Decimal
	Description string
}

// MeterReading is one reading of a meter within a year.
type MeterReading struct {
	ID                string
	MeterID           MeterID
	Year              int
	ReadAt            time.Time
	StartValue        *decimal.Decimal
	EndValue          *decimal.Decimal
	Consumption       *decimal.Decimal
	PrecalculatedCost *decimal.Decimal
}

// Usage returns the explicit consumption, else End-Start clamped at zero.
func (r MeterReading) Usage() decimal.Decimal {
	if r.Consumption != nil {
		return *r.Consumption
	}
	if r.StartValue != nil && r.EndValue != nil {
		diff := r.EndValue.Sub(*r.StartValue)
		if diff.IsNegative() {
			return decimal.Zero
		}
		return diff
	}
	return decimal.Zero
}

// PersonMonth records how many people lived in a unit in one month.
type PersonMonth struct {
	UnitID UnitID
	Year   int
	Month  int
	People int
}

// AdvanceMonthly is the prescribed monthly advance for one unit and service.
type AdvanceMonthly struct {
	UnitID    UnitID
	ServiceID ServiceID
	Year      int
	Month     int
	Amount    decimal.Decimal
}

// Payment is money actually received from a unit.
type Payment struct {
	ID     string
	UnitID UnitID
	Year   int
	Month  int
	Amount decimal.Decimal
	PaidAt time.Time
}

// =============================================================================
// OUTPUTS
// =============================================================================

type PeriodStatus string

const (
	StatusDraft      PeriodStatus = "draft"
	StatusCalculated PeriodStatus = "calculated"
)

// BillingPeriod groups all outputs for one building and year.
type BillingPeriod struct {
	ID           PeriodID
	BuildingID   BuildingID
	Year         int
	Status       PeriodStatus
	CalculatedAt *time.Time
}

// BillingResult is the per-unit outcome of a calculation.
type BillingResult struct {
	ID       ResultID
	PeriodID PeriodID
	UnitID   UnitID

	TotalCost              decimal.Decimal
	TotalAdvancePrescribed decimal.Decimal
	TotalAdvancePaid       decimal.Decimal
	RepairFund             decimal.Decimal

	// Result = round(TotalAdvancePrescribed - TotalCost). Positive means a
	// refund is due to the owner.
	Result decimal.Decimal

	MonthlyPrescriptions [12]decimal.Decimal
	MonthlyPayments      [12]decimal.Decimal

	ServiceCosts []BillingServiceCost
}

// BillingServiceCost is one line of a unit's breakdown.
type BillingServiceCost struct {
	ID        string
	ResultID  ResultID
	ServiceID ServiceID

	BuildingCost  decimal.Decimal
	BuildingUnits decimal.Decimal
	UnitUnits     decimal.Decimal
	UnitCost      decimal.Decimal
	UnitAdvance   decimal.Decimal
	UnitBalance   decimal.Decimal
	PricePerUnit  decimal.Decimal

	CalculationBasis string
}

// CalculationResult is returned to callers of Engine.Calculate.
type CalculationResult struct {
	Success        bool
	ProcessedUnits int
	BillingPeriod  BillingPeriod
	Results        []BillingResult
}
