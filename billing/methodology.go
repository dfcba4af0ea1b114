/*
methodology.go - Allocation strategies

PURPOSE:
  One Methodology per allocation rule. The set is closed: every tag a
  Service can carry maps to exactly one strategy in the registry below,
  and an unknown tag allocates nothing.

  Every strategy has the same contract: given the service context (cost
  after cost-side overrides, building-wide aggregates) and the unit
  context, return the unit's Allocation. Missing data never fails; it
  yields a zero cost and a basis that says what was missing.

STRATEGIES:
  ownership_share   cost × unit share numerator / Σ numerators
  area              cost × unit area / total area
  person_months     cost × unit person-months / total person-months
  meter_reading     cost × unit consumption / Σ consumption (or tariff)
  fixed_per_unit    fixed amount × months/12, else by months, else equal
  equal_split       cost / divisor, or cost / units × months/12
  unit_parameter    cost × unit parameter / Σ parameter
  custom_formula    user formula over the variable context
  no_billing        always zero

SEE ALSO:
  - overrides.go: denominator and numerator overrides used by proportional()
  - engine.go: evaluation order (formula services last)
*/
package billing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/allocation-engine/formula"
	"github.com/warp/allocation-engine/numeric"
)

// =============================================================================
// CONTRACT
// =============================================================================

// Methodology allocates one service's cost to one unit.
type Methodology interface {
	Type() MethodologyType
	Allocate(in AllocationInput) Allocation
}

// AllocationInput is everything a strategy may look at.
type AllocationInput struct {
	Service *ServiceContext
	Unit    *UnitContext

	// Rows holds the lines already computed for this unit, keyed by row
	// number. Only custom_formula reads it.
	Rows Rows
}

// Allocation is a strategy's result for one unit and service.
type Allocation struct {
	UnitCost       decimal.Decimal
	BuildingCost   decimal.Decimal
	BuildingAmount decimal.Decimal
	UnitAmount     decimal.Decimal
	PricePerUnit   decimal.Decimal
	Basis          string

	// Degraded marks a zero caused by missing or invalid data.
	Degraded bool
}

// RowValues are the figures of a computed line visible to formulas as
// D{n}, E{n} and G{n}.
type RowValues struct {
	TotalCost      decimal.Decimal
	BuildingAmount decimal.Decimal
	UnitAmount     decimal.Decimal
}

// Rows maps a 1-based row number to its values.
type Rows map[int]RowValues

// =============================================================================
// REGISTRY
// =============================================================================

var registry = map[MethodologyType]Methodology{
	MethodOwnershipShare: ownershipShare{},
	MethodArea:           area{},
	MethodPersonMonths:   personMonths{},
	MethodMeterReading:   meterReading{},
	MethodFixedPerUnit:   fixedPerUnit{},
	MethodEqualSplit:     equalSplit{},
	MethodUnitParameter:  unitParameter{},
	MethodCustomFormula:  customFormula{},
	MethodNoBilling:      noBilling{},
}

// Lookup returns the strategy for t.
func Lookup(t MethodologyType) (Methodology, bool) {
	m, ok := registry[t]
	return m, ok
}

// ValidMethodology reports whether t has a strategy.
func ValidMethodology(t MethodologyType) bool {
	_, ok := registry[t]
	return ok
}

// Allocate dispatches to the strategy of the input's service.
func Allocate(in AllocationInput) Allocation {
	m, ok := Lookup(in.Service.Service.Methodology)
	if !ok {
		return degraded(in, fmt.Sprintf("unknown methodology %q", in.Service.Service.Methodology))
	}
	return m.Allocate(in)
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

func degraded(in AllocationInput, reason string) Allocation {
	return Allocation{
		UnitCost:     decimal.Zero,
		BuildingCost: in.Service.Cost.Effective,
		Basis:        withNotes(reason, in.Service.Cost.Notes...),
		Degraded:     true,
	}
}

func withNotes(basis string, notes ...string) string {
	var b strings.Builder
	b.WriteString(basis)
	for _, n := range notes {
		if n == "" {
			continue
		}
		b.WriteString("; ")
		b.WriteString(n)
	}
	return b.String()
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// proportional allocates cost × num / denom after the divisor and per-unit
// overrides. missing is the basis when the denominator is not positive.
func proportional(in AllocationInput, label string, denom, num decimal.Decimal, missing string) Allocation {
	svc := in.Service.Service
	cost := in.Service.Cost.Effective

	denom, dnote := ResolveDenominator(svc, denom)
	num, nnote := ResolveNumerator(svc, in.Unit.Unit.ID, num)

	notes := append(append([]string{}, in.Service.Cost.Notes...), dnote, nnote)

	if !denom.IsPositive() {
		a := degraded(in, missing)
		a.UnitAmount = num
		a.Basis = withNotes(missing, notes...)
		return a
	}

	return Allocation{
		UnitCost:       numeric.Prorate(cost, num, denom),
		BuildingCost:   cost,
		BuildingAmount: denom,
		UnitAmount:     num,
		PricePerUnit:   numeric.Div(cost, denom),
		Basis: withNotes(
			fmt.Sprintf("%s: %s × %s / %s", label, money(cost), num.String(), denom.String()),
			notes...),
	}
}

// =============================================================================
// STRATEGIES
// =============================================================================

type ownershipShare struct{}

func (ownershipShare) Type() MethodologyType { return MethodOwnershipShare }

func (ownershipShare) Allocate(in AllocationInput) Allocation {
	bf := in.Service.Building
	return proportional(in, "ownership share", bf.ShareTotal, in.Unit.Unit.ShareNumerator,
		"missing ownership share total")
}

type area struct{}

func (area) Type() MethodologyType { return MethodArea }

func (area) Allocate(in AllocationInput) Allocation {
	bf := in.Service.Building
	return proportional(in, "area ("+bf.AreaSource+")", bf.AreaTotal, in.Unit.Unit.TotalArea,
		"missing total area")
}

type personMonths struct{}

func (personMonths) Type() MethodologyType { return MethodPersonMonths }

func (personMonths) Allocate(in AllocationInput) Allocation {
	bf := in.Service.Building
	a := proportional(in, "person-months ("+bf.PeopleSrc+")", bf.PeopleTotal, in.Unit.PersonMonths,
		"no person-months recorded")
	if in.Unit.FromRecords {
		a.Basis = withNotes(a.Basis, "unit person-months from records")
	} else {
		a.Basis = withNotes(a.Basis, fmt.Sprintf("unit person-months from %d residents × %d months",
			in.Unit.Unit.Residents, in.Unit.Months))
	}
	return a
}

type meterReading struct{}

func (meterReading) Type() MethodologyType { return MethodMeterReading }

func (meterReading) Allocate(in AllocationInput) Allocation {
	sc := in.Service
	svc := sc.Service
	id := in.Unit.Unit.ID
	cons := sc.Consumption
	uc := cons.Unit(id)

	if cons == nil || cons.Meters == 0 {
		return degraded(in, "no meters configured")
	}
	if _, overridden := svc.UnitOverrides[id]; uc.Meters == 0 && !overridden {
		a := degraded(in, "no meters configured for unit")
		a.BuildingAmount = cons.TotalConsumption
		return a
	}

	var a Allocation
	switch {
	case svc.UnitPrice != nil && svc.UnitPrice.IsPositive():
		a = tariff(in, uc)
	case svc.DataSource != nil && svc.DataSource.Column == ColumnPrecalculatedCost:
		a = proportional(in, "meter precalculated cost", cons.TotalPrecalculated, uc.PrecalculatedCost,
			"no precalculated costs imported")
	default:
		missing := "no consumption recorded"
		if cons.Readings == 0 {
			missing = "no readings for the year"
		}
		a = proportional(in, "meter reading", cons.TotalConsumption, uc.Consumption, missing)
	}

	return ApplyPrecalculated(a, uc)
}

// tariff prices the unit's consumption directly. The manual share
// percentage scales the unit cost; a manual cost or divisor has no
// building-wide split to act on and is reported as not applied.
func tariff(in AllocationInput, uc UnitConsumption) Allocation {
	sc := in.Service
	svc := sc.Service
	price := *svc.UnitPrice

	num, nnote := ResolveNumerator(svc, in.Unit.Unit.ID, uc.Consumption)
	cost := num.Mul(price)
	notes := []string{nnote}

	if svc.ManualCost != nil {
		notes = append(notes, fmt.Sprintf("manual cost %s not applied to tariff", svc.ManualCost.String()))
	}
	if p := svc.ManualSharePercent; p != nil && !p.Equal(numeric.Hundred) {
		cost = numeric.Percent(cost, *p)
		notes = append(notes, fmt.Sprintf("share %s%%", p.String()))
	}
	if svc.Divisor != nil && svc.Divisor.IsPositive() {
		notes = append(notes, fmt.Sprintf("divisor %s not applied to tariff", svc.Divisor.String()))
	}

	return Allocation{
		UnitCost:       cost,
		BuildingCost:   sc.Cost.Effective,
		BuildingAmount: sc.Consumption.TotalConsumption,
		UnitAmount:     num,
		PricePerUnit:   price,
		Basis:          withNotes(fmt.Sprintf("meter tariff: %s × %s", num.String(), price.String()), notes...),
	}
}

type fixedPerUnit struct{}

func (fixedPerUnit) Type() MethodologyType { return MethodFixedPerUnit }

func (fixedPerUnit) Allocate(in AllocationInput) Allocation {
	sc := in.Service
	svc := sc.Service
	bf := sc.Building
	months := in.Unit.Months

	if svc.FixedAmountPerUnit != nil {
		fixed := *svc.FixedAmountPerUnit
		num, nnote := ResolveNumerator(svc, in.Unit.Unit.ID, numeric.MonthFraction(months))
		return Allocation{
			UnitCost:       fixed.Mul(num),
			BuildingCost:   sc.Cost.Effective,
			BuildingAmount: bf.UnitCount,
			UnitAmount:     num,
			PricePerUnit:   fixed,
			Basis: withNotes(fmt.Sprintf("fixed per unit: %s × %d/12", money(fixed), months),
				append(append([]string{}, sc.Cost.Notes...), nnote)...),
		}
	}

	if bf.Occupancy.TotalMonths > 0 {
		return proportional(in, "fixed per unit by months",
			decimal.NewFromInt(int64(bf.Occupancy.TotalMonths)), decimal.NewFromInt(int64(months)),
			"no months in evidence")
	}
	return proportional(in, "fixed per unit split equally", bf.UnitCount, decimal.NewFromInt(1),
		"no units to split between")
}

type equalSplit struct{}

func (equalSplit) Type() MethodologyType { return MethodEqualSplit }

func (equalSplit) Allocate(in AllocationInput) Allocation {
	sc := in.Service
	svc := sc.Service

	if svc.Divisor != nil && svc.Divisor.IsPositive() {
		// proportional() applies the divisor itself.
		return proportional(in, "equal split", sc.Building.UnitCount, decimal.NewFromInt(1),
			"no units to split between")
	}

	frac := numeric.MonthFraction(in.Unit.Months)
	return proportional(in, fmt.Sprintf("equal split (%d/12 months)", in.Unit.Months),
		sc.Building.UnitCount, frac, "no units to split between")
}

type unitParameter struct{}

func (unitParameter) Type() MethodologyType { return MethodUnitParameter }

func (unitParameter) Allocate(in AllocationInput) Allocation {
	name := in.Service.Service.AttributeName
	if name == "" {
		return degraded(in, "no attribute name configured")
	}
	v, ok := in.Unit.Unit.Parameters[name]
	if !ok {
		v = decimal.Zero
	}
	a := proportional(in, "parameter "+name, in.Service.Building.ParamTotals[name], v,
		fmt.Sprintf("parameter %s total is zero", name))
	if !ok {
		a.Basis = withNotes(a.Basis, fmt.Sprintf("parameter %s missing on unit", name))
	}
	return a
}

type customFormula struct{}

func (customFormula) Type() MethodologyType { return MethodCustomFormula }

func (customFormula) Allocate(in AllocationInput) Allocation {
	sc := in.Service
	if sc.FormulaErr != nil {
		return degraded(in, "formula error: "+sc.FormulaErr.Error())
	}
	if sc.Formula == nil {
		return degraded(in, "formula error: "+formula.ErrEmpty.Error())
	}

	v, err := sc.Formula.Eval(FormulaVars(in))
	if err != nil {
		return degraded(in, "formula error: "+err.Error())
	}

	return Allocation{
		UnitCost:     v,
		BuildingCost: sc.Cost.Effective,
		UnitAmount:   v,
		Basis:        withNotes(fmt.Sprintf("formula: %s = %s", sc.Formula.String(), v.String()), sc.Cost.Notes...),
	}
}

// FormulaVariables are the named values every formula can reference, in
// addition to the row references D{n}, E{n} and G{n}.
var FormulaVariables = []string{
	"TOTAL_COST", "UNIT_SHARE", "UNIT_AREA", "UNIT_PEOPLE", "UNIT_CONSUMPTION",
	"TOTAL_CONSUMPTION", "TOTAL_AREA", "TOTAL_PEOPLE", "UNIT_COUNT",
}

// IsFormulaVariable reports whether name (upper case) can ever be bound.
func IsFormulaVariable(name string) bool {
	for _, v := range FormulaVariables {
		if v == name {
			return true
		}
	}
	if len(name) < 2 || strings.IndexByte("DEG", name[0]) < 0 {
		return false
	}
	for _, c := range name[1:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// FormulaVars builds the variable context of a custom formula.
func FormulaVars(in AllocationInput) formula.Vars {
	sc := in.Service
	bf := sc.Building
	u := in.Unit.Unit

	share := u.Share()
	if u.ShareDenominator.IsZero() {
		share = numeric.Ratio(u.ShareNumerator, bf.ShareTotal)
	}

	uc := sc.Consumption.Unit(u.ID)
	totalConsumption := decimal.Zero
	if sc.Consumption != nil {
		totalConsumption = sc.Consumption.TotalConsumption
	}

	vars := formula.Vars{}
	vars.Set("TOTAL_COST", sc.Cost.Effective)
	vars.Set("UNIT_SHARE", share)
	vars.Set("UNIT_AREA", u.TotalArea)
	vars.Set("UNIT_PEOPLE", in.Unit.PersonMonths)
	vars.Set("UNIT_CONSUMPTION", uc.Consumption)
	vars.Set("TOTAL_CONSUMPTION", totalConsumption)
	vars.Set("TOTAL_AREA", bf.AreaTotal)
	vars.Set("TOTAL_PEOPLE", bf.PeopleTotal)
	vars.Set("UNIT_COUNT", bf.UnitCount)

	for n, row := range in.Rows {
		vars.Set(fmt.Sprintf("D%d", n), row.TotalCost)
		vars.Set(fmt.Sprintf("E%d", n), row.BuildingAmount)
		vars.Set(fmt.Sprintf("G%d", n), row.UnitAmount)
	}
	return vars
}

type noBilling struct{}

func (noBilling) Type() MethodologyType { return MethodNoBilling }

func (noBilling) Allocate(in AllocationInput) Allocation {
	return Allocation{
		UnitCost:     decimal.Zero,
		BuildingCost: in.Service.Cost.Effective,
		Basis:        "not billed",
	}
}
