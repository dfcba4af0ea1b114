package billing_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/allocation-engine/billing"
	"github.com/warp/allocation-engine/billing/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const testYear = 2025

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.Truef(t, d(want).Equal(got), "want %s, got %s %v", want, got.String(), msgAndArgs)
}

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *store.Memory
	bid   billing.BuildingID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{t: t, ctx: context.Background(), store: store.NewMemory(), bid: "bldg-1"}
	require.NoError(t, f.store.SaveBuilding(f.ctx, billing.Building{ID: f.bid, Name: "Test House"}))
	return f
}

func (f *fixture) building(mod func(*billing.Building)) {
	b, err := f.store.GetBuilding(f.ctx, f.bid)
	require.NoError(f.t, err)
	mod(b)
	require.NoError(f.t, f.store.SaveBuilding(f.ctx, *b))
}

func (f *fixture) unit(id string, mods ...func(*billing.Unit)) billing.Unit {
	u := billing.Unit{
		ID:               billing.UnitID(id),
		BuildingID:       f.bid,
		Name:             "Unit " + id,
		ShareNumerator:   d("1"),
		ShareDenominator: d("1"),
		TotalArea:        d("50"),
	}
	for _, mod := range mods {
		mod(&u)
	}
	require.NoError(f.t, f.store.SaveUnit(f.ctx, u))
	return u
}

func (f *fixture) service(id string, method billing.MethodologyType, order int, mods ...func(*billing.Service)) billing.Service {
	s := billing.Service{
		ID:          billing.ServiceID(id),
		BuildingID:  f.bid,
		Code:        strings.ToUpper(id),
		Name:        id,
		Methodology: method,
		Active:      true,
		Order:       order,
	}
	for _, mod := range mods {
		mod(&s)
	}
	require.NoError(f.t, f.store.SaveService(f.ctx, s))
	return s
}

func (f *fixture) cost(svc string, amount string) {
	require.NoError(f.t, f.store.SaveCost(f.ctx, billing.Cost{
		ID:        "cost-" + svc,
		ServiceID: billing.ServiceID(svc),
		Year:      testYear,
		Amount:    d(amount),
	}))
}

func (f *fixture) personMonths(unit string, people int) {
	for m := 1; m <= 12; m++ {
		require.NoError(f.t, f.store.SavePersonMonth(f.ctx, billing.PersonMonth{
			UnitID: billing.UnitID(unit), Year: testYear, Month: m, People: people,
		}))
	}
}

func (f *fixture) reading(id, meter string, consumption string, precalculated *decimal.Decimal) {
	require.NoError(f.t, f.store.SaveMeterReading(f.ctx, billing.MeterReading{
		ID:                id,
		MeterID:           billing.MeterID(meter),
		Year:              testYear,
		ReadAt:            time.Date(testYear, time.December, 31, 0, 0, 0, 0, time.UTC),
		Consumption:       dp(consumption),
		PrecalculatedCost: precalculated,
	}))
}

func (f *fixture) engine(opts ...billing.Option) *billing.Engine {
	return billing.NewEngine(f.store, opts...)
}

func (f *fixture) calculate() *billing.CalculationResult {
	f.t.Helper()
	res, err := f.engine().Calculate(f.ctx, f.bid, testYear)
	require.NoError(f.t, err)
	require.True(f.t, res.Success)
	return res
}

func resultFor(t *testing.T, res *billing.CalculationResult, unit string) billing.BillingResult {
	t.Helper()
	for _, r := range res.Results {
		if r.UnitID == billing.UnitID(unit) {
			return r
		}
	}
	t.Fatalf("no result for unit %s", unit)
	return billing.BillingResult{}
}

func lineFor(t *testing.T, r billing.BillingResult, svc string) billing.BillingServiceCost {
	t.Helper()
	for _, l := range r.ServiceCosts {
		if l.ServiceID == billing.ServiceID(svc) {
			return l
		}
	}
	t.Fatalf("no line for service %s on unit %s", svc, r.UnitID)
	return billing.BillingServiceCost{}
}

func withArea(a string) func(*billing.Unit) {
	return func(u *billing.Unit) { u.TotalArea = d(a) }
}

func withShare(num, den string) func(*billing.Unit) {
	return func(u *billing.Unit) {
		u.ShareNumerator = d(num)
		u.ShareDenominator = d(den)
	}
}

func withMeter(id string, mt billing.MeterType) func(*billing.Unit) {
	return func(u *billing.Unit) {
		u.Meters = append(u.Meters, billing.Meter{ID: billing.MeterID(id), UnitID: u.ID, Type: mt})
	}
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestCalculate_EqualSplit_FourUnits(t *testing.T) {
	// GIVEN: 4 units present all year, cost 4000, equal split, no divisor
	// WHEN: Calculating
	// THEN: Every unit pays 1000

	f := newFixture(t)
	for _, id := range []string{"A", "B", "C", "D"} {
		f.unit(id)
	}
	f.service("cleaning", billing.MethodEqualSplit, 1)
	f.cost("cleaning", "4000")

	res := f.calculate()

	assert.Equal(t, 4, res.ProcessedUnits)
	for _, r := range res.Results {
		assertDec(t, "1000", lineFor(t, r, "cleaning").UnitCost, "unit %s", r.UnitID)
	}
}

func TestCalculate_EqualSplit_DivisorOverridesUnitCount(t *testing.T) {
	f := newFixture(t)
	f.unit("A")
	f.unit("B")
	f.service("lift", billing.MethodEqualSplit, 1, func(s *billing.Service) { s.Divisor = dp("5") })
	f.cost("lift", "1000")

	res := f.calculate()

	l := lineFor(t, resultFor(t, res, "A"), "lift")
	assertDec(t, "200", l.UnitCost)
	assertDec(t, "5", l.BuildingUnits)
	assert.Contains(t, l.CalculationBasis, "divisor 5")
}

func TestCalculate_PersonMonths_FromRecords(t *testing.T) {
	// GIVEN: A has 24 person-months, B has 12; cost 900
	// WHEN: Calculating a person_months service
	// THEN: A pays 600, B pays 300

	f := newFixture(t)
	f.unit("A")
	f.unit("B")
	f.personMonths("A", 2)
	f.personMonths("B", 1)
	f.service("water", billing.MethodPersonMonths, 1)
	f.cost("water", "900")

	res := f.calculate()

	a := lineFor(t, resultFor(t, res, "A"), "water")
	b := lineFor(t, resultFor(t, res, "B"), "water")
	assertDec(t, "600", a.UnitCost)
	assertDec(t, "300", b.UnitCost)
	assertDec(t, "24", a.UnitUnits)
	assertDec(t, "36", a.BuildingUnits)
	assert.Contains(t, a.CalculationBasis, "unit person-months from records")
}

func TestCalculate_PersonMonths_FromResidents(t *testing.T) {
	// GIVEN: No person-month records, residents 2 and 1
	// THEN: Residents × 12 months drive the split

	f := newFixture(t)
	f.unit("A", func(u *billing.Unit) { u.Residents = 2 })
	f.unit("B", func(u *billing.Unit) { u.Residents = 1 })
	f.service("water", billing.MethodPersonMonths, 1)
	f.cost("water", "900")

	res := f.calculate()

	assertDec(t, "600", lineFor(t, resultFor(t, res, "A"), "water").UnitCost)
	assertDec(t, "300", lineFor(t, resultFor(t, res, "B"), "water").UnitCost)
}

func TestCalculate_CustomFormula_TotalCostTimesShare(t *testing.T) {
	// GIVEN: Formula TOTAL_COST * UNIT_SHARE, cost 1000, unit share 0.25
	// THEN: Unit cost 250

	f := newFixture(t)
	f.unit("A", withShare("2500", "10000"))
	f.unit("B", withShare("7500", "10000"))
	f.service("admin", billing.MethodCustomFormula, 1, func(s *billing.Service) {
		s.CustomFormula = "TOTAL_COST * UNIT_SHARE"
	})
	f.cost("admin", "1000")

	res := f.calculate()

	l := lineFor(t, resultFor(t, res, "A"), "admin")
	assertDec(t, "250", l.UnitCost)
	assert.Contains(t, l.CalculationBasis, "formula")
}

func TestCalculate_PrecalculatedCostWins(t *testing.T) {
	// GIVEN: Meter service, A's reading carries an imported cost of 500,
	//        consumption split would give A 800
	// WHEN: Calculating
	// THEN: A pays exactly 500, B keeps its proportional share

	f := newFixture(t)
	f.unit("A", withMeter("m-a", billing.MeterColdWater))
	f.unit("B", withMeter("m-b", billing.MeterColdWater))
	f.service("cold", billing.MethodMeterReading, 1, func(s *billing.Service) {
		s.DataSource = &billing.DataSource{MeterTypes: []billing.MeterType{billing.MeterColdWater}, Column: billing.ColumnConsumption}
	})
	f.cost("cold", "2000")
	f.reading("r-a", "m-a", "20", dp("500"))
	f.reading("r-b", "m-b", "30", nil)

	res := f.calculate()

	a := lineFor(t, resultFor(t, res, "A"), "cold")
	assertDec(t, "500", a.UnitCost)
	assertDec(t, "20", a.UnitUnits, "consumption is still recorded")
	assert.Contains(t, a.CalculationBasis, "precalculated")

	assertDec(t, "1200", lineFor(t, resultFor(t, res, "B"), "cold").UnitCost)
}

func TestCalculate_MeterReading_NoMeters(t *testing.T) {
	f := newFixture(t)
	f.unit("A")
	f.service("heat", billing.MethodMeterReading, 1, func(s *billing.Service) {
		s.DataSource = &billing.DataSource{MeterTypes: []billing.MeterType{billing.MeterHeating}}
	})
	f.cost("heat", "1000")

	res := f.calculate()

	l := lineFor(t, resultFor(t, res, "A"), "heat")
	assert.True(t, l.UnitCost.IsZero())
	assert.Contains(t, l.CalculationBasis, "no meters configured")
}

func TestCalculate_MeterReading_Tariff(t *testing.T) {
	f := newFixture(t)
	f.unit("A", withMeter("m-a", billing.MeterElectricity))
	f.service("power", billing.MethodMeterReading, 1, func(s *billing.Service) {
		s.UnitPrice = dp("0.35")
		s.DataSource = &billing.DataSource{MeterTypes: []billing.MeterType{billing.MeterElectricity}}
	})
	f.reading("r-a", "m-a", "1000", nil)

	res := f.calculate()

	l := lineFor(t, resultFor(t, res, "A"), "power")
	assertDec(t, "350", l.UnitCost)
	assertDec(t, "0.35", l.PricePerUnit)
}

func TestCalculate_ZeroAreaIsSafe(t *testing.T) {
	// GIVEN: Area service, every unit has area 0 and no building override
	// THEN: Every unit pays 0 and the basis says why

	f := newFixture(t)
	f.unit("A", withArea("0"))
	f.unit("B", withArea("0"))
	f.service("roof", billing.MethodArea, 1)
	f.cost("roof", "1000")

	res := f.calculate()

	for _, r := range res.Results {
		l := lineFor(t, r, "roof")
		assert.True(t, l.UnitCost.IsZero())
		assert.Contains(t, l.CalculationBasis, "missing total area")
		assert.True(t, r.TotalCost.IsZero())
	}
}

func TestCalculate_AreaUsesChargeableAreaOverride(t *testing.T) {
	f := newFixture(t)
	f.building(func(b *billing.Building) { b.ChargeableArea = dp("200") })
	f.unit("A", withArea("50"))
	f.service("roof", billing.MethodArea, 1)
	f.cost("roof", "1000")

	res := f.calculate()

	assertDec(t, "250", lineFor(t, resultFor(t, res, "A"), "roof").UnitCost)
}

func TestCalculate_AreaUsesBuildingTotalArea(t *testing.T) {
	// GIVEN: Building total area 400, no chargeable area
	// THEN: The building figure is the denominator, not the sum of units

	f := newFixture(t)
	f.building(func(b *billing.Building) { b.TotalArea = dp("400") })
	f.unit("A", withArea("50"))
	f.unit("B", withArea("50"))
	f.service("roof", billing.MethodArea, 1)
	f.cost("roof", "1000")

	res := f.calculate()

	l := lineFor(t, resultFor(t, res, "A"), "roof")
	assertDec(t, "125", l.UnitCost)
	assertDec(t, "400", l.BuildingUnits)
	assert.Contains(t, l.CalculationBasis, "building total area")
}

func TestCalculate_PersonMonths_BuildingPeopleOverride(t *testing.T) {
	// GIVEN: Building total people 5, residents 2 and 1, cost 1200
	// WHEN: Calculating a person_months service
	// THEN: The denominator is 5 × 12 = 60 person-months

	f := newFixture(t)
	f.building(func(b *billing.Building) { b.TotalPeople = dp("5") })
	f.unit("A", func(u *billing.Unit) { u.Residents = 2 })
	f.unit("B", func(u *billing.Unit) { u.Residents = 1 })
	f.service("water", billing.MethodPersonMonths, 1)
	f.cost("water", "1200")

	res := f.calculate()

	a := lineFor(t, resultFor(t, res, "A"), "water")
	assertDec(t, "480", a.UnitCost)
	assertDec(t, "60", a.BuildingUnits)
	assertDec(t, "24", a.UnitUnits)
	assert.Contains(t, a.CalculationBasis, "building total people × 12")
	assert.Contains(t, a.CalculationBasis, "from 2 residents × 12 months")
	assertDec(t, "240", lineFor(t, resultFor(t, res, "B"), "water").UnitCost)
}

func TestCalculate_EqualSplit_UnitCountOverride(t *testing.T) {
	// GIVEN: Two units on record, building unit count override 4, cost 1000
	// WHEN: Calculating an equal split
	// THEN: Each unit pays a quarter; the rest stays with the building

	f := newFixture(t)
	f.building(func(b *billing.Building) {
		n := 4
		b.UnitCountOverride = &n
	})
	f.unit("A")
	f.unit("B")
	f.service("lift", billing.MethodEqualSplit, 1)
	f.cost("lift", "1000")

	res := f.calculate()

	for _, r := range res.Results {
		l := lineFor(t, r, "lift")
		assertDec(t, "250", l.UnitCost, "unit %s", r.UnitID)
		assertDec(t, "4", l.BuildingUnits)
	}
}

func TestCalculate_MeterReading_TariffWithCostOverrides(t *testing.T) {
	// GIVEN: Tariff 2 per unit, consumption 10, a manual cost of 5000 and
	//        a manual share of 50%
	// WHEN: Calculating
	// THEN: The share scales the tariff cost, the manual cost is reported
	//       as not applied

	f := newFixture(t)
	f.unit("A", withMeter("m-a", billing.MeterElectricity))
	f.service("power", billing.MethodMeterReading, 1, func(s *billing.Service) {
		s.UnitPrice = dp("2")
		s.ManualCost = dp("5000")
		s.ManualSharePercent = dp("50")
		s.DataSource = &billing.DataSource{MeterTypes: []billing.MeterType{billing.MeterElectricity}}
	})
	f.reading("r-a", "m-a", "10", nil)

	res := f.calculate()

	l := lineFor(t, resultFor(t, res, "A"), "power")
	assertDec(t, "10", l.UnitCost)
	assert.Contains(t, l.CalculationBasis, "manual cost 5000 not applied to tariff")
	assert.Contains(t, l.CalculationBasis, "share 50%")
	assert.NotContains(t, l.CalculationBasis, "replaces")
}

func TestCalculate_MeterReading_NoReadings(t *testing.T) {
	f := newFixture(t)
	f.unit("A", withMeter("m-a", billing.MeterHeating))
	f.service("heat", billing.MethodMeterReading, 1, func(s *billing.Service) {
		s.DataSource = &billing.DataSource{MeterTypes: []billing.MeterType{billing.MeterHeating}}
	})
	f.cost("heat", "1000")

	res := f.calculate()

	l := lineFor(t, resultFor(t, res, "A"), "heat")
	assert.True(t, l.UnitCost.IsZero())
	assert.Contains(t, l.CalculationBasis, "no readings for the year")
}

func TestCalculate_FixedPerUnit_OwnershipChangeMidYear(t *testing.T) {
	// GIVEN: Fixed 1200 per unit, unit A owned from July
	// THEN: A pays 6/12 of 1200

	f := newFixture(t)
	f.unit("A", func(u *billing.Unit) {
		u.Ownerships = []billing.Ownership{{OwnerName: "New Owner", ValidFrom: time.Date(testYear, time.July, 1, 0, 0, 0, 0, time.UTC)}}
	})
	f.unit("B")
	f.service("fee", billing.MethodFixedPerUnit, 1, func(s *billing.Service) { s.FixedAmountPerUnit = dp("1200") })

	res := f.calculate()

	assertDec(t, "600", lineFor(t, resultFor(t, res, "A"), "fee").UnitCost)
	assertDec(t, "1200", lineFor(t, resultFor(t, res, "B"), "fee").UnitCost)
}

func TestCalculate_FixedPerUnit_FallsBackToMonths(t *testing.T) {
	f := newFixture(t)
	f.unit("A", func(u *billing.Unit) {
		u.Ownerships = []billing.Ownership{{ValidFrom: time.Date(testYear, time.July, 1, 0, 0, 0, 0, time.UTC)}}
	})
	f.unit("B")
	f.service("fee", billing.MethodFixedPerUnit, 1)
	f.cost("fee", "1800")

	res := f.calculate()

	// 6 + 12 = 18 months in evidence
	assertDec(t, "600", lineFor(t, resultFor(t, res, "A"), "fee").UnitCost)
	assertDec(t, "1200", lineFor(t, resultFor(t, res, "B"), "fee").UnitCost)
}

func TestCalculate_UnitParameter(t *testing.T) {
	f := newFixture(t)
	f.unit("A", func(u *billing.Unit) { u.Parameters = map[string]decimal.Decimal{"radiators": d("3")} })
	f.unit("B", func(u *billing.Unit) { u.Parameters = map[string]decimal.Decimal{"radiators": d("1")} })
	f.unit("C")
	f.service("heat", billing.MethodUnitParameter, 1, func(s *billing.Service) { s.AttributeName = "radiators" })
	f.cost("heat", "800")

	res := f.calculate()

	assertDec(t, "600", lineFor(t, resultFor(t, res, "A"), "heat").UnitCost)
	assertDec(t, "200", lineFor(t, resultFor(t, res, "B"), "heat").UnitCost)
	c := lineFor(t, resultFor(t, res, "C"), "heat")
	assert.True(t, c.UnitCost.IsZero())
	assert.Contains(t, c.CalculationBasis, "missing on unit")
}

func TestCalculate_UnknownAndNoBilling(t *testing.T) {
	f := newFixture(t)
	f.unit("A")
	f.service("reserve", billing.MethodNoBilling, 1)
	f.service("weird", billing.MethodologyType("per_window"), 2)
	f.cost("reserve", "500")
	f.cost("weird", "500")

	res := f.calculate()

	r := resultFor(t, res, "A")
	assert.True(t, lineFor(t, r, "reserve").UnitCost.IsZero())
	w := lineFor(t, r, "weird")
	assert.True(t, w.UnitCost.IsZero())
	assert.Contains(t, w.CalculationBasis, "unknown methodology")
}

func TestCalculate_InactiveServiceHasNoLine(t *testing.T) {
	f := newFixture(t)
	f.unit("A")
	f.service("old", billing.MethodEqualSplit, 1, func(s *billing.Service) { s.Active = false })
	f.service("new", billing.MethodEqualSplit, 2)
	f.cost("old", "100")
	f.cost("new", "100")

	res := f.calculate()

	r := resultFor(t, res, "A")
	require.Len(t, r.ServiceCosts, 1)
	assert.Equal(t, billing.ServiceID("new"), r.ServiceCosts[0].ServiceID)
}

// =============================================================================
// OVERRIDES
// =============================================================================

func TestCalculate_OverridesCompose(t *testing.T) {
	// GIVEN: Booked 4000, manual cost 2000, share 50%, A has a per-unit
	//        override of 20 area units
	// THEN: Effective cost 1000; A = 1000×20/100, B = 1000×40/100

	f := newFixture(t)
	f.unit("A", withArea("60"))
	f.unit("B", withArea("40"))
	f.service("roof", billing.MethodArea, 1, func(s *billing.Service) {
		s.ManualCost = dp("2000")
		s.ManualSharePercent = dp("50")
		s.UnitOverrides = map[billing.UnitID]decimal.Decimal{"A": d("20")}
	})
	f.cost("roof", "4000")

	res := f.calculate()

	a := lineFor(t, resultFor(t, res, "A"), "roof")
	assertDec(t, "200", a.UnitCost)
	assertDec(t, "1000", a.BuildingCost)
	assert.Contains(t, a.CalculationBasis, "manual cost 2000")
	assert.Contains(t, a.CalculationBasis, "share 50%")
	assert.Contains(t, a.CalculationBasis, "unit override 20")

	assertDec(t, "400", lineFor(t, resultFor(t, res, "B"), "roof").UnitCost)
}

func TestCalculate_DivisorReplacesDenominator(t *testing.T) {
	f := newFixture(t)
	f.unit("A", withArea("60"))
	f.unit("B", withArea("40"))
	f.service("roof", billing.MethodArea, 1, func(s *billing.Service) { s.Divisor = dp("200") })
	f.cost("roof", "1000")

	res := f.calculate()

	assertDec(t, "300", lineFor(t, resultFor(t, res, "A"), "roof").UnitCost)
}

// =============================================================================
// FORMULAS
// =============================================================================

func TestCalculate_FormulaSeesNonFormulaRowsFirst(t *testing.T) {
	// GIVEN: Row 1 is a formula reading G2, row 2 is an area service
	// THEN: Row 2 is computed before row 1 regardless of configured order

	f := newFixture(t)
	f.unit("A", withArea("75"))
	f.unit("B", withArea("25"))
	f.service("bonus", billing.MethodCustomFormula, 1, func(s *billing.Service) { s.CustomFormula = "g2 * 2" })
	f.service("heat", billing.MethodArea, 2)
	f.cost("heat", "1000")

	res := f.calculate()

	assertDec(t, "150", lineFor(t, resultFor(t, res, "A"), "bonus").UnitCost)
	assertDec(t, "750", lineFor(t, resultFor(t, res, "A"), "heat").UnitCost)
}

func TestCalculate_FormulaErrorsDegradeToZero(t *testing.T) {
	tests := []struct {
		name    string
		formula string
	}{
		{"division by zero", "TOTAL_COST / 0"},
		{"undefined variable", "FOO * 2"},
		{"syntax", "TOTAL_COST * (UNIT_SHARE"},
		{"later formula row", "G2"},
		{"empty", "   "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.unit("A")
			f.service("bad", billing.MethodCustomFormula, 1, func(s *billing.Service) { s.CustomFormula = tt.formula })
			f.service("later", billing.MethodCustomFormula, 2, func(s *billing.Service) { s.CustomFormula = "5" })
			f.cost("bad", "1000")

			res := f.calculate()

			r := resultFor(t, res, "A")
			l := lineFor(t, r, "bad")
			assert.True(t, l.UnitCost.IsZero())
			assert.True(t, strings.HasPrefix(l.CalculationBasis, "formula error"), l.CalculationBasis)
			assertDec(t, "5", lineFor(t, r, "later").UnitCost)
		})
	}
}

// =============================================================================
// BALANCE
// =============================================================================

func TestCalculate_BalanceOwnerOwes(t *testing.T) {
	// GIVEN: Unit cost 12000, prescribed advances 10000
	// THEN: Result -2000

	f := newFixture(t)
	f.unit("A")
	f.service("all", billing.MethodEqualSplit, 1)
	f.cost("all", "12000")
	for m := 1; m <= 10; m++ {
		require.NoError(t, f.store.SaveAdvance(f.ctx, billing.AdvanceMonthly{
			UnitID: "A", ServiceID: "all", Year: testYear, Month: m, Amount: d("1000"),
		}))
	}

	res := f.calculate()

	r := resultFor(t, res, "A")
	assertDec(t, "12000", r.TotalCost)
	assertDec(t, "10000", r.TotalAdvancePrescribed)
	assertDec(t, "-2000", r.Result)
	assertDec(t, "1000", r.MonthlyPrescriptions[0])
	assert.True(t, r.MonthlyPrescriptions[11].IsZero())

	l := lineFor(t, r, "all")
	assertDec(t, "10000", l.UnitAdvance)
	assertDec(t, "-2000", l.UnitBalance)
}

func TestCalculate_PrescribedFallsBackToPaid(t *testing.T) {
	f := newFixture(t)
	f.unit("A")
	f.service("all", billing.MethodEqualSplit, 1)
	f.cost("all", "1000.40")
	require.NoError(t, f.store.SavePayment(f.ctx, billing.Payment{ID: "p1", UnitID: "A", Year: testYear, Month: 3, Amount: d("1200")}))

	res := f.calculate()

	r := resultFor(t, res, "A")
	assertDec(t, "1200", r.TotalAdvancePrescribed)
	assertDec(t, "1200", r.TotalAdvancePaid)
	assertDec(t, "1200", r.MonthlyPayments[2])
	// 199.60 rounds to whole units only at the end
	assertDec(t, "200", r.Result)
}

func TestCalculate_RepairFund(t *testing.T) {
	f := newFixture(t)
	f.unit("A")
	f.unit("B")
	f.service("fund", billing.MethodEqualSplit, 1, func(s *billing.Service) { s.RepairFund = true })
	f.service("water", billing.MethodEqualSplit, 2)
	f.cost("fund", "600")
	f.cost("water", "400")

	res := f.calculate()

	r := resultFor(t, res, "A")
	assertDec(t, "300", r.RepairFund)
	assertDec(t, "500", r.TotalCost)
}

// =============================================================================
// PROPERTIES
// =============================================================================

func mixedBuilding(t *testing.T) *fixture {
	f := newFixture(t)
	f.unit("A", withShare("3333", "10000"), withArea("72.5"), withMeter("m-a", billing.MeterHotWater),
		func(u *billing.Unit) { u.Residents = 3 })
	f.unit("B", withShare("3333", "10000"), withArea("48"), withMeter("m-b", billing.MeterHotWater),
		func(u *billing.Unit) { u.Residents = 1 })
	f.unit("C", withShare("3334", "10000"), withArea("91.25"),
		func(u *billing.Unit) { u.Residents = 2 })

	f.service("insurance", billing.MethodOwnershipShare, 1)
	f.service("roof", billing.MethodArea, 2)
	f.service("elevator", billing.MethodPersonMonths, 3)
	f.service("hot", billing.MethodMeterReading, 4, func(s *billing.Service) {
		s.DataSource = &billing.DataSource{MeterTypes: []billing.MeterType{billing.MeterHotWater}}
	})
	f.service("admin", billing.MethodCustomFormula, 5, func(s *billing.Service) { s.CustomFormula = "D1 * UNIT_SHARE / 10" })

	f.cost("insurance", "1000")
	f.cost("roof", "3333.33")
	f.cost("elevator", "1234.56")
	f.cost("hot", "777")
	f.reading("r-a", "m-a", "13.7", nil)
	f.reading("r-b", "m-b", "9.1", nil)
	return f
}

func TestCalculate_Conservation(t *testing.T) {
	f := mixedBuilding(t)

	res := f.calculate()

	for _, r := range res.Results {
		sum := decimal.Zero
		for _, l := range r.ServiceCosts {
			sum = sum.Add(l.UnitCost)
		}
		assert.True(t, sum.Equal(r.TotalCost), "unit %s: %s != %s", r.UnitID, sum, r.TotalCost)
	}
}

func TestCalculate_OwnershipShareAllocatesEverything(t *testing.T) {
	f := mixedBuilding(t)

	res := f.calculate()

	sum := decimal.Zero
	for _, r := range res.Results {
		sum = sum.Add(lineFor(t, r, "insurance").UnitCost)
	}
	assertDec(t, "1000", sum)
}

func TestCalculate_Idempotent(t *testing.T) {
	// GIVEN: A calculated period
	// WHEN: Calculating again with unchanged inputs
	// THEN: Same period, same figures, no duplicated rows

	f := mixedBuilding(t)

	first := f.calculate()
	second := f.calculate()

	assert.Equal(t, first.BillingPeriod.ID, second.BillingPeriod.ID)
	assert.Equal(t, billing.StatusCalculated, second.BillingPeriod.Status)
	require.NotNil(t, second.BillingPeriod.CalculatedAt)

	stored, err := f.store.ListResults(f.ctx, second.BillingPeriod.ID)
	require.NoError(t, err)
	require.Len(t, stored, 3)

	for i := range first.Results {
		a, b := first.Results[i], stored[i]
		assert.Equal(t, a.UnitID, b.UnitID)
		assert.True(t, a.TotalCost.Equal(b.TotalCost))
		assert.True(t, a.Result.Equal(b.Result))
		require.Len(t, b.ServiceCosts, len(a.ServiceCosts))
		for j := range a.ServiceCosts {
			assert.True(t, a.ServiceCosts[j].UnitCost.Equal(b.ServiceCosts[j].UnitCost))
			assert.Equal(t, a.ServiceCosts[j].CalculationBasis, b.ServiceCosts[j].CalculationBasis)
		}
	}
}

func TestCalculate_DeterministicAcrossWorkerCounts(t *testing.T) {
	f := mixedBuilding(t)

	one, err := f.engine(billing.WithWorkers(1)).Calculate(f.ctx, f.bid, testYear)
	require.NoError(t, err)
	many, err := f.engine(billing.WithWorkers(8)).Calculate(f.ctx, f.bid, testYear)
	require.NoError(t, err)

	for i := range one.Results {
		assert.Equal(t, one.Results[i].UnitID, many.Results[i].UnitID)
		assert.True(t, one.Results[i].TotalCost.Equal(many.Results[i].TotalCost))
	}
}

// =============================================================================
// FAILURES
// =============================================================================

func TestCalculate_BuildingNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine().Calculate(f.ctx, "nope", testYear)

	require.Error(t, err)
	assert.True(t, billing.IsNotFound(err))
	var calcErr *billing.CalculationError
	require.ErrorAs(t, err, &calcErr)
	assert.Equal(t, billing.StageLoad, calcErr.Stage)
}

func TestCalculate_InvalidYear(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine().Calculate(f.ctx, f.bid, 12)

	assert.ErrorIs(t, err, billing.ErrInvalidYear)
	assert.True(t, billing.IsClientError(err))
}

var errDiskFull = errors.New("disk full")

type failingStore struct {
	*store.Memory
	saveOK int
}

func (s *failingStore) WithTx(ctx context.Context, fn func(billing.ResultWriter) error) error {
	return s.Memory.WithTx(ctx, func(w billing.ResultWriter) error {
		return fn(&failingWriter{ResultWriter: w, left: s.saveOK})
	})
}

type failingWriter struct {
	billing.ResultWriter
	left int
}

func (w *failingWriter) SaveResult(ctx context.Context, r billing.BillingResult) error {
	if w.left == 0 {
		return errDiskFull
	}
	w.left--
	return w.ResultWriter.SaveResult(ctx, r)
}

func TestCalculate_PersistFailureKeepsPreviousResults(t *testing.T) {
	// GIVEN: A calculated period (1000 per unit)
	// WHEN: Costs change and the next run fails after saving one unit
	// THEN: The error surfaces and the old results are untouched

	f := newFixture(t)
	for _, id := range []string{"A", "B", "C", "D"} {
		f.unit(id)
	}
	f.service("cleaning", billing.MethodEqualSplit, 1)
	f.cost("cleaning", "4000")
	first := f.calculate()

	f.cost("cleaning", "8000")
	broken := billing.NewEngine(&failingStore{Memory: f.store, saveOK: 1})
	_, err := broken.Calculate(f.ctx, f.bid, testYear)

	require.Error(t, err)
	assert.ErrorIs(t, err, billing.ErrPersistFailed)
	assert.ErrorIs(t, err, errDiskFull)

	stored, err := f.store.ListResults(f.ctx, first.BillingPeriod.ID)
	require.NoError(t, err)
	require.Len(t, stored, 4)
	for _, r := range stored {
		assertDec(t, "1000", r.TotalCost)
	}
}

// blockingStore holds the first GetBuilding call until release is closed.
type blockingStore struct {
	*store.Memory
	blocked atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStore) GetBuilding(ctx context.Context, id billing.BuildingID) (*billing.Building, error) {
	if s.blocked.CompareAndSwap(false, true) {
		close(s.entered)
		<-s.release
	}
	return s.Memory.GetBuilding(ctx, id)
}

func TestCalculate_RejectsConcurrentRunForSameKey(t *testing.T) {
	// GIVEN: A run for (bldg-1, 2025) in progress
	// WHEN: A second run for the same key starts
	// THEN: It fails with ErrCalculationInProgress; other years still run

	f := newFixture(t)
	f.unit("A")
	bs := &blockingStore{Memory: f.store, entered: make(chan struct{}), release: make(chan struct{})}
	engine := billing.NewEngine(bs)

	done := make(chan error, 1)
	go func() {
		_, err := engine.Calculate(f.ctx, f.bid, testYear)
		done <- err
	}()
	<-bs.entered

	_, err := engine.Calculate(f.ctx, f.bid, testYear)
	assert.ErrorIs(t, err, billing.ErrCalculationInProgress)
	assert.True(t, billing.IsConflict(err))

	_, err = engine.Calculate(f.ctx, f.bid, testYear-1)
	assert.NoError(t, err)

	close(bs.release)
	require.NoError(t, <-done)

	_, err = engine.Calculate(f.ctx, f.bid, testYear)
	assert.NoError(t, err, "slot is released after the run")
}

type countingRecorder struct {
	mu       sync.Mutex
	outcomes []string
	degraded int
}

func (r *countingRecorder) CalculationFinished(outcome string, _ time.Duration, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *countingRecorder) LineDegraded(billing.MethodologyType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.degraded++
}

func TestCalculate_RecordsMetrics(t *testing.T) {
	f := newFixture(t)
	f.unit("A", withArea("0"))
	f.unit("B", withArea("0"))
	f.service("roof", billing.MethodArea, 1)
	rec := &countingRecorder{}

	_, err := f.engine(billing.WithRecorder(rec)).Calculate(f.ctx, f.bid, testYear)

	require.NoError(t, err)
	assert.Equal(t, []string{"success"}, rec.outcomes)
	assert.Equal(t, 2, rec.degraded)
}
