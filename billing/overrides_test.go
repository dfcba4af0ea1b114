package billing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decp(s string) *decimal.Decimal {
	v := dec(s)
	return &v
}

func TestResolveCost(t *testing.T) {
	tests := []struct {
		name      string
		svc       Service
		base      string
		effective string
		notes     int
	}{
		{"no overrides", Service{}, "1000", "1000", 0},
		{"manual cost", Service{ManualCost: decp("750")}, "1000", "750", 1},
		{"share", Service{ManualSharePercent: decp("40")}, "1000", "400", 1},
		{"share of 100 is a no-op", Service{ManualSharePercent: decp("100")}, "1000", "1000", 0},
		{"cost then share", Service{ManualCost: decp("2000"), ManualSharePercent: decp("25")}, "1000", "500", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ResolveCost(&tt.svc, dec(tt.base))
			assert.True(t, res.Effective.Equal(dec(tt.effective)), "got %s", res.Effective)
			assert.True(t, res.Base.Equal(dec(tt.base)))
			assert.Len(t, res.Notes, tt.notes)
		})
	}
}

func TestResolveDenominatorAndNumerator(t *testing.T) {
	svc := &Service{
		Divisor:       decp("80"),
		UnitOverrides: map[UnitID]decimal.Decimal{"A": dec("5")},
	}

	denom, note := ResolveDenominator(svc, dec("100"))
	assert.True(t, denom.Equal(dec("80")))
	assert.NotEmpty(t, note)

	num, note := ResolveNumerator(svc, "A", dec("12"))
	assert.True(t, num.Equal(dec("5")))
	assert.NotEmpty(t, note)

	num, note = ResolveNumerator(svc, "B", dec("12"))
	assert.True(t, num.Equal(dec("12")))
	assert.Empty(t, note)

	// A zero divisor is treated as unset.
	denom, note = ResolveDenominator(&Service{Divisor: decp("0")}, dec("100"))
	assert.True(t, denom.Equal(dec("100")))
	assert.Empty(t, note)
}

func TestApplyPrecalculated(t *testing.T) {
	a := Allocation{UnitCost: dec("800"), UnitAmount: dec("20"), Degraded: true, Basis: "meter reading"}

	unchanged := ApplyPrecalculated(a, UnitConsumption{Consumption: dec("20")})
	assert.Equal(t, a, unchanged)

	got := ApplyPrecalculated(a, UnitConsumption{Consumption: dec("20"), PrecalculatedCost: dec("500"), HasPrecalculated: true})
	assert.True(t, got.UnitCost.Equal(dec("500")))
	assert.True(t, got.UnitAmount.Equal(dec("20")))
	assert.False(t, got.Degraded)
	assert.Contains(t, got.Basis, "precalculated cost 500")
}

func TestConsumptionIndex_LatestReadingPerMeter(t *testing.T) {
	// GIVEN: Two readings for m1, the later one has no explicit consumption
	// THEN: The later one wins and End-Start is used; negative deltas clamp

	jan := time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC)
	dec31 := time.Date(2025, time.December, 31, 0, 0, 0, 0, time.UTC)
	readings := []MeterReading{
		{ID: "1", MeterID: "m1", ReadAt: jan, Consumption: decp("99")},
		{ID: "2", MeterID: "m1", ReadAt: dec31, StartValue: decp("100"), EndValue: decp("142.5")},
		{ID: "3", MeterID: "m2", ReadAt: dec31, StartValue: decp("50"), EndValue: decp("40")},
	}
	idx := NewConsumptionIndex(readings)

	svc := &Service{ID: "hw", DataSource: &DataSource{MeterTypes: []MeterType{MeterHotWater}}}
	unit := Unit{ID: "A", Meters: []Meter{
		{ID: "m1", Type: MeterHotWater},
		{ID: "m2", Type: MeterHotWater},
		{ID: "m3", Type: MeterColdWater, ServiceID: "hw"},
		{ID: "m4", Type: MeterHeating},
	}}

	uc := idx.ForUnit(svc, unit)

	assert.True(t, uc.Consumption.Equal(dec("42.5")), "got %s", uc.Consumption)
	assert.Equal(t, 3, uc.Meters, "designated meter counts even with another type")
	assert.Equal(t, 2, uc.Readings)
	assert.False(t, uc.HasPrecalculated)
}
