/*
overrides.go - Manual and imported overrides

PURPOSE:
  Merges the layers of truth for one service. A methodology computes a
  value; a user may override parts of it; an import may supply the final
  cost outright. Each applied layer leaves a note in the basis text.

PRIORITY (highest first):
  1. Precalculated meter cost   - replaces the unit cost (meter services only)
  2. Manual cost                - replaces the building-wide cost
  3. Manual share percentage    - scales the building-wide cost by share/100
  4. Divisor                    - replaces the building denominator
  5. Per-unit override          - replaces the unit numerator
  6. Methodology value          - fallback

  Cost-side layers (2, 3) are applied once per service, before any
  denominator or numerator layer. Layers compose: a manual cost and a
  per-unit override both take effect.
*/
package billing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/allocation-engine/numeric"
)

// CostResolution is the building-wide cost of a service after cost-side
// overrides.
type CostResolution struct {
	// Base is the sum of booked costs for the year.
	Base decimal.Decimal

	// Effective is what gets allocated.
	Effective decimal.Decimal

	Notes []string
}

// ResolveCost applies the manual cost, then the manual share percentage.
func ResolveCost(svc *Service, base decimal.Decimal) CostResolution {
	res := CostResolution{Base: base, Effective: base}

	if svc.ManualCost != nil {
		res.Effective = *svc.ManualCost
		res.Notes = append(res.Notes, fmt.Sprintf("manual cost %s replaces %s", svc.ManualCost.String(), base.String()))
	}

	if svc.ManualSharePercent != nil && !svc.ManualSharePercent.Equal(numeric.Hundred) {
		res.Effective = numeric.Percent(res.Effective, *svc.ManualSharePercent)
		res.Notes = append(res.Notes, fmt.Sprintf("share %s%%", svc.ManualSharePercent.String()))
	}

	return res
}

// ResolveDenominator returns the service divisor when one is configured,
// otherwise the computed denominator. The note is empty if nothing changed.
func ResolveDenominator(svc *Service, computed decimal.Decimal) (decimal.Decimal, string) {
	if svc.Divisor != nil && svc.Divisor.IsPositive() {
		return *svc.Divisor, fmt.Sprintf("divisor %s replaces %s", svc.Divisor.String(), computed.String())
	}
	return computed, ""
}

// ResolveNumerator returns the per-unit override for id, if any.
func ResolveNumerator(svc *Service, id UnitID, computed decimal.Decimal) (decimal.Decimal, string) {
	if v, ok := svc.UnitOverrides[id]; ok {
		return v, fmt.Sprintf("unit override %s replaces %s", v.String(), computed.String())
	}
	return computed, ""
}

// ApplyPrecalculated replaces the unit cost with the imported meter cost.
// Consumption already on the allocation is kept for display.
func ApplyPrecalculated(a Allocation, uc UnitConsumption) Allocation {
	if !uc.HasPrecalculated {
		return a
	}
	a.UnitCost = uc.PrecalculatedCost
	a.Degraded = false
	a.Basis = fmt.Sprintf("precalculated cost %s from meter import (consumption %s)",
		uc.PrecalculatedCost.String(), uc.Consumption.String())
	return a
}
