package billing

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// CONSUMPTION AGGREGATOR - meter readings summed per unit and building
// =============================================================================

// UnitConsumption is what a unit's matching meters report for one service.
type UnitConsumption struct {
	Consumption decimal.Decimal

	// PrecalculatedCost is the sum of imported costs on the unit's readings.
	// Only meaningful when HasPrecalculated is true.
	PrecalculatedCost decimal.Decimal
	HasPrecalculated  bool

	Meters   int
	Readings int
}

// ServiceConsumption aggregates UnitConsumption over the building.
type ServiceConsumption struct {
	PerUnit            map[UnitID]UnitConsumption
	TotalConsumption   decimal.Decimal
	TotalPrecalculated decimal.Decimal
	Meters             int
	Readings           int
}

// Unit returns the consumption of one unit (zero value if none).
func (sc *ServiceConsumption) Unit(id UnitID) UnitConsumption {
	if sc == nil {
		return UnitConsumption{}
	}
	return sc.PerUnit[id]
}

// ConsumptionIndex keeps the latest reading per meter for a year.
type ConsumptionIndex struct {
	latest map[MeterID]MeterReading
}

// NewConsumptionIndex indexes readings, keeping the latest per meter. Ties
// on ReadAt are broken by the larger reading ID so the choice is stable.
func NewConsumptionIndex(readings []MeterReading) *ConsumptionIndex {
	idx := &ConsumptionIndex{latest: make(map[MeterID]MeterReading, len(readings))}
	for _, r := range readings {
		cur, ok := idx.latest[r.MeterID]
		if !ok || r.ReadAt.After(cur.ReadAt) || (r.ReadAt.Equal(cur.ReadAt) && r.ID > cur.ID) {
			idx.latest[r.MeterID] = r
		}
	}
	return idx
}

// Latest returns the reading kept for meter id.
func (ci *ConsumptionIndex) Latest(id MeterID) (MeterReading, bool) {
	r, ok := ci.latest[id]
	return r, ok
}

// MeterFeedsService reports whether m contributes to svc: either it is
// designated for the service or its type is in the service's data source.
func MeterFeedsService(svc *Service, m Meter) bool {
	if m.ServiceID != "" && m.ServiceID == svc.ID {
		return true
	}
	return svc.DataSource.Includes(m.Type)
}

// ForService sums matching meters of every unit.
func (ci *ConsumptionIndex) ForService(svc *Service, units []Unit) *ServiceConsumption {
	out := &ServiceConsumption{
		PerUnit:            make(map[UnitID]UnitConsumption, len(units)),
		TotalConsumption:   decimal.Zero,
		TotalPrecalculated: decimal.Zero,
	}
	for _, u := range units {
		uc := ci.ForUnit(svc, u)
		out.PerUnit[u.ID] = uc
		out.TotalConsumption = out.TotalConsumption.Add(uc.Consumption)
		if uc.HasPrecalculated {
			out.TotalPrecalculated = out.TotalPrecalculated.Add(uc.PrecalculatedCost)
		}
		out.Meters += uc.Meters
		out.Readings += uc.Readings
	}
	return out
}

// ForUnit sums the unit's matching meters.
func (ci *ConsumptionIndex) ForUnit(svc *Service, u Unit) UnitConsumption {
	uc := UnitConsumption{Consumption: decimal.Zero, PrecalculatedCost: decimal.Zero}
	for _, m := range u.Meters {
		if !MeterFeedsService(svc, m) {
			continue
		}
		uc.Meters++
		r, ok := ci.latest[m.ID]
		if !ok {
			continue
		}
		uc.Readings++
		uc.Consumption = uc.Consumption.Add(r.Usage())
		if r.PrecalculatedCost != nil {
			uc.PrecalculatedCost = uc.PrecalculatedCost.Add(*r.PrecalculatedCost)
			uc.HasPrecalculated = true
		}
	}
	return uc
}
