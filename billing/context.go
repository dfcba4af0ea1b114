package billing

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/allocation-engine/formula"
	"github.com/warp/allocation-engine/numeric"
)

// =============================================================================
// DATASET - everything loaded for one run
// =============================================================================

// Dataset is the complete, read-only input of one calculation.
type Dataset struct {
	Building     Building
	Year         int
	Units        []Unit
	Services     []Service
	Costs        []Cost
	Readings     []MeterReading
	PersonMonths []PersonMonth
	Advances     []AdvanceMonthly
	Payments     []Payment
}

// =============================================================================
// BUILDING FACTS - denominators computed once per run
// =============================================================================

// BuildingFacts are the building-wide aggregates shared by every unit.
type BuildingFacts struct {
	Building  Building
	Year      int
	Units     []Unit
	UnitCount decimal.Decimal

	ShareTotal decimal.Decimal

	AreaTotal  decimal.Decimal
	AreaSource string

	Occupancy   Occupancy
	PeopleTotal decimal.Decimal
	PeopleSrc   string

	// Σ of each named unit parameter.
	ParamTotals map[string]decimal.Decimal

	Consumption *ConsumptionIndex
}

// NewBuildingFacts aggregates the roster of ds.
func NewBuildingFacts(ds *Dataset) *BuildingFacts {
	bf := &BuildingFacts{
		Building:    ds.Building,
		Year:        ds.Year,
		Units:       ds.Units,
		ShareTotal:  decimal.Zero,
		ParamTotals: make(map[string]decimal.Decimal),
		Consumption: NewConsumptionIndex(ds.Readings),
	}

	bf.UnitCount = decimal.NewFromInt(int64(len(ds.Units)))
	if o := ds.Building.UnitCountOverride; o != nil && *o > 0 {
		bf.UnitCount = decimal.NewFromInt(int64(*o))
	}

	areaSum := decimal.Zero
	for _, u := range ds.Units {
		bf.ShareTotal = bf.ShareTotal.Add(u.ShareNumerator)
		areaSum = areaSum.Add(u.TotalArea)
		for name, v := range u.Parameters {
			bf.ParamTotals[name] = bf.ParamTotals[name].Add(v)
		}
	}

	switch {
	case positive(ds.Building.ChargeableArea):
		bf.AreaTotal, bf.AreaSource = *ds.Building.ChargeableArea, "building chargeable area"
	case positive(ds.Building.TotalArea):
		bf.AreaTotal, bf.AreaSource = *ds.Building.TotalArea, "building total area"
	default:
		bf.AreaTotal, bf.AreaSource = areaSum, "sum of unit areas"
	}

	bf.Occupancy = ResolveOccupancy(ds.Units, ds.Year, ds.PersonMonths)
	if positive(ds.Building.TotalPeople) {
		bf.PeopleTotal = ds.Building.TotalPeople.Mul(numeric.Twelve)
		bf.PeopleSrc = "building total people × 12"
	} else {
		bf.PeopleTotal = bf.Occupancy.TotalPersonMonths
		bf.PeopleSrc = "sum of unit person-months"
	}

	return bf
}

func positive(d *decimal.Decimal) bool {
	return d != nil && d.IsPositive()
}

// =============================================================================
// SERVICE CONTEXT - per-service values computed once per run
// =============================================================================

// ServiceContext bundles a service with its resolved cost and consumption.
type ServiceContext struct {
	Service  *Service
	Row      int
	Building *BuildingFacts

	Cost CostResolution

	// Set for services that read meters (meter_reading, or any service with
	// a data source, so formulas can see consumption).
	Consumption *ServiceConsumption

	// Parsed once per run for custom_formula services.
	Formula    *formula.Expression
	FormulaErr error
}

// NewServiceContexts resolves cost and consumption for every service,
// numbering rows over all services in configured order.
func NewServiceContexts(ds *Dataset, bf *BuildingFacts) []*ServiceContext {
	services := make([]Service, len(ds.Services))
	copy(services, ds.Services)
	sort.SliceStable(services, func(i, j int) bool { return services[i].Order < services[j].Order })

	costs := make(map[ServiceID]decimal.Decimal)
	for _, c := range ds.Costs {
		if c.Year != ds.Year {
			continue
		}
		costs[c.ServiceID] = costs[c.ServiceID].Add(c.Amount)
	}

	out := make([]*ServiceContext, 0, len(services))
	for i := range services {
		svc := &services[i]
		sc := &ServiceContext{
			Service:  svc,
			Row:      i + 1,
			Building: bf,
		}

		if svc.Methodology == MethodMeterReading || svc.DataSource != nil {
			sc.Consumption = bf.Consumption.ForService(svc, bf.Units)
		}

		if svc.Methodology == MethodCustomFormula {
			sc.Formula, sc.FormulaErr = formula.Parse(svc.CustomFormula)
		}

		base := costs[svc.ID]
		if svc.Methodology == MethodMeterReading && svc.DataSource != nil &&
			svc.DataSource.Column == ColumnPrecalculatedCost && base.IsZero() {
			// Nothing booked: the imported costs are the building total.
			base = sc.Consumption.TotalPrecalculated
		}
		sc.Cost = ResolveCost(svc, base)
		out = append(out, sc)
	}
	return out
}

// =============================================================================
// UNIT CONTEXT
// =============================================================================

// UnitContext is the per-unit view handed to a methodology.
type UnitContext struct {
	Unit         Unit
	Months       int
	PersonMonths decimal.Decimal
	FromRecords  bool
}

// NewUnitContext resolves occupancy figures for u.
func (bf *BuildingFacts) NewUnitContext(u Unit) *UnitContext {
	return &UnitContext{
		Unit:         u,
		Months:       bf.Occupancy.Months[u.ID],
		PersonMonths: bf.Occupancy.PersonMonths[u.ID],
		FromRecords:  bf.Occupancy.FromRecords[u.ID],
	}
}
