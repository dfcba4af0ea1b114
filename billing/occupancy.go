package billing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/allocation-engine/numeric"
)

// =============================================================================
// OCCUPANCY - months in evidence and person-months per unit
// =============================================================================

// Occupancy holds the per-unit occupancy figures for one year.
type Occupancy struct {
	// Months a unit is charged for (0..12).
	Months map[UnitID]int

	// Person-months per unit. From PersonMonth records when the unit has
	// any, otherwise Residents × Months.
	PersonMonths map[UnitID]decimal.Decimal

	// FromRecords marks units whose person-months come from records.
	FromRecords map[UnitID]bool

	TotalMonths       int
	TotalPersonMonths decimal.Decimal
}

// ResolveOccupancy computes occupancy for all units in year.
//
// Months in evidence, first match wins:
//  1. Ownership intervals: count months overlapped by any interval
//  2. PersonMonth records: count distinct months with a record
//  3. Otherwise the full year (12)
func ResolveOccupancy(units []Unit, year int, records []PersonMonth) Occupancy {
	occ := Occupancy{
		Months:            make(map[UnitID]int, len(units)),
		PersonMonths:      make(map[UnitID]decimal.Decimal, len(units)),
		FromRecords:       make(map[UnitID]bool, len(units)),
		TotalPersonMonths: decimal.Zero,
	}

	byUnit := make(map[UnitID][]PersonMonth)
	for _, pm := range records {
		if pm.Year != year || pm.Month < 1 || pm.Month > 12 {
			continue
		}
		byUnit[pm.UnitID] = append(byUnit[pm.UnitID], pm)
	}

	for _, u := range units {
		recs := byUnit[u.ID]
		months := MonthsInEvidence(u, year, recs)

		var pm decimal.Decimal
		if len(recs) > 0 {
			people := 0
			for _, r := range recs {
				if r.People > 0 {
					people += r.People
				}
			}
			pm = decimal.NewFromInt(int64(people))
			occ.FromRecords[u.ID] = true
		} else {
			pm = decimal.NewFromInt(int64(u.Residents * months))
		}

		occ.Months[u.ID] = months
		occ.PersonMonths[u.ID] = numeric.NonNegative(pm)
		occ.TotalMonths += months
		occ.TotalPersonMonths = occ.TotalPersonMonths.Add(occ.PersonMonths[u.ID])
	}

	return occ
}

// MonthsInEvidence returns how many months of year the unit is charged for.
// records must already be filtered to the unit and year.
func MonthsInEvidence(u Unit, year int, records []PersonMonth) int {
	if len(u.Ownerships) > 0 {
		return ownedMonths(u.Ownerships, year)
	}
	if len(records) > 0 {
		seen := make(map[int]bool)
		for _, r := range records {
			seen[r.Month] = true
		}
		return len(seen)
	}
	return 12
}

func ownedMonths(ownerships []Ownership, year int) int {
	count := 0
	for m := time.January; m <= time.December; m++ {
		start := time.Date(year, m, 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(0, 1, 0).Add(-time.Nanosecond)
		for _, o := range ownerships {
			if overlaps(o, start, end) {
				count++
				break
			}
		}
	}
	return count
}

func overlaps(o Ownership, start, end time.Time) bool {
	from := o.ValidFrom
	if from.After(end) {
		return false
	}
	if o.ValidTo != nil && o.ValidTo.Before(start) {
		return false
	}
	return true
}
