package billing

import (
	"github.com/shopspring/decimal"

	"github.com/warp/allocation-engine/numeric"
)

// =============================================================================
// BALANCE - advances against allocated cost
// =============================================================================

type unitLedger struct {
	byService map[ServiceID]decimal.Decimal

	prescribed decimal.Decimal
	paid       decimal.Decimal

	monthlyPrescribed [12]decimal.Decimal
	monthlyPaid       [12]decimal.Decimal

	hasPrescriptions bool
}

func newUnitLedger() *unitLedger {
	l := &unitLedger{
		byService:  make(map[ServiceID]decimal.Decimal),
		prescribed: decimal.Zero,
		paid:       decimal.Zero,
	}
	for i := range l.monthlyPrescribed {
		l.monthlyPrescribed[i] = decimal.Zero
		l.monthlyPaid[i] = decimal.Zero
	}
	return l
}

// BalanceIndex holds prescribed and paid advances per unit for one year.
type BalanceIndex struct {
	units map[UnitID]*unitLedger
}

// NewBalanceIndex groups advances and payments of year by unit.
// Records of other years are ignored. Months outside 1..12 count towards
// the totals but not the monthly arrays.
func NewBalanceIndex(year int, advances []AdvanceMonthly, payments []Payment) *BalanceIndex {
	bi := &BalanceIndex{units: make(map[UnitID]*unitLedger)}

	for _, a := range advances {
		if a.Year != year {
			continue
		}
		l := bi.ledger(a.UnitID)
		l.hasPrescriptions = true
		l.prescribed = l.prescribed.Add(a.Amount)
		l.byService[a.ServiceID] = l.byService[a.ServiceID].Add(a.Amount)
		if m := a.Month - 1; m >= 0 && m < 12 {
			l.monthlyPrescribed[m] = l.monthlyPrescribed[m].Add(a.Amount)
		}
	}

	for _, p := range payments {
		if p.Year != year {
			continue
		}
		l := bi.ledger(p.UnitID)
		l.paid = l.paid.Add(p.Amount)
		if m := p.Month - 1; m >= 0 && m < 12 {
			l.monthlyPaid[m] = l.monthlyPaid[m].Add(p.Amount)
		}
	}

	return bi
}

func (bi *BalanceIndex) ledger(id UnitID) *unitLedger {
	l, ok := bi.units[id]
	if !ok {
		l = newUnitLedger()
		bi.units[id] = l
	}
	return l
}

// ServiceAdvance returns the advances prescribed to unit for service.
func (bi *BalanceIndex) ServiceAdvance(unit UnitID, service ServiceID) decimal.Decimal {
	if l, ok := bi.units[unit]; ok {
		return l.byService[service]
	}
	return decimal.Zero
}

// Settle builds the unit's BillingResult from its service lines.
//
// TotalCost is the exact sum of line costs. Prescribed advances fall back
// to payments when the unit has no prescription records. Only Result is
// rounded, to whole currency units.
func (bi *BalanceIndex) Settle(unit UnitID, lines []BillingServiceCost, repairFund decimal.Decimal) BillingResult {
	l, ok := bi.units[unit]
	if !ok {
		l = newUnitLedger()
	}

	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.UnitCost)
	}

	prescribed := l.prescribed
	monthly := l.monthlyPrescribed
	if !l.hasPrescriptions {
		prescribed = l.paid
		monthly = l.monthlyPaid
	}

	return BillingResult{
		UnitID:                 unit,
		TotalCost:              total,
		TotalAdvancePrescribed: prescribed,
		TotalAdvancePaid:       l.paid,
		RepairFund:             repairFund,
		Result:                 numeric.Round(prescribed.Sub(total)),
		MonthlyPrescriptions:   monthly,
		MonthlyPayments:        l.monthlyPaid,
		ServiceCosts:           lines,
	}
}
