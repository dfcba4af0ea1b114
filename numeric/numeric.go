/*
Package numeric guards every arithmetic step of the allocation engine.

PURPOSE:
  Costs, areas and meter values enter the system as decimal strings (JSON
  bodies, SQLite TEXT columns) and are computed as decimal.Decimal. Floats
  appear only on the way out, for spreadsheet cells. No division may panic
  and no float handed to a transport may be NaN or Infinity.

RULES:
  - Malformed stored values parse as zero (see Parse)
  - NaN / +Inf / -Inf going out as a float are coerced to zero
  - Division by zero yields zero (callers record WHY in their basis text)
  - Rounding to whole currency units happens only at the very end of a
    calculation (see Round)

EXAMPLE:
  share := numeric.Ratio(unitArea, totalArea)   // 0 when totalArea is 0
  cost  := numeric.Prorate(total, unitArea, totalArea)

SEE ALSO:
  - billing/methodology.go: every proration goes through Prorate
  - report/xlsx.go: cell values go through ToFloat
*/
package numeric

import (
	"math"

	"github.com/shopspring/decimal"
)

// Hundred is used for percentage scaling.
var Hundred = decimal.NewFromInt(100)

// Twelve is the number of billable months in a year.
var Twelve = decimal.NewFromInt(12)

// Finite reports whether f is a usable real number.
func Finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// SafeFloat returns f, or 0 if f is NaN or infinite.
func SafeFloat(f float64) float64 {
	if !Finite(f) {
		return 0
	}
	return f
}

// ToFloat converts a decimal back to a float for transports that need one
// (JSON numbers, XLSX cells).
func ToFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return SafeFloat(f)
}

// Parse parses s, returning zero for empty or malformed input.
func Parse(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Div divides a by b. Division by zero yields zero.
func Div(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return decimal.Zero
	}
	return a.Div(b)
}

// Ratio is Div under a name that reads better for shares.
func Ratio(part, whole decimal.Decimal) decimal.Decimal {
	return Div(part, whole)
}

// Prorate returns total × part / whole, computed as (total × part) / whole
// to keep precision. Zero when whole is zero.
func Prorate(total, part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return total.Mul(part).Div(whole)
}

// Percent scales v by pct/100.
func Percent(v, pct decimal.Decimal) decimal.Decimal {
	return v.Mul(pct).Div(Hundred)
}

// MonthFraction returns months/12 for months clamped to [0, 12].
func MonthFraction(months int) decimal.Decimal {
	if months <= 0 {
		return decimal.Zero
	}
	if months >= 12 {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(int64(months)).Div(Twelve)
}

// NonNegative clamps d at zero.
func NonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// Round rounds to whole currency units, half away from zero.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(0)
}
