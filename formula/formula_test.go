package formula_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/allocation-engine/formula"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestEvaluate_TotalCostTimesShare(t *testing.T) {
	// GIVEN: TOTAL_COST=1000 and a unit holding a quarter share
	// WHEN: evaluating TOTAL_COST * UNIT_SHARE
	// THEN: the unit pays 250
	vars := formula.Vars{"TOTAL_COST": dec("1000"), "UNIT_SHARE": dec("0.25")}

	got, err := formula.Evaluate("TOTAL_COST * UNIT_SHARE", vars)
	require.NoError(t, err)
	assert.True(t, got.Equal(dec("250")), "got %s", got)
}

func TestEvaluate_Precedence(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"1 + 2 * 3", "7"},
		{"(1 + 2) * 3", "9"},
		{"10 - 4 - 3", "3"},
		{"100 / 4 / 5", "5"},
		{"-3 + 5", "2"},
		{"-(2 + 3) * 2", "-10"},
		{"+4", "4"},
		{"  .5 *   8 ", "4"},
		{"2.5*4", "10"},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			got, err := formula.Evaluate(tt.src, nil)
			require.NoError(t, err)
			assert.True(t, got.Equal(dec(tt.want)), "%s = %s, want %s", tt.src, got, tt.want)
		})
	}
}

func TestEvaluate_RowReferencesAreCaseInsensitive(t *testing.T) {
	vars := formula.Vars{}
	vars.Set("d3", dec("1200"))
	vars.Set("G3", dec("40"))
	vars.Set("E3", dec("160"))

	got, err := formula.Evaluate("d3 * g3 / e3", vars)
	require.NoError(t, err)
	assert.True(t, got.Equal(dec("300")))
}

func TestEvaluate_Errors(t *testing.T) {
	t.Run("undefined variable", func(t *testing.T) {
		_, err := formula.Evaluate("TOTAL_COST * NOPE", formula.Vars{"TOTAL_COST": dec("1")})
		assert.ErrorIs(t, err, formula.ErrUndefinedVariable)
	})

	t.Run("division by zero", func(t *testing.T) {
		_, err := formula.Evaluate("TOTAL_COST / TOTAL_AREA", formula.Vars{"TOTAL_COST": dec("1"), "TOTAL_AREA": decimal.Zero})
		assert.ErrorIs(t, err, formula.ErrDivisionByZero)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := formula.Evaluate("   ", nil)
		assert.ErrorIs(t, err, formula.ErrEmpty)
	})

	syntax := []string{
		"1 +",
		"(1 + 2",
		"1 2",
		"1..2",
		"TOTAL_COST; rm -rf /",
		"alert(1)",
		"2 ** 3",
		")",
	}
	for _, src := range syntax {
		t.Run("syntax "+src, func(t *testing.T) {
			_, err := formula.Evaluate(src, formula.Vars{"TOTAL_COST": dec("1"), "ALERT": dec("1")})
			var se *formula.SyntaxError
			assert.ErrorAs(t, err, &se)
		})
	}
}

func TestParse_DeepNestingRejected(t *testing.T) {
	src := ""
	for i := 0; i < 200; i++ {
		src += "("
	}
	src += "1"
	for i := 0; i < 200; i++ {
		src += ")"
	}
	_, err := formula.Parse(src)
	var se *formula.SyntaxError
	assert.ErrorAs(t, err, &se)
}

func TestExpression_Variables(t *testing.T) {
	expr, err := formula.Parse("total_cost * UNIT_AREA / TOTAL_AREA + D1")
	require.NoError(t, err)
	assert.Equal(t, []string{"D1", "TOTAL_AREA", "TOTAL_COST", "UNIT_AREA"}, expr.Variables())
}

func TestExpression_ReusableAcrossUnits(t *testing.T) {
	expr, err := formula.Parse("TOTAL_COST * UNIT_AREA / TOTAL_AREA")
	require.NoError(t, err)

	a, err := expr.Eval(formula.Vars{"TOTAL_COST": dec("1000"), "UNIT_AREA": dec("60"), "TOTAL_AREA": dec("200")})
	require.NoError(t, err)
	b, err := expr.Eval(formula.Vars{"TOTAL_COST": dec("1000"), "UNIT_AREA": dec("140"), "TOTAL_AREA": dec("200")})
	require.NoError(t, err)

	assert.True(t, a.Add(b).Equal(dec("1000")))
}
