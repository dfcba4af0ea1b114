/*
Package formula evaluates user-authored cost formulas.

PURPOSE:
  Services with the custom_formula methodology carry an arithmetic
  expression such as

      TOTAL_COST * UNIT_SHARE
      (D3 - 120) * UNIT_AREA / TOTAL_AREA + 15

  The expression is parsed by a small recursive-descent parser and
  evaluated with decimal arithmetic against a caller-supplied variable
  table. Nothing else is reachable from a formula: no function calls, no
  host-language evaluation, no ambient state.

GRAMMAR:
  expr    = term { ("+" | "-") term }
  term    = unary { ("*" | "/") unary }
  unary   = ("+" | "-") unary | primary
  primary = NUMBER | IDENT | "(" expr ")"

  NUMBER  = digits [ "." digits ]          (e.g. 12, 0.25, .5)
  IDENT   = letter { letter | digit | "_" } (case-insensitive)

ERRORS:
  *SyntaxError          malformed input (with byte offset)
  ErrUndefinedVariable  identifier not present in the variable table
  ErrDivisionByZero     "/" with a zero right-hand side

SEE ALSO:
  - billing/methodology.go: customFormula builds the variable table
*/
package formula

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrUndefinedVariable is returned when a formula references an unknown name.
	ErrUndefinedVariable = errors.New("undefined variable")

	// ErrDivisionByZero is returned when a formula divides by zero.
	ErrDivisionByZero = errors.New("division by zero")

	// ErrEmpty is returned for a blank formula.
	ErrEmpty = errors.New("empty formula")
)

// SyntaxError describes a parse failure.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at %d: %s", e.Pos, e.Msg)
}

// Vars maps upper-case variable names to values.
type Vars map[string]decimal.Decimal

// Set stores v under the normalized name.
func (v Vars) Set(name string, value decimal.Decimal) {
	v[strings.ToUpper(name)] = value
}

// Expression is a parsed formula, safe to evaluate many times.
type Expression struct {
	src  string
	root node
}

// Parse compiles src into an Expression.
func Parse(src string) (*Expression, error) {
	if strings.TrimSpace(src) == "" {
		return nil, ErrEmpty
	}
	p := &parser{lex: newLexer(src)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, &SyntaxError{Pos: p.tok.pos, Msg: fmt.Sprintf("unexpected %q", p.tok.text)}
	}
	return &Expression{src: src, root: root}, nil
}

// String returns the source text.
func (e *Expression) String() string { return e.src }

// Variables returns the distinct identifiers referenced, sorted.
func (e *Expression) Variables() []string {
	seen := make(map[string]bool)
	e.root.collect(seen)
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Eval evaluates the expression against vars.
func (e *Expression) Eval(vars Vars) (decimal.Decimal, error) {
	return e.root.eval(vars)
}

// Evaluate parses and evaluates src in one step.
func Evaluate(src string, vars Vars) (decimal.Decimal, error) {
	expr, err := Parse(src)
	if err != nil {
		return decimal.Zero, err
	}
	return expr.Eval(vars)
}
