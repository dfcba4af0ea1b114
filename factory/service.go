/*
Package factory provides JSON to Go service conversion.

PURPOSE:
  Converts JSON service definitions into billing.Service values. Building
  managers configure services from the admin UI or import files; the
  factory validates them before they reach the store, so the engine only
  sees well-formed configuration.

JSON SCHEMA:
  {
    "id": "hot-water",
    "building_id": "elm-court",
    "code": "TUV",
    "name": "Hot water",
    "methodology": "meter_reading",
    "order": 3,
    "data_source": {"meter_types": ["hot_water"], "column": "consumption"},
    "unit_price": "0.35",
    "unit_overrides": {"u-101": "12.5"}
  }

  Amounts accept JSON numbers or strings. "active" defaults to true.

VALIDATION:
  - id, name and a known methodology are required
  - meter types and the data-source column must be known
  - custom_formula must parse; unknown variables are reported as warnings
  - unit_parameter needs attribute_name
  - overrides must not be negative; the share percent is capped at 100

USAGE:
  f := factory.NewServiceFactory()
  svc, err := f.ParseService(jsonString)

  // Validation without conversion (API preview)
  report := f.Validate(sj)

SEE ALSO:
  - billing/types.go: Service type definition
  - billing/methodology.go: Methodology registry
  - formula/formula.go: Formula syntax
*/
package factory

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/allocation-engine/billing"
	"github.com/warp/allocation-engine/formula"
	"github.com/warp/allocation-engine/numeric"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ServiceJSON is the JSON representation of a service.
type ServiceJSON struct {
	ID                 string                     `json:"id"`
	BuildingID         string                     `json:"building_id"`
	Code               string                     `json:"code,omitempty"`
	Name               string                     `json:"name"`
	Methodology        string                     `json:"methodology"`
	Active             *bool                      `json:"active,omitempty"` // Default true
	Order              int                        `json:"order"`
	RepairFund         bool                       `json:"repair_fund,omitempty"`
	FixedAmountPerUnit *decimal.Decimal           `json:"fixed_amount_per_unit,omitempty"`
	Divisor            *decimal.Decimal           `json:"divisor,omitempty"`
	UnitPrice          *decimal.Decimal           `json:"unit_price,omitempty"`
	ManualCost         *decimal.Decimal           `json:"manual_cost,omitempty"`
	ManualSharePercent *decimal.Decimal           `json:"manual_share_percent,omitempty"`
	CustomFormula      string                     `json:"custom_formula,omitempty"`
	DataSource         *DataSourceJSON            `json:"data_source,omitempty"`
	AttributeName      string                     `json:"attribute_name,omitempty"`
	UnitOverrides      map[string]decimal.Decimal `json:"unit_overrides,omitempty"`
}

// DataSourceJSON selects the meters feeding a meter_reading service.
type DataSourceJSON struct {
	MeterTypes []string `json:"meter_types"`
	Column     string   `json:"column,omitempty"` // consumption (default), precalculated_cost
}

// =============================================================================
// VALIDATION RESULT
// =============================================================================

// FieldError is one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every problem found in a service definition.
type ValidationError struct {
	Problems []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = p.Field + ": " + p.Message
	}
	return "invalid service: " + strings.Join(parts, "; ")
}

// Report is the outcome of Validate. Warnings never block a save.
type Report struct {
	Valid     bool         `json:"valid"`
	Problems  []FieldError `json:"problems,omitempty"`
	Warnings  []string     `json:"warnings,omitempty"`
	Variables []string     `json:"variables,omitempty"`
}

// =============================================================================
// SERVICE FACTORY
// =============================================================================

// ServiceFactory converts JSON services to billing.Service.
type ServiceFactory struct{}

// NewServiceFactory creates a new service factory.
func NewServiceFactory() *ServiceFactory {
	return &ServiceFactory{}
}

// ParseService parses a JSON string into a validated Service.
func (f *ServiceFactory) ParseService(jsonStr string) (*billing.Service, error) {
	var sj ServiceJSON
	if err := json.Unmarshal([]byte(jsonStr), &sj); err != nil {
		return nil, fmt.Errorf("failed to parse service JSON: %w", err)
	}
	return f.FromJSON(sj)
}

// FromJSON validates sj and converts it to a billing.Service.
func (f *ServiceFactory) FromJSON(sj ServiceJSON) (*billing.Service, error) {
	if report := f.Validate(sj); !report.Valid {
		return nil, &ValidationError{Problems: report.Problems}
	}

	svc := &billing.Service{
		ID:                 billing.ServiceID(sj.ID),
		BuildingID:         billing.BuildingID(sj.BuildingID),
		Code:               sj.Code,
		Name:               sj.Name,
		Methodology:        billing.MethodologyType(sj.Methodology),
		Active:             sj.Active == nil || *sj.Active,
		Order:              sj.Order,
		RepairFund:         sj.RepairFund,
		FixedAmountPerUnit: sj.FixedAmountPerUnit,
		Divisor:            sj.Divisor,
		UnitPrice:          sj.UnitPrice,
		ManualCost:         sj.ManualCost,
		ManualSharePercent: sj.ManualSharePercent,
		CustomFormula:      strings.TrimSpace(sj.CustomFormula),
		AttributeName:      sj.AttributeName,
	}

	if sj.DataSource != nil {
		ds := &billing.DataSource{Column: parseColumn(sj.DataSource.Column)}
		for _, mt := range sj.DataSource.MeterTypes {
			ds.MeterTypes = append(ds.MeterTypes, billing.MeterType(mt))
		}
		svc.DataSource = ds
	}

	if len(sj.UnitOverrides) > 0 {
		svc.UnitOverrides = make(map[billing.UnitID]decimal.Decimal, len(sj.UnitOverrides))
		for id, v := range sj.UnitOverrides {
			svc.UnitOverrides[billing.UnitID(id)] = v
		}
	}

	return svc, nil
}

// Validate checks sj without converting it.
func (f *ServiceFactory) Validate(sj ServiceJSON) Report {
	var r Report
	problem := func(field, format string, args ...any) {
		r.Problems = append(r.Problems, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(sj.ID) == "" {
		problem("id", "is required")
	}
	if strings.TrimSpace(sj.Name) == "" {
		problem("name", "is required")
	}

	method := billing.MethodologyType(sj.Methodology)
	if !billing.ValidMethodology(method) {
		problem("methodology", "unknown methodology %q", sj.Methodology)
	}

	if ds := sj.DataSource; ds != nil {
		for _, mt := range ds.MeterTypes {
			if !billing.ValidMeterType(billing.MeterType(mt)) {
				problem("data_source.meter_types", "unknown meter type %q", mt)
			}
		}
		switch billing.SourceColumn(ds.Column) {
		case "", billing.ColumnConsumption, billing.ColumnPrecalculatedCost:
		default:
			problem("data_source.column", "unknown column %q", ds.Column)
		}
	}

	amounts := []struct {
		field string
		value *decimal.Decimal
	}{
		{"fixed_amount_per_unit", sj.FixedAmountPerUnit},
		{"divisor", sj.Divisor},
		{"unit_price", sj.UnitPrice},
		{"manual_cost", sj.ManualCost},
		{"manual_share_percent", sj.ManualSharePercent},
	}
	for _, a := range amounts {
		if a.value != nil && a.value.IsNegative() {
			problem(a.field, "must not be negative")
		}
	}
	if p := sj.ManualSharePercent; p != nil && p.GreaterThan(numeric.Hundred) {
		problem("manual_share_percent", "must not exceed 100")
	}
	ids := make([]string, 0, len(sj.UnitOverrides))
	for id := range sj.UnitOverrides {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if sj.UnitOverrides[id].IsNegative() {
			problem("unit_overrides."+id, "must not be negative")
		}
	}
	if sj.UnitPrice != nil && sj.UnitPrice.IsPositive() {
		// A tariff prices each unit directly: there is no building cost to
		// replace and no denominator to divide by.
		if sj.ManualCost != nil {
			problem("manual_cost", "cannot be combined with unit_price")
		}
		if sj.Divisor != nil {
			problem("divisor", "cannot be combined with unit_price")
		}
	}

	switch method {
	case billing.MethodUnitParameter:
		if strings.TrimSpace(sj.AttributeName) == "" {
			problem("attribute_name", "is required for unit_parameter")
		}
	case billing.MethodMeterReading:
		if sj.DataSource == nil || len(sj.DataSource.MeterTypes) == 0 {
			r.Warnings = append(r.Warnings, "no meter types configured: only meters designated to this service are read")
		}
	case billing.MethodCustomFormula:
		f.validateFormula(sj.CustomFormula, &r, problem)
	}

	r.Valid = len(r.Problems) == 0
	return r
}

func (f *ServiceFactory) validateFormula(src string, r *Report, problem func(field, format string, args ...any)) {
	expr, err := formula.Parse(src)
	if err != nil {
		var syn *formula.SyntaxError
		switch {
		case errors.Is(err, formula.ErrEmpty):
			problem("custom_formula", "is required for custom_formula")
		case errors.As(err, &syn):
			problem("custom_formula", "syntax error at %d: %s", syn.Pos, syn.Msg)
		default:
			problem("custom_formula", "%v", err)
		}
		return
	}
	r.Variables = expr.Variables()
	for _, name := range r.Variables {
		if !billing.IsFormulaVariable(name) {
			r.Warnings = append(r.Warnings, fmt.Sprintf("variable %s is never defined", name))
		}
	}
}

// ToJSON converts a Service to ServiceJSON.
func (f *ServiceFactory) ToJSON(svc *billing.Service) ServiceJSON {
	active := svc.Active
	sj := ServiceJSON{
		ID:                 string(svc.ID),
		BuildingID:         string(svc.BuildingID),
		Code:               svc.Code,
		Name:               svc.Name,
		Methodology:        string(svc.Methodology),
		Active:             &active,
		Order:              svc.Order,
		RepairFund:         svc.RepairFund,
		FixedAmountPerUnit: svc.FixedAmountPerUnit,
		Divisor:            svc.Divisor,
		UnitPrice:          svc.UnitPrice,
		ManualCost:         svc.ManualCost,
		ManualSharePercent: svc.ManualSharePercent,
		CustomFormula:      svc.CustomFormula,
		AttributeName:      svc.AttributeName,
	}
	if svc.DataSource != nil {
		ds := &DataSourceJSON{Column: string(svc.DataSource.Column)}
		for _, mt := range svc.DataSource.MeterTypes {
			ds.MeterTypes = append(ds.MeterTypes, string(mt))
		}
		sj.DataSource = ds
	}
	if len(svc.UnitOverrides) > 0 {
		sj.UnitOverrides = make(map[string]decimal.Decimal, len(svc.UnitOverrides))
		for id, v := range svc.UnitOverrides {
			sj.UnitOverrides[string(id)] = v
		}
	}
	return sj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseColumn(s string) billing.SourceColumn {
	switch s {
	case "precalculated_cost":
		return billing.ColumnPrecalculatedCost
	default:
		return billing.ColumnConsumption
	}
}
