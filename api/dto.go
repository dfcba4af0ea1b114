/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

AMOUNTS:
  Money and quantities are decimal.Decimal, serialized as JSON strings
  ("1234.5") so clients never see float rounding.

TYPES:
  Buildings:   BuildingDTO, UnitDTO
  Billing:     PeriodDTO, ResultDTO, ServiceCostDTO, CalculateResponse,
               BillingResponse
  Services:    ValidateServiceResponse (wraps factory.Report)
  Scenarios:   ScenarioDTO, LoadScenarioRequest

SEE ALSO:
  - handlers.go: Uses these types
  - factory/service.go: ServiceJSON type
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/allocation-engine/billing"
	"github.com/warp/allocation-engine/factory"
)

// =============================================================================
// BUILDINGS
// =============================================================================

// BuildingDTO represents a building in API responses.
type BuildingDTO struct {
	ID             string                `json:"id"`
	Name           string                `json:"name"`
	Address        string                `json:"address,omitempty"`
	TotalArea      *decimal.Decimal      `json:"total_area,omitempty"`
	ChargeableArea *decimal.Decimal      `json:"chargeable_area,omitempty"`
	TotalPeople    *decimal.Decimal      `json:"total_people,omitempty"`
	UnitCount      int                   `json:"unit_count"`
	Units          []UnitDTO             `json:"units,omitempty"`
	Services       []factory.ServiceJSON `json:"services,omitempty"`
}

// UnitDTO represents a unit in API responses.
type UnitDTO struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	OwnerName string          `json:"owner_name,omitempty"`
	Share     decimal.Decimal `json:"share"`
	TotalArea decimal.Decimal `json:"total_area"`
	Residents int             `json:"residents"`
	Meters    int             `json:"meters"`
}

// =============================================================================
// BILLING
// =============================================================================

// PeriodDTO represents a billing period.
type PeriodDTO struct {
	ID           string  `json:"id"`
	BuildingID   string  `json:"building_id"`
	Year         int     `json:"year"`
	Status       string  `json:"status"`
	CalculatedAt *string `json:"calculated_at,omitempty"`
}

// ServiceCostDTO is one line of a unit's breakdown.
type ServiceCostDTO struct {
	ServiceID        string          `json:"service_id"`
	ServiceName      string          `json:"service_name,omitempty"`
	BuildingCost     decimal.Decimal `json:"building_cost"`
	BuildingUnits    decimal.Decimal `json:"building_units"`
	UnitUnits        decimal.Decimal `json:"unit_units"`
	PricePerUnit     decimal.Decimal `json:"price_per_unit"`
	UnitCost         decimal.Decimal `json:"unit_cost"`
	UnitAdvance      decimal.Decimal `json:"unit_advance"`
	UnitBalance      decimal.Decimal `json:"unit_balance"`
	CalculationBasis string          `json:"calculation_basis"`
}

// ResultDTO is one unit's settlement.
type ResultDTO struct {
	ID                     string              `json:"id"`
	UnitID                 string              `json:"unit_id"`
	UnitName               string              `json:"unit_name,omitempty"`
	TotalCost              decimal.Decimal     `json:"total_cost"`
	TotalAdvancePrescribed decimal.Decimal     `json:"total_advance_prescribed"`
	TotalAdvancePaid       decimal.Decimal     `json:"total_advance_paid"`
	RepairFund             decimal.Decimal     `json:"repair_fund"`
	Result                 decimal.Decimal     `json:"result"`
	MonthlyPrescriptions   [12]decimal.Decimal `json:"monthly_prescriptions"`
	MonthlyPayments        [12]decimal.Decimal `json:"monthly_payments"`
	ServiceCosts           []ServiceCostDTO    `json:"service_costs"`
}

// CalculateResponse is returned by the calculate endpoint.
type CalculateResponse struct {
	Success        bool      `json:"success"`
	ProcessedUnits int       `json:"processed_units"`
	BillingPeriod  PeriodDTO `json:"billing_period"`
}

// BillingResponse is a stored period with all its results.
type BillingResponse struct {
	Period  PeriodDTO   `json:"billing_period"`
	Results []ResultDTO `json:"results"`
}

// ValidateServiceResponse reports whether a service definition is usable.
type ValidateServiceResponse struct {
	factory.Report
	Service *factory.ServiceJSON `json:"service,omitempty"`
}

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Year        int    `json:"year"`
}

// LoadScenarioRequest selects a scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toPeriodDTO(p billing.BillingPeriod) PeriodDTO {
	dto := PeriodDTO{
		ID:         string(p.ID),
		BuildingID: string(p.BuildingID),
		Year:       p.Year,
		Status:     string(p.Status),
	}
	if p.CalculatedAt != nil {
		s := p.CalculatedAt.UTC().Format(time.RFC3339)
		dto.CalculatedAt = &s
	}
	return dto
}

func toResultDTO(r billing.BillingResult, unitNames map[billing.UnitID]string, serviceNames map[billing.ServiceID]string) ResultDTO {
	dto := ResultDTO{
		ID:                     string(r.ID),
		UnitID:                 string(r.UnitID),
		UnitName:               unitNames[r.UnitID],
		TotalCost:              r.TotalCost,
		TotalAdvancePrescribed: r.TotalAdvancePrescribed,
		TotalAdvancePaid:       r.TotalAdvancePaid,
		RepairFund:             r.RepairFund,
		Result:                 r.Result,
		MonthlyPrescriptions:   r.MonthlyPrescriptions,
		MonthlyPayments:        r.MonthlyPayments,
		ServiceCosts:           make([]ServiceCostDTO, len(r.ServiceCosts)),
	}
	for i, l := range r.ServiceCosts {
		dto.ServiceCosts[i] = ServiceCostDTO{
			ServiceID:        string(l.ServiceID),
			ServiceName:      serviceNames[l.ServiceID],
			BuildingCost:     l.BuildingCost,
			BuildingUnits:    l.BuildingUnits,
			UnitUnits:        l.UnitUnits,
			PricePerUnit:     l.PricePerUnit,
			UnitCost:         l.UnitCost,
			UnitAdvance:      l.UnitAdvance,
			UnitBalance:      l.UnitBalance,
			CalculationBasis: l.CalculationBasis,
		}
	}
	return dto
}

func toBuildingDTO(b billing.Building, unitCount int) BuildingDTO {
	return BuildingDTO{
		ID:             string(b.ID),
		Name:           b.Name,
		Address:        b.Address,
		TotalArea:      b.TotalArea,
		ChargeableArea: b.ChargeableArea,
		TotalPeople:    b.TotalPeople,
		UnitCount:      unitCount,
	}
}

func toUnitDTO(u billing.Unit) UnitDTO {
	return UnitDTO{
		ID:        string(u.ID),
		Name:      u.Name,
		OwnerName: u.OwnerName,
		Share:     u.Share(),
		TotalArea: u.TotalArea,
		Residents: u.Residents,
		Meters:    len(u.Meters),
	}
}
