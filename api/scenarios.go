/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built buildings that populate the database with realistic
	data for demos and integration tests. Each scenario creates a building,
	its units and meters, the service configuration and one year of costs,
	readings, occupancy, advances and payments.

AVAILABLE SCENARIOS:

	elm-court:          Every methodology in one building, repair fund, advances
	meter-import:       Meter readings with costs precomputed by the reading vendor
	ownership-change:   Unit sold mid-year, fixed per-unit fees prorated by month
	formula-rows:       Custom formulas referencing other service rows

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create the building and its units (with meters and ownerships)
 3. Create services via the service factory (JSON, validated)
 4. Add costs, readings, person-months, advances and payments

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "elm-court"}

	POST /api/buildings/elm-court/billing/2025/calculate

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Billing endpoints
  - factory/service.go: Service JSON definitions
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/allocation-engine/billing"
)

// ScenarioYear is the billing year all scenarios populate.
const ScenarioYear = 2025

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "elm-court",
		Name:        "Elm Court",
		Description: "Six flats, every allocation methodology, repair fund and monthly advances",
		Year:        ScenarioYear,
	},
	{
		ID:          "meter-import",
		Name:        "Meter Import",
		Description: "Heating and hot water billed from vendor-precomputed meter costs",
		Year:        ScenarioYear,
	},
	{
		ID:          "ownership-change",
		Name:        "Ownership Change",
		Description: "A flat sold in July: fixed fees follow the months of ownership",
		Year:        ScenarioYear,
	},
	{
		ID:          "formula-rows",
		Name:        "Formula Rows",
		Description: "Custom formulas built from other service rows (D/E/G references)",
		Year:        ScenarioYear,
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if !knownScenario(req.ScenarioID) {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err := h.LoadScenarioByID(r.Context(), req.ScenarioID); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// LoadScenarioByID resets the store and loads the scenario.
func (h *Handler) LoadScenarioByID(ctx context.Context, id string) error {
	var load func(*seeder)
	switch id {
	case "elm-court":
		load = seedElmCourt
	case "meter-import":
		load = seedMeterImport
	case "ownership-change":
		load = seedOwnershipChange
	case "formula-rows":
		load = seedFormulaRows
	default:
		return fmt.Errorf("unknown scenario %q", id)
	}

	if err := h.Store.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	s := &seeder{ctx: ctx, h: h}
	load(s)
	if s.err != nil {
		return s.err
	}

	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()
	h.Logger.Info("scenario loaded", "scenario", id)
	return nil
}

func knownScenario(id string) bool {
	for _, s := range scenarios {
		if s.ID == id {
			return true
		}
	}
	return false
}

// =============================================================================
// SEEDER
// =============================================================================

// seeder writes scenario data and keeps the first error; later calls are
// no-ops once one failed.
type seeder struct {
	ctx      context.Context
	h        *Handler
	building billing.BuildingID
	err      error
}

func (s *seeder) do(f func() error) {
	if s.err == nil {
		s.err = f()
	}
}

func (s *seeder) buildingRow(b billing.Building) {
	s.building = b.ID
	s.do(func() error { return s.h.Store.SaveBuilding(s.ctx, b) })
}

func (s *seeder) unit(u billing.Unit) {
	u.BuildingID = s.building
	s.do(func() error { return s.h.Store.SaveUnit(s.ctx, u) })
}

// service goes through the factory so demo data obeys the same rules as
// API input.
func (s *seeder) service(jsonStr string) {
	s.do(func() error {
		svc, err := s.h.Services.ParseService(jsonStr)
		if err != nil {
			return err
		}
		svc.BuildingID = s.building
		return s.h.Store.SaveService(s.ctx, *svc)
	})
}

func (s *seeder) cost(serviceID, amount string) {
	s.do(func() error {
		return s.h.Store.SaveCost(s.ctx, billing.Cost{
			ID:        fmt.Sprintf("%s-%s-%d", s.building, serviceID, ScenarioYear),
			ServiceID: billing.ServiceID(serviceID),
			Year:      ScenarioYear,
			Amount:    decimal.RequireFromString(amount),
		})
	})
}

func (s *seeder) reading(meterID, consumption string, precalculated string) {
	r := billing.MeterReading{
		ID:      fmt.Sprintf("%s-%d", meterID, ScenarioYear),
		MeterID: billing.MeterID(meterID),
		Year:    ScenarioYear,
		ReadAt:  time.Date(ScenarioYear, time.December, 31, 0, 0, 0, 0, time.UTC),
	}
	c := decimal.RequireFromString(consumption)
	r.Consumption = &c
	if precalculated != "" {
		p := decimal.RequireFromString(precalculated)
		r.PrecalculatedCost = &p
	}
	s.do(func() error { return s.h.Store.SaveMeterReading(s.ctx, r) })
}

// occupancy records people for months from..to inclusive.
func (s *seeder) occupancy(unitID string, people, from, to int) {
	for m := from; m <= to; m++ {
		pm := billing.PersonMonth{UnitID: billing.UnitID(unitID), Year: ScenarioYear, Month: m, People: people}
		s.do(func() error { return s.h.Store.SavePersonMonth(s.ctx, pm) })
	}
}

// advances prescribes the same monthly amount for all twelve months.
func (s *seeder) advances(unitID, serviceID, monthly string) {
	amount := decimal.RequireFromString(monthly)
	for m := 1; m <= 12; m++ {
		a := billing.AdvanceMonthly{
			UnitID:    billing.UnitID(unitID),
			ServiceID: billing.ServiceID(serviceID),
			Year:      ScenarioYear,
			Month:     m,
			Amount:    amount,
		}
		s.do(func() error { return s.h.Store.SaveAdvance(s.ctx, a) })
	}
}

// payments records a payment on the 15th of months 1..upTo.
func (s *seeder) payments(unitID, monthly string, upTo int) {
	amount := decimal.RequireFromString(monthly)
	for m := 1; m <= upTo; m++ {
		p := billing.Payment{
			ID:     fmt.Sprintf("pay-%s-%d-%02d", unitID, ScenarioYear, m),
			UnitID: billing.UnitID(unitID),
			Year:   ScenarioYear,
			Month:  m,
			Amount: amount,
			PaidAt: time.Date(ScenarioYear, time.Month(m), 15, 0, 0, 0, 0, time.UTC),
		}
		s.do(func() error { return s.h.Store.SavePayment(s.ctx, p) })
	}
}

func flat(id, name, owner string, share int64, area string, residents int, meters ...billing.Meter) billing.Unit {
	return billing.Unit{
		ID:               billing.UnitID(id),
		Name:             name,
		OwnerName:        owner,
		ShareNumerator:   decimal.NewFromInt(share),
		ShareDenominator: decimal.NewFromInt(1000),
		TotalArea:        decimal.RequireFromString(area),
		FloorArea:        decimal.RequireFromString(area),
		Residents:        residents,
		Meters:           meters,
		Ownerships: []billing.Ownership{
			{OwnerName: owner, ValidFrom: time.Date(2015, time.January, 1, 0, 0, 0, 0, time.UTC)},
		},
	}
}

func meter(id string, t billing.MeterType) billing.Meter {
	return billing.Meter{ID: billing.MeterID(id), Type: t, Serial: "SN-" + id}
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func seedElmCourt(s *seeder) {
	s.buildingRow(billing.Building{ID: "elm-court", Name: "Elm Court", Address: "12 Elm Street"})

	flats := []struct {
		id, name, owner string
		share           int64
		area            string
		residents       int
		radiators       int64
	}{
		{"ec-1", "Flat 1", "A. Novak", 150, "62.5", 2, 4},
		{"ec-2", "Flat 2", "B. Horvat", 180, "74", 3, 5},
		{"ec-3", "Flat 3", "C. Dvorak", 120, "48.2", 1, 3},
		{"ec-4", "Flat 4", "D. Svoboda", 200, "81", 4, 6},
		{"ec-5", "Flat 5", "E. Kral", 200, "81", 2, 6},
		{"ec-6", "Flat 6", "F. Benes", 150, "60.3", 0, 4},
	}
	for _, f := range flats {
		u := flat(f.id, f.name, f.owner, f.share, f.area, f.residents,
			meter(f.id+"-hw", billing.MeterHotWater),
			meter(f.id+"-cw", billing.MeterColdWater),
		)
		u.Parameters = map[string]decimal.Decimal{"radiators": decimal.NewFromInt(f.radiators)}
		s.unit(u)
	}

	s.service(`{"id":"ec-insurance","name":"Building insurance","methodology":"ownership_share","order":1}`)
	s.service(`{"id":"ec-cleaning","name":"Stairwell cleaning","methodology":"area","order":2}`)
	s.service(`{"id":"ec-waste","name":"Waste collection","methodology":"person_months","order":3}`)
	s.service(`{"id":"ec-hot-water","name":"Hot water","methodology":"meter_reading","order":4,
		"data_source":{"meter_types":["hot_water"]}}`)
	s.service(`{"id":"ec-cold-water","name":"Cold water","methodology":"meter_reading","order":5,
		"data_source":{"meter_types":["cold_water"]},"unit_price":"4.85"}`)
	s.service(`{"id":"ec-cable","name":"Cable TV","methodology":"fixed_per_unit","order":6,
		"fixed_amount_per_unit":"96"}`)
	s.service(`{"id":"ec-lift","name":"Lift maintenance","methodology":"equal_split","order":7}`)
	s.service(`{"id":"ec-heating","name":"Heating","methodology":"unit_parameter","order":8,
		"attribute_name":"radiators"}`)
	s.service(`{"id":"ec-repair","name":"Repair fund","methodology":"custom_formula","order":9,
		"repair_fund":true,"custom_formula":"UNIT_AREA * 12 * 1.5"}`)
	s.service(`{"id":"ec-admin","name":"Administration","methodology":"no_billing","order":10}`)

	s.cost("ec-insurance", "2400")
	s.cost("ec-cleaning", "3120")
	s.cost("ec-waste", "1836")
	s.cost("ec-hot-water", "5400")
	s.cost("ec-cold-water", "2900")
	s.cost("ec-lift", "4200")
	s.cost("ec-heating", "8640")
	s.cost("ec-admin", "1500")

	hot := []string{"18.4", "27.9", "9.1", "35.2", "21.7", "6.3"}
	cold := []string{"61", "88", "30", "112", "70", "14"}
	for i, f := range flats {
		s.reading(f.id+"-hw", hot[i], "")
		s.reading(f.id+"-cw", cold[i], "")
	}

	s.occupancy("ec-1", 2, 1, 12)
	s.occupancy("ec-2", 3, 1, 12)
	s.occupancy("ec-3", 1, 1, 12)
	s.occupancy("ec-4", 4, 1, 8)
	s.occupancy("ec-4", 3, 9, 12)
	// ec-5 has no records and falls back to its resident count.
	// ec-6 is empty.

	for _, f := range flats {
		s.advances(f.id, "ec-heating", "120")
		s.advances(f.id, "ec-hot-water", "65")
		s.advances(f.id, "ec-cleaning", "40")
	}
	s.payments("ec-1", "225", 12)
	s.payments("ec-2", "225", 12)
	s.payments("ec-3", "225", 10)
	s.payments("ec-4", "225", 12)
	s.payments("ec-5", "225", 12)
	s.payments("ec-6", "225", 6)
}

func seedMeterImport(s *seeder) {
	s.buildingRow(billing.Building{ID: "meter-import", Name: "Riverside 4", Address: "4 Riverside"})

	usage := []struct {
		id               string
		heat, heatCost   string
		water, waterCost string
	}{
		{"mi-1", "4210", "1180.40", "22.5", "310.20"},
		{"mi-2", "3775", "1058.70", "31.0", "427.40"},
		{"mi-3", "5120", "1435.60", "12.8", "176.50"},
	}
	for i, u := range usage {
		s.unit(flat(u.id, fmt.Sprintf("Flat %d", i+1), fmt.Sprintf("Owner %d", i+1), 333, "70", 2,
			meter(u.id+"-heat", billing.MeterHeating),
			meter(u.id+"-hw", billing.MeterHotWater),
		))
	}

	s.service(`{"id":"mi-heating","name":"Heating","methodology":"meter_reading","order":1,
		"data_source":{"meter_types":["heating"],"column":"precalculated_cost"}}`)
	s.service(`{"id":"mi-hot-water","name":"Hot water","methodology":"meter_reading","order":2,
		"data_source":{"meter_types":["hot_water"]}}`)

	// Heating has no booked invoice: the vendor's costs are the total.
	s.cost("mi-hot-water", "900")
	for _, u := range usage {
		s.reading(u.id+"-heat", u.heat, u.heatCost)
		s.reading(u.id+"-hw", u.water, u.waterCost)
		s.advances(u.id, "mi-heating", "110")
		s.advances(u.id, "mi-hot-water", "30")
	}
}

func seedOwnershipChange(s *seeder) {
	s.buildingRow(billing.Building{ID: "ownership-change", Name: "Linden House"})

	sold := flat("oc-1", "Flat 1", "G. Marek", 500, "90", 3)
	sold.Ownerships = []billing.Ownership{
		{OwnerName: "G. Marek", ValidFrom: time.Date(2012, time.March, 1, 0, 0, 0, 0, time.UTC),
			ValidTo: ptrTime(time.Date(ScenarioYear, time.June, 30, 0, 0, 0, 0, time.UTC))},
		{OwnerName: "H. Urban", ValidFrom: time.Date(ScenarioYear, time.July, 1, 0, 0, 0, 0, time.UTC)},
	}
	s.unit(sold)

	bought := flat("oc-2", "Flat 2", "I. Vesely", 500, "90", 2)
	bought.Ownerships = []billing.Ownership{
		{OwnerName: "I. Vesely", ValidFrom: time.Date(ScenarioYear, time.April, 1, 0, 0, 0, 0, time.UTC)},
	}
	s.unit(bought)

	s.service(`{"id":"oc-concierge","name":"Concierge","methodology":"fixed_per_unit","order":1,
		"fixed_amount_per_unit":"1200"}`)
	s.service(`{"id":"oc-garden","name":"Garden","methodology":"fixed_per_unit","order":2}`)
	s.service(`{"id":"oc-insurance","name":"Insurance","methodology":"ownership_share","order":3,
		"manual_share_percent":"80"}`)

	s.cost("oc-garden", "1050")
	s.cost("oc-insurance", "1000")
	s.advances("oc-1", "oc-concierge", "100")
	s.payments("oc-1", "100", 12)
}

func seedFormulaRows(s *seeder) {
	s.buildingRow(billing.Building{ID: "formula-rows", Name: "Chestnut Yard", ChargeableArea: ptrDec("400")})

	s.unit(flat("fr-1", "Flat 1", "J. Cerny", 250, "100", 2))
	s.unit(flat("fr-2", "Flat 2", "K. Pokorny", 250, "100", 3))
	s.unit(flat("fr-3", "Flat 3", "L. Ruzicka", 500, "150", 1))

	s.service(`{"id":"fr-cleaning","name":"Cleaning","methodology":"area","order":1}`)
	s.service(`{"id":"fr-electricity","name":"Common electricity","methodology":"equal_split","order":2,
		"divisor":"4"}`)
	s.service(`{"id":"fr-surcharge","name":"Cleaning surcharge","methodology":"custom_formula","order":3,
		"custom_formula":"G1 * 0.1 + D2 * UNIT_SHARE / 10"}`)
	s.service(`{"id":"fr-management","name":"Management","methodology":"custom_formula","order":4,
		"custom_formula":"TOTAL_COST / UNIT_COUNT","manual_cost":"1800"}`)

	s.cost("fr-cleaning", "2000")
	s.cost("fr-electricity", "960")
	s.cost("fr-management", "1500")
}

func ptrTime(t time.Time) *time.Time { return &t }

func ptrDec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}
