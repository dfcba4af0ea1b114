/*
scenarios_test.go - Integration tests for demo scenarios

Each scenario is loaded into a fresh SQLite database, calculated through
the HTTP API and checked for a few hand-verified figures.
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/allocation-engine/billing"
	"github.com/warp/allocation-engine/store/sqlite"
)

// setupScenarioServer runs the API over an in-memory SQLite store.
func setupScenarioServer(t *testing.T) *testServer {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return newTestServerWith(t, s, s)
}

func (ts *testServer) loadScenario(id string) {
	ts.t.Helper()
	rec := ts.do(http.MethodPost, "/api/scenarios/load", `{"scenario_id":"`+id+`"}`)
	require.Equal(ts.t, http.StatusOK, rec.Code, rec.Body.String())
}

func (ts *testServer) calculate(buildingID string) CalculateResponse {
	ts.t.Helper()
	rec := ts.do(http.MethodPost, "/api/buildings/"+buildingID+"/billing/2025/calculate", "")
	require.Equal(ts.t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[CalculateResponse](ts.t, rec)
}

func (ts *testServer) unitResult(buildingID, unitID string) ResultDTO {
	ts.t.Helper()
	rec := ts.do(http.MethodGet, "/api/buildings/"+buildingID+"/billing/2025/units/"+unitID, "")
	require.Equal(ts.t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[ResultDTO](ts.t, rec)
}

func line(t *testing.T, r ResultDTO, serviceID string) ServiceCostDTO {
	t.Helper()
	for _, l := range r.ServiceCosts {
		if l.ServiceID == serviceID {
			return l
		}
	}
	require.Failf(t, "missing line", "unit %s has no line for %s", r.UnitID, serviceID)
	return ServiceCostDTO{}
}

func TestScenario_AllScenariosLoadAndCalculate(t *testing.T) {
	units := map[string]int{
		"elm-court":        6,
		"meter-import":     3,
		"ownership-change": 2,
		"formula-rows":     3,
	}

	for _, s := range scenarios {
		t.Run(s.ID, func(t *testing.T) {
			ts := setupScenarioServer(t)
			ts.loadScenario(s.ID)

			resp := ts.calculate(s.ID)

			assert.True(t, resp.Success)
			assert.Equal(t, units[s.ID], resp.ProcessedUnits)
		})
	}
}

func TestScenario_LoadReplacesPreviousData(t *testing.T) {
	ts := setupScenarioServer(t)
	ts.loadScenario("elm-court")
	ts.loadScenario("formula-rows")

	buildings := decode[[]BuildingDTO](t, ts.do(http.MethodGet, "/api/buildings", ""))

	require.Len(t, buildings, 1)
	assert.Equal(t, "formula-rows", buildings[0].ID)

	current := decode[ScenarioDTO](t, ts.do(http.MethodGet, "/api/scenarios/current", ""))
	assert.Equal(t, "formula-rows", current.ID)
}

func TestScenario_ElmCourt(t *testing.T) {
	// GIVEN: Elm Court with every methodology
	// WHEN: Calculating 2025
	// THEN: Fixed fees, tariffs and no_billing lines come out as configured

	ts := setupScenarioServer(t)
	ts.loadScenario("elm-court")
	ts.calculate("elm-court")

	ec3 := ts.unitResult("elm-court", "ec-3")
	assertDec(t, "96", line(t, ec3, "ec-cable").UnitCost)
	// 30 m3 of cold water at 4.85
	assertDec(t, "145.5", line(t, ec3, "ec-cold-water").UnitCost)
	assertDec(t, "700", line(t, ec3, "ec-lift").UnitCost)
	assertDec(t, "0", line(t, ec3, "ec-admin").UnitCost)
	// 48.2 m2 × 12 × 1.5
	assertDec(t, "867.6", line(t, ec3, "ec-repair").UnitCost)
	assertDec(t, "867.6", ec3.RepairFund)
	assertDec(t, "2700", ec3.TotalAdvancePrescribed)
	assertDec(t, "2250", ec3.TotalAdvancePaid)
}

func TestScenario_MeterImport(t *testing.T) {
	// GIVEN: Readings carrying vendor-computed costs and no heating invoice
	// WHEN: Calculating 2025
	// THEN: Each unit pays exactly its imported cost

	ts := setupScenarioServer(t)
	ts.loadScenario("meter-import")
	ts.calculate("meter-import")

	mi1 := ts.unitResult("meter-import", "mi-1")
	heating := line(t, mi1, "mi-heating")
	assertDec(t, "1180.4", heating.UnitCost)
	assertDec(t, "3674.7", heating.BuildingCost)
	assertDec(t, "310.2", line(t, mi1, "mi-hot-water").UnitCost)
}

func TestScenario_OwnershipChange(t *testing.T) {
	// GIVEN: oc-1 changes owner on July 1, oc-2 is owned from April
	// WHEN: Calculating 2025
	// THEN: oc-1 pays the full year, oc-2 nine twelfths

	ts := setupScenarioServer(t)
	ts.loadScenario("ownership-change")
	ts.calculate("ownership-change")

	assertDec(t, "1200", line(t, ts.unitResult("ownership-change", "oc-1"), "oc-concierge").UnitCost)

	oc2 := ts.unitResult("ownership-change", "oc-2")
	assertDec(t, "900", line(t, oc2, "oc-concierge").UnitCost)
	// 1050 garden bill over 12 + 9 months in evidence
	assertDec(t, "450", line(t, oc2, "oc-garden").UnitCost)
}

func TestScenario_FormulaRows(t *testing.T) {
	ts := setupScenarioServer(t)
	ts.loadScenario("formula-rows")
	ts.calculate("formula-rows")

	fr1 := ts.unitResult("formula-rows", "fr-1")
	// manual cost 1800 over three units
	assertDec(t, "600", line(t, fr1, "fr-management").UnitCost)
	assertDec(t, "240", line(t, fr1, "fr-electricity").UnitCost)
}

func TestLoadScenario_Unknown(t *testing.T) {
	ts := setupScenarioServer(t)

	rec := ts.do(http.MethodPost, "/api/scenarios/load", `{"scenario_id":"nope"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResetDatabase(t *testing.T) {
	ts := setupScenarioServer(t)
	ts.loadScenario("elm-court")
	ts.calculate("elm-court")

	rec := ts.do(http.MethodPost, "/api/scenarios/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)

	buildings := decode[[]BuildingDTO](t, ts.do(http.MethodGet, "/api/buildings", ""))
	assert.Empty(t, buildings)
	assert.Equal(t, "null\n", ts.do(http.MethodGet, "/api/scenarios/current", "").Body.String())

	_, err := ts.h.Store.GetPeriod(context.Background(), "elm-court", 2025)
	assert.ErrorIs(t, err, billing.ErrPeriodNotFound)
}
