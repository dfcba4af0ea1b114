/*
handlers.go - HTTP API handlers for the allocation engine

PURPOSE:
  Exposes the billing engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the engine and the store.

ENDPOINTS:
  Buildings:
    GET    /api/buildings                          List buildings
    GET    /api/buildings/{buildingID}             Building with units and services

  Billing:
    POST   /api/buildings/{buildingID}/billing/{year}/calculate
                                                   Run a calculation
    GET    /api/buildings/{buildingID}/billing/{year}
                                                   Stored period with results
    GET    /api/buildings/{buildingID}/billing/{year}/units/{unitID}
                                                   One unit's result
    GET    /api/buildings/{buildingID}/billing/{year}/export.xlsx
                                                   Spreadsheet export

  Services:
    POST   /api/services/validate                  Check a service definition

  Scenarios:
    GET    /api/scenarios                          List demo scenarios
    GET    /api/scenarios/current                  Currently loaded scenario
    POST   /api/scenarios/load                     Load a demo scenario
    POST   /api/scenarios/reset                    Clear the database

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: roster, inputs and results
  - Engine: the calculation engine (owns the in-flight run guard)
  - Services: JSON to Service conversion and validation

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid year, invalid input
  - 404: Building, period or unit result not found
  - 409: A calculation for the same building and year is running
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/warp/allocation-engine/billing"
	"github.com/warp/allocation-engine/factory"
	"github.com/warp/allocation-engine/report"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is everything the API reads and writes.
type Store interface {
	billing.Store
	billing.InputWriter
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    Store
	Engine   *billing.Engine
	Services *factory.ServiceFactory
	Logger   *slog.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler with the given store and engine.
func NewHandler(store Store, engine *billing.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{
		Store:    store,
		Engine:   engine,
		Services: factory.NewServiceFactory(),
		Logger:   logger,
	}
}

// =============================================================================
// BUILDING HANDLERS
// =============================================================================

// ListBuildings returns all buildings.
func (h *Handler) ListBuildings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	buildings, err := h.Store.ListBuildings(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list buildings", err)
		return
	}

	dtos := make([]BuildingDTO, 0, len(buildings))
	for _, b := range buildings {
		units, err := h.Store.ListUnits(ctx, b.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to list units", err)
			return
		}
		dtos = append(dtos, toBuildingDTO(b, len(units)))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBuilding returns a building with its units and service configuration.
func (h *Handler) GetBuilding(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := billing.BuildingID(chi.URLParam(r, "buildingID"))

	b, err := h.Store.GetBuilding(ctx, id)
	if err != nil {
		writeBillingError(w, "Failed to get building", err)
		return
	}
	units, err := h.Store.ListUnits(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list units", err)
		return
	}
	services, err := h.Store.ListServices(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list services", err)
		return
	}

	dto := toBuildingDTO(*b, len(units))
	dto.Units = make([]UnitDTO, len(units))
	for i, u := range units {
		dto.Units[i] = toUnitDTO(u)
	}
	dto.Services = make([]factory.ServiceJSON, len(services))
	for i := range services {
		dto.Services[i] = h.Services.ToJSON(&services[i])
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// BILLING HANDLERS
// =============================================================================

// Calculate runs the engine for (building, year).
// POST /api/buildings/{buildingID}/billing/{year}/calculate
func (h *Handler) Calculate(w http.ResponseWriter, r *http.Request) {
	id, year, ok := billingParams(w, r)
	if !ok {
		return
	}

	res, err := h.Engine.Calculate(r.Context(), id, year)
	if err != nil {
		writeBillingError(w, "Calculation failed", err)
		return
	}

	writeJSON(w, http.StatusOK, CalculateResponse{
		Success:        res.Success,
		ProcessedUnits: res.ProcessedUnits,
		BillingPeriod:  toPeriodDTO(res.BillingPeriod),
	})
}

// GetBilling returns the stored period with all unit results.
// GET /api/buildings/{buildingID}/billing/{year}
func (h *Handler) GetBilling(w http.ResponseWriter, r *http.Request) {
	id, year, ok := billingParams(w, r)
	if !ok {
		return
	}

	resp, err := h.loadBilling(r.Context(), id, year)
	if err != nil {
		writeBillingError(w, "Failed to load billing", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetUnitBilling returns one unit's result.
// GET /api/buildings/{buildingID}/billing/{year}/units/{unitID}
func (h *Handler) GetUnitBilling(w http.ResponseWriter, r *http.Request) {
	id, year, ok := billingParams(w, r)
	if !ok {
		return
	}
	unitID := chi.URLParam(r, "unitID")

	resp, err := h.loadBilling(r.Context(), id, year)
	if err != nil {
		writeBillingError(w, "Failed to load billing", err)
		return
	}
	for _, res := range resp.Results {
		if res.UnitID == unitID {
			writeJSON(w, http.StatusOK, res)
			return
		}
	}
	writeBillingError(w, "Unit result not found", fmt.Errorf("%w: unit %s", billing.ErrResultNotFound, unitID))
}

// ExportBilling streams the period as an XLSX workbook.
// GET /api/buildings/{buildingID}/billing/{year}/export.xlsx
func (h *Handler) ExportBilling(w http.ResponseWriter, r *http.Request) {
	id, year, ok := billingParams(w, r)
	if !ok {
		return
	}

	wb, err := report.Load(r.Context(), h.Store, id, year)
	if err != nil {
		writeBillingError(w, "Failed to load billing", err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", wb.Filename()))
	if err := wb.WriteXLSX(w); err != nil {
		h.Logger.Error("xlsx export failed", "building", id, "year", year, "error", err)
	}
}

func (h *Handler) loadBilling(ctx context.Context, id billing.BuildingID, year int) (*BillingResponse, error) {
	if _, err := h.Store.GetBuilding(ctx, id); err != nil {
		return nil, err
	}
	period, err := h.Store.GetPeriod(ctx, id, year)
	if err != nil {
		return nil, err
	}
	results, err := h.Store.ListResults(ctx, period.ID)
	if err != nil {
		return nil, err
	}
	units, err := h.Store.ListUnits(ctx, id)
	if err != nil {
		return nil, err
	}
	services, err := h.Store.ListServices(ctx, id)
	if err != nil {
		return nil, err
	}

	unitNames := make(map[billing.UnitID]string, len(units))
	for _, u := range units {
		unitNames[u.ID] = u.Name
	}
	serviceNames := make(map[billing.ServiceID]string, len(services))
	for _, s := range services {
		serviceNames[s.ID] = s.Name
	}

	resp := &BillingResponse{
		Period:  toPeriodDTO(*period),
		Results: make([]ResultDTO, len(results)),
	}
	for i, res := range results {
		resp.Results[i] = toResultDTO(res, unitNames, serviceNames)
	}
	return resp, nil
}

// =============================================================================
// SERVICE HANDLERS
// =============================================================================

// ValidateService checks a service definition without saving it.
// POST /api/services/validate
func (h *Handler) ValidateService(w http.ResponseWriter, r *http.Request) {
	var sj factory.ServiceJSON
	if err := json.NewDecoder(r.Body).Decode(&sj); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	resp := ValidateServiceResponse{Report: h.Services.Validate(sj)}
	if resp.Valid {
		svc, err := h.Services.FromJSON(sj)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to convert service", err)
			return
		}
		normalized := h.Services.ToJSON(svc)
		resp.Service = &normalized
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

func billingParams(w http.ResponseWriter, r *http.Request) (billing.BuildingID, int, bool) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err == nil {
		err = billing.ValidateYear(year)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid year", err)
		return "", 0, false
	}
	return billing.BuildingID(chi.URLParam(r, "buildingID")), year, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeBillingError maps billing errors to HTTP statuses.
func writeBillingError(w http.ResponseWriter, message string, err error) {
	var calcErr *billing.CalculationError
	switch {
	case billing.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	case billing.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case billing.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	case errors.As(err, &calcErr) && errors.Is(calcErr.Err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
