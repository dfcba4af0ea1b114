// Package store provides in-memory implementations of billing.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/allocation-engine/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type periodKey struct {
	building billing.BuildingID
	year     int
}

type advanceKey struct {
	unit    billing.UnitID
	service billing.ServiceID
	year    int
	month   int
}

type personMonthKey struct {
	unit  billing.UnitID
	year  int
	month int
}

// Memory implements billing.Store and billing.InputWriter.
type Memory struct {
	mu sync.RWMutex

	buildings map[billing.BuildingID]billing.Building
	units     map[billing.BuildingID][]billing.Unit
	services  map[billing.BuildingID][]billing.Service

	unitBuilding    map[billing.UnitID]billing.BuildingID
	meterBuilding   map[billing.MeterID]billing.BuildingID
	serviceBuilding map[billing.ServiceID]billing.BuildingID

	costs        map[string]billing.Cost
	readings     map[string]billing.MeterReading
	personMonths map[personMonthKey]billing.PersonMonth
	advances     map[advanceKey]billing.AdvanceMonthly
	payments     map[string]billing.Payment

	periods map[periodKey]billing.BillingPeriod
	results map[billing.PeriodID][]billing.BillingResult
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	m := &Memory{}
	m.init()
	return m
}

func (m *Memory) init() {
	m.buildings = make(map[billing.BuildingID]billing.Building)
	m.units = make(map[billing.BuildingID][]billing.Unit)
	m.services = make(map[billing.BuildingID][]billing.Service)
	m.unitBuilding = make(map[billing.UnitID]billing.BuildingID)
	m.meterBuilding = make(map[billing.MeterID]billing.BuildingID)
	m.serviceBuilding = make(map[billing.ServiceID]billing.BuildingID)
	m.costs = make(map[string]billing.Cost)
	m.readings = make(map[string]billing.MeterReading)
	m.personMonths = make(map[personMonthKey]billing.PersonMonth)
	m.advances = make(map[advanceKey]billing.AdvanceMonthly)
	m.payments = make(map[string]billing.Payment)
	m.periods = make(map[periodKey]billing.BillingPeriod)
	m.results = make(map[billing.PeriodID][]billing.BillingResult)
}

// =============================================================================
// READER
// =============================================================================

func (m *Memory) GetBuilding(_ context.Context, id billing.BuildingID) (*billing.Building, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buildings[id]
	if !ok {
		return nil, billing.ErrBuildingNotFound
	}
	return &b, nil
}

func (m *Memory) ListBuildings(_ context.Context) ([]billing.Building, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]billing.Building, 0, len(m.buildings))
	for _, b := range m.buildings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListUnits(_ context.Context, buildingID billing.BuildingID) ([]billing.Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]billing.Unit{}, m.units[buildingID]...), nil
}

func (m *Memory) ListServices(_ context.Context, buildingID billing.BuildingID) ([]billing.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]billing.Service{}, m.services[buildingID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (m *Memory) ListCosts(_ context.Context, buildingID billing.BuildingID, year int) ([]billing.Cost, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.Cost
	for _, c := range m.costs {
		if c.Year == year && m.serviceBuilding[c.ServiceID] == buildingID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListMeterReadings(_ context.Context, buildingID billing.BuildingID, year int) ([]billing.MeterReading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.MeterReading
	for _, r := range m.readings {
		if r.Year == year && m.meterBuilding[r.MeterID] == buildingID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListPersonMonths(_ context.Context, buildingID billing.BuildingID, year int) ([]billing.PersonMonth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.PersonMonth
	for _, pm := range m.personMonths {
		if pm.Year == year && m.unitBuilding[pm.UnitID] == buildingID {
			out = append(out, pm)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UnitID != out[j].UnitID {
			return out[i].UnitID < out[j].UnitID
		}
		return out[i].Month < out[j].Month
	})
	return out, nil
}

func (m *Memory) ListAdvances(_ context.Context, buildingID billing.BuildingID, year int) ([]billing.AdvanceMonthly, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.AdvanceMonthly
	for _, a := range m.advances {
		if a.Year == year && m.unitBuilding[a.UnitID] == buildingID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UnitID != out[j].UnitID {
			return out[i].UnitID < out[j].UnitID
		}
		if out[i].ServiceID != out[j].ServiceID {
			return out[i].ServiceID < out[j].ServiceID
		}
		return out[i].Month < out[j].Month
	})
	return out, nil
}

func (m *Memory) ListPayments(_ context.Context, buildingID billing.BuildingID, year int) ([]billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.Payment
	for _, p := range m.payments {
		if p.Year == year && m.unitBuilding[p.UnitID] == buildingID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// RESULT READER
// =============================================================================

func (m *Memory) GetPeriod(_ context.Context, buildingID billing.BuildingID, year int) (*billing.BillingPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.periods[periodKey{buildingID, year}]
	if !ok {
		return nil, billing.ErrPeriodNotFound
	}
	return &p, nil
}

func (m *Memory) ListResults(_ context.Context, periodID billing.PeriodID) ([]billing.BillingResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyResults(m.results[periodID]), nil
}

func copyResults(in []billing.BillingResult) []billing.BillingResult {
	out := make([]billing.BillingResult, len(in))
	for i, r := range in {
		r.ServiceCosts = append([]billing.BillingServiceCost{}, r.ServiceCosts...)
		out[i] = r
	}
	return out
}

// =============================================================================
// INPUT WRITER
// =============================================================================

func (m *Memory) SaveBuilding(_ context.Context, b billing.Building) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buildings[b.ID] = b
	return nil
}

func (m *Memory) SaveUnit(_ context.Context, u billing.Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	units := m.units[u.BuildingID]
	replaced := false
	for i := range units {
		if units[i].ID == u.ID {
			units[i] = u
			replaced = true
		}
	}
	if !replaced {
		units = append(units, u)
	}
	m.units[u.BuildingID] = units
	m.unitBuilding[u.ID] = u.BuildingID
	for _, mt := range u.Meters {
		m.meterBuilding[mt.ID] = u.BuildingID
	}
	return nil
}

func (m *Memory) SaveService(_ context.Context, s billing.Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	services := m.services[s.BuildingID]
	replaced := false
	for i := range services {
		if services[i].ID == s.ID {
			services[i] = s
			replaced = true
		}
	}
	if !replaced {
		services = append(services, s)
	}
	m.services[s.BuildingID] = services
	m.serviceBuilding[s.ID] = s.BuildingID
	return nil
}

func (m *Memory) SaveCost(_ context.Context, c billing.Cost) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.costs[c.ID] = c
	return nil
}

func (m *Memory) SaveMeterReading(_ context.Context, r billing.MeterReading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readings[r.ID] = r
	return nil
}

func (m *Memory) SavePersonMonth(_ context.Context, pm billing.PersonMonth) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.personMonths[personMonthKey{pm.UnitID, pm.Year, pm.Month}] = pm
	return nil
}

func (m *Memory) SaveAdvance(_ context.Context, a billing.AdvanceMonthly) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advances[advanceKey{a.UnitID, a.ServiceID, a.Year, a.Month}] = a
	return nil
}

func (m *Memory) SavePayment(_ context.Context, p billing.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.ID] = p
	return nil
}

func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(billing.ResultWriter) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()

	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	periods map[periodKey]billing.BillingPeriod
	results map[billing.PeriodID][]billing.BillingResult
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		periods: make(map[periodKey]billing.BillingPeriod, len(m.periods)),
		results: make(map[billing.PeriodID][]billing.BillingResult, len(m.results)),
	}
	for k, v := range m.periods {
		s.periods[k] = v
	}
	for k, v := range m.results {
		s.results[k] = copyResults(v)
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.periods = s.periods
	m.results = s.results
}

// txView writes straight into the parent; the caller holds its lock.
type txView struct {
	parent *Memory
}

func (tv *txView) UpsertPeriod(_ context.Context, p billing.BillingPeriod) (billing.BillingPeriod, error) {
	k := periodKey{p.BuildingID, p.Year}
	if existing, ok := tv.parent.periods[k]; ok {
		p.ID = existing.ID
		p.CalculatedAt = existing.CalculatedAt
	}
	tv.parent.periods[k] = p
	return p, nil
}

func (tv *txView) DeleteResults(_ context.Context, periodID billing.PeriodID) error {
	delete(tv.parent.results, periodID)
	return nil
}

func (tv *txView) SaveResult(_ context.Context, r billing.BillingResult) error {
	r.ServiceCosts = append([]billing.BillingServiceCost{}, r.ServiceCosts...)
	tv.parent.results[r.PeriodID] = append(tv.parent.results[r.PeriodID], r)
	return nil
}

func (tv *txView) MarkCalculated(_ context.Context, periodID billing.PeriodID, at time.Time) error {
	for k, p := range tv.parent.periods {
		if p.ID == periodID {
			p.Status = billing.StatusCalculated
			p.CalculatedAt = &at
			tv.parent.periods[k] = p
			return nil
		}
	}
	return billing.ErrPeriodNotFound
}

var (
	_ billing.Store       = (*Memory)(nil)
	_ billing.InputWriter = (*Memory)(nil)
)
