/*
Package report exports calculated billing periods as spreadsheets.

PURPOSE:
  Building managers hand the yearly settlement to owners and accountants
  as an XLSX workbook. The export reads persisted results only; it never
  triggers a calculation.

SHEETS:
  Summary: one row per unit (cost, advances, repair fund, result)
  Lines:   one row per unit and service, with the calculation basis

USAGE:
  wb, err := report.Load(ctx, store, "elm-court", 2025)
  if err != nil { ... }
  err = wb.WriteXLSX(w)

SEE ALSO:
  - billing/store.go: ResultReader
  - api/handlers.go: export endpoint
*/
package report

import (
	"context"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/warp/allocation-engine/billing"
	"github.com/warp/allocation-engine/numeric"
)

// Source is what an export reads from.
type Source interface {
	GetBuilding(ctx context.Context, id billing.BuildingID) (*billing.Building, error)
	ListUnits(ctx context.Context, buildingID billing.BuildingID) ([]billing.Unit, error)
	ListServices(ctx context.Context, buildingID billing.BuildingID) ([]billing.Service, error)
	billing.ResultReader
}

// Workbook is a calculated period with the names needed to print it.
type Workbook struct {
	Building billing.Building
	Period   billing.BillingPeriod
	Results  []billing.BillingResult

	unitNames    map[billing.UnitID]string
	owners       map[billing.UnitID]string
	serviceNames map[billing.ServiceID]string
}

// Load reads the period of (buildingID, year). It returns
// billing.ErrPeriodNotFound when the year was never calculated.
func Load(ctx context.Context, src Source, buildingID billing.BuildingID, year int) (*Workbook, error) {
	b, err := src.GetBuilding(ctx, buildingID)
	if err != nil {
		return nil, err
	}
	period, err := src.GetPeriod(ctx, buildingID, year)
	if err != nil {
		return nil, err
	}
	results, err := src.ListResults(ctx, period.ID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	units, err := src.ListUnits(ctx, buildingID)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	services, err := src.ListServices(ctx, buildingID)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}

	wb := &Workbook{
		Building:     *b,
		Period:       *period,
		Results:      results,
		unitNames:    make(map[billing.UnitID]string, len(units)),
		owners:       make(map[billing.UnitID]string, len(units)),
		serviceNames: make(map[billing.ServiceID]string, len(services)),
	}
	for _, u := range units {
		wb.unitNames[u.ID] = u.Name
		wb.owners[u.ID] = u.OwnerName
	}
	for _, s := range services {
		wb.serviceNames[s.ID] = s.Name
	}
	return wb, nil
}

// Filename is the suggested download name.
func (wb *Workbook) Filename() string {
	return fmt.Sprintf("billing_%s_%d.xlsx", wb.Building.ID, wb.Period.Year)
}

const (
	summarySheet = "Summary"
	linesSheet   = "Lines"
)

// WriteXLSX renders both sheets and writes the workbook to w.
func (wb *Workbook) WriteXLSX(w io.Writer) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(f.GetActiveSheetIndex()), summarySheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(linesSheet); err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}

	if err := wb.writeSummary(f); err != nil {
		return err
	}
	if err := wb.writeLines(f); err != nil {
		return err
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func (wb *Workbook) writeSummary(f *excelize.File) error {
	header := []any{
		"unit_id", "unit", "owner",
		"total_cost", "advance_prescribed", "advance_paid", "repair_fund", "result",
	}
	rows := make([][]any, 0, len(wb.Results))
	for _, r := range wb.Results {
		rows = append(rows, []any{
			string(r.UnitID),
			wb.unitNames[r.UnitID],
			wb.owners[r.UnitID],
			numeric.ToFloat(r.TotalCost),
			numeric.ToFloat(r.TotalAdvancePrescribed),
			numeric.ToFloat(r.TotalAdvancePaid),
			numeric.ToFloat(r.RepairFund),
			numeric.ToFloat(r.Result),
		})
	}
	return writeRows(f, summarySheet, header, rows)
}

func (wb *Workbook) writeLines(f *excelize.File) error {
	header := []any{
		"unit_id", "unit", "service_id", "service",
		"building_cost", "building_units", "unit_units", "price_per_unit",
		"unit_cost", "unit_advance", "unit_balance", "calculation_basis",
	}
	var rows [][]any
	for _, r := range wb.Results {
		for _, l := range r.ServiceCosts {
			rows = append(rows, []any{
				string(r.UnitID),
				wb.unitNames[r.UnitID],
				string(l.ServiceID),
				wb.serviceNames[l.ServiceID],
				numeric.ToFloat(l.BuildingCost),
				numeric.ToFloat(l.BuildingUnits),
				numeric.ToFloat(l.UnitUnits),
				numeric.ToFloat(l.PricePerUnit),
				numeric.ToFloat(l.UnitCost),
				numeric.ToFloat(l.UnitAdvance),
				numeric.ToFloat(l.UnitBalance),
				l.CalculationBasis,
			})
		}
	}
	return writeRows(f, linesSheet, header, rows)
}

func writeRows(f *excelize.File, sheet string, header []any, rows [][]any) error {
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("%s header: %w", sheet, err)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("%s row %d: %w", sheet, i+2, err)
		}
	}
	return nil
}
