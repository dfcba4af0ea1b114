package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/allocation-engine/billing"
	"github.com/warp/allocation-engine/numeric"
)

// =============================================================================
// RESULT READER
// =============================================================================

// GetPeriod returns billing.ErrPeriodNotFound when (building, year) was
// never calculated.
func (s *Store) GetPeriod(ctx context.Context, buildingID billing.BuildingID, year int) (*billing.BillingPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := getPeriod(ctx, s.db, buildingID, year)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrPeriodNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get period: %w", err)
	}
	return &p, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getPeriod(ctx context.Context, q rowQuerier, buildingID billing.BuildingID, year int) (billing.BillingPeriod, error) {
	var (
		p            billing.BillingPeriod
		calculatedAt sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, building_id, year, status, calculated_at
		FROM billing_periods WHERE building_id = ? AND year = ?
	`, buildingID, year).Scan(&p.ID, &p.BuildingID, &p.Year, &p.Status, &calculatedAt)
	if err != nil {
		return p, err
	}
	if calculatedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, calculatedAt.String)
		if err != nil {
			return p, fmt.Errorf("parse calculated_at of period %s: %w", p.ID, err)
		}
		p.CalculatedAt = &t
	}
	return p, nil
}

// ListResults returns the period's results with their lines, in the order
// they were saved.
func (s *Store) ListResults(ctx context.Context, periodID billing.PeriodID) ([]billing.BillingResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []billing.BillingResult
	index := make(map[billing.ResultID]int)

	err := each(ctx, s.db, `
		SELECT id, period_id, unit_id, total_cost, total_advance_prescribed, total_advance_paid,
		       repair_fund, result, monthly_prescriptions, monthly_payments
		FROM billing_results WHERE period_id = ? ORDER BY rowid
	`, []any{periodID}, func(rows *sql.Rows) error {
		var (
			r                                     billing.BillingResult
			total, prescribed, paid, fund, res    string
			monthlyPrescriptions, monthlyPayments string
		)
		if err := rows.Scan(&r.ID, &r.PeriodID, &r.UnitID, &total, &prescribed, &paid,
			&fund, &res, &monthlyPrescriptions, &monthlyPayments); err != nil {
			return err
		}
		r.TotalCost = numeric.Parse(total)
		r.TotalAdvancePrescribed = numeric.Parse(prescribed)
		r.TotalAdvancePaid = numeric.Parse(paid)
		r.RepairFund = numeric.Parse(fund)
		r.Result = numeric.Parse(res)
		if err := json.Unmarshal([]byte(monthlyPrescriptions), &r.MonthlyPrescriptions); err != nil {
			return fmt.Errorf("monthly prescriptions: %w", err)
		}
		if err := json.Unmarshal([]byte(monthlyPayments), &r.MonthlyPayments); err != nil {
			return fmt.Errorf("monthly payments: %w", err)
		}
		index[r.ID] = len(results)
		results = append(results, r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}

	err = each(ctx, s.db, `
		SELECT c.id, c.result_id, c.service_id, c.building_cost, c.building_units, c.unit_units,
		       c.unit_cost, c.unit_advance, c.unit_balance, c.price_per_unit, c.calculation_basis
		FROM billing_service_costs c JOIN billing_results r ON r.id = c.result_id
		WHERE r.period_id = ? ORDER BY c.rowid
	`, []any{periodID}, func(rows *sql.Rows) error {
		var (
			line                                   billing.BillingServiceCost
			bCost, bUnits, uUnits, uCost, adv, bal string
			price                                  string
		)
		if err := rows.Scan(&line.ID, &line.ResultID, &line.ServiceID, &bCost, &bUnits, &uUnits,
			&uCost, &adv, &bal, &price, &line.CalculationBasis); err != nil {
			return err
		}
		line.BuildingCost = numeric.Parse(bCost)
		line.BuildingUnits = numeric.Parse(bUnits)
		line.UnitUnits = numeric.Parse(uUnits)
		line.UnitCost = numeric.Parse(uCost)
		line.UnitAdvance = numeric.Parse(adv)
		line.UnitBalance = numeric.Parse(bal)
		line.PricePerUnit = numeric.Parse(price)
		r := &results[index[line.ResultID]]
		r.ServiceCosts = append(r.ServiceCosts, line)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list service costs: %w", err)
	}

	return results, nil
}

// =============================================================================
// RESULT WRITER (only inside WithTx)
// =============================================================================

type txWriter struct {
	tx *sql.Tx
}

// UpsertPeriod keeps the id of an existing (building, year) period so
// recalculation replaces results in place.
func (w *txWriter) UpsertPeriod(ctx context.Context, p billing.BillingPeriod) (billing.BillingPeriod, error) {
	_, err := w.tx.ExecContext(ctx, `
		INSERT INTO billing_periods (id, building_id, year, status) VALUES (?, ?, ?, ?)
		ON CONFLICT(building_id, year) DO UPDATE SET status = excluded.status
	`, p.ID, p.BuildingID, p.Year, p.Status)
	if err != nil {
		return p, fmt.Errorf("failed to upsert period: %w", err)
	}
	stored, err := getPeriod(ctx, w.tx, p.BuildingID, p.Year)
	if err != nil {
		return p, fmt.Errorf("failed to read period: %w", err)
	}
	return stored, nil
}

func (w *txWriter) DeleteResults(ctx context.Context, periodID billing.PeriodID) error {
	_, err := w.tx.ExecContext(ctx, `
		DELETE FROM billing_service_costs
		WHERE result_id IN (SELECT id FROM billing_results WHERE period_id = ?)
	`, periodID)
	if err != nil {
		return fmt.Errorf("failed to delete service costs: %w", err)
	}
	if _, err := w.tx.ExecContext(ctx, `DELETE FROM billing_results WHERE period_id = ?`, periodID); err != nil {
		return fmt.Errorf("failed to delete results: %w", err)
	}
	return nil
}

func (w *txWriter) SaveResult(ctx context.Context, r billing.BillingResult) error {
	prescriptions, err := monthlyJSON(r.MonthlyPrescriptions)
	if err != nil {
		return err
	}
	payments, err := monthlyJSON(r.MonthlyPayments)
	if err != nil {
		return err
	}

	_, err = w.tx.ExecContext(ctx, `
		INSERT INTO billing_results (id, period_id, unit_id, total_cost, total_advance_prescribed,
		                             total_advance_paid, repair_fund, result,
		                             monthly_prescriptions, monthly_payments)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.PeriodID, r.UnitID, r.TotalCost.String(), r.TotalAdvancePrescribed.String(),
		r.TotalAdvancePaid.String(), r.RepairFund.String(), r.Result.String(), prescriptions, payments)
	if err != nil {
		return fmt.Errorf("failed to save result for unit %s: %w", r.UnitID, err)
	}

	for _, line := range r.ServiceCosts {
		_, err := w.tx.ExecContext(ctx, `
			INSERT INTO billing_service_costs (id, result_id, service_id, building_cost, building_units,
			                                   unit_units, unit_cost, unit_advance, unit_balance,
			                                   price_per_unit, calculation_basis)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, line.ID, r.ID, line.ServiceID, line.BuildingCost.String(), line.BuildingUnits.String(),
			line.UnitUnits.String(), line.UnitCost.String(), line.UnitAdvance.String(),
			line.UnitBalance.String(), line.PricePerUnit.String(), line.CalculationBasis)
		if err != nil {
			return fmt.Errorf("failed to save line %s/%s: %w", r.UnitID, line.ServiceID, err)
		}
	}
	return nil
}

func (w *txWriter) MarkCalculated(ctx context.Context, periodID billing.PeriodID, at time.Time) error {
	res, err := w.tx.ExecContext(ctx, `
		UPDATE billing_periods SET status = ?, calculated_at = ? WHERE id = ?
	`, billing.StatusCalculated, at.UTC().Format(time.RFC3339Nano), periodID)
	if err != nil {
		return fmt.Errorf("failed to mark period calculated: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.ErrPeriodNotFound
	}
	return nil
}

func monthlyJSON(months [12]decimal.Decimal) (string, error) {
	b, err := json.Marshal(months)
	if err != nil {
		return "", fmt.Errorf("failed to encode monthly amounts: %w", err)
	}
	return string(b), nil
}
