package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/warp/allocation-engine/billing"
	"github.com/warp/allocation-engine/numeric"
)

// =============================================================================
// YEARLY INPUTS - costs, readings, occupancy, advances, payments
// =============================================================================

// ListCosts returns costs of the building's services for year.
func (s *Store) ListCosts(ctx context.Context, buildingID billing.BuildingID, year int) ([]billing.Cost, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []billing.Cost
	err := each(ctx, s.db, `
		SELECT c.id, c.service_id, c.year, c.amount, c.description
		FROM costs c JOIN services s ON s.id = c.service_id
		WHERE s.building_id = ? AND c.year = ? ORDER BY c.id
	`, []any{buildingID, year}, func(rows *sql.Rows) error {
		var (
			c      billing.Cost
			amount string
		)
		if err := rows.Scan(&c.ID, &c.ServiceID, &c.Year, &amount, &c.Description); err != nil {
			return err
		}
		c.Amount = numeric.Parse(amount)
		out = append(out, c)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list costs: %w", err)
	}
	return out, nil
}

// SaveCost creates or updates a cost.
func (s *Store) SaveCost(ctx context.Context, c billing.Cost) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO costs (id, service_id, year, amount, description) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			service_id = excluded.service_id,
			year = excluded.year,
			amount = excluded.amount,
			description = excluded.description
	`, c.ID, c.ServiceID, c.Year, c.Amount.String(), c.Description)
	if err != nil {
		return fmt.Errorf("failed to save cost: %w", err)
	}
	return nil
}

// ListMeterReadings returns readings of the building's meters for year.
func (s *Store) ListMeterReadings(ctx context.Context, buildingID billing.BuildingID, year int) ([]billing.MeterReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []billing.MeterReading
	err := each(ctx, s.db, `
		SELECT r.id, r.meter_id, r.year, r.read_at, r.start_value, r.end_value, r.consumption, r.precalculated_cost
		FROM meter_readings r
		JOIN meters m ON m.id = r.meter_id
		JOIN units u ON u.id = m.unit_id
		WHERE u.building_id = ? AND r.year = ? ORDER BY r.meter_id, r.read_at
	`, []any{buildingID, year}, func(rows *sql.Rows) error {
		var (
			reading                          billing.MeterReading
			readAt                           string
			start, end, consumption, precalc sql.NullString
		)
		if err := rows.Scan(&reading.ID, &reading.MeterID, &reading.Year, &readAt,
			&start, &end, &consumption, &precalc); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339, readAt)
		if err != nil {
			return fmt.Errorf("parse read_at of reading %s: %w", reading.ID, err)
		}
		reading.ReadAt = t
		reading.StartValue = parseNullDecimal(start)
		reading.EndValue = parseNullDecimal(end)
		reading.Consumption = parseNullDecimal(consumption)
		reading.PrecalculatedCost = parseNullDecimal(precalc)
		out = append(out, reading)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list meter readings: %w", err)
	}
	return out, nil
}

// SaveMeterReading creates or updates a reading.
func (s *Store) SaveMeterReading(ctx context.Context, r billing.MeterReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meter_readings (id, meter_id, year, read_at, start_value, end_value, consumption, precalculated_cost)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			meter_id = excluded.meter_id,
			year = excluded.year,
			read_at = excluded.read_at,
			start_value = excluded.start_value,
			end_value = excluded.end_value,
			consumption = excluded.consumption,
			precalculated_cost = excluded.precalculated_cost
	`, r.ID, r.MeterID, r.Year, r.ReadAt.UTC().Format(time.RFC3339),
		nullDecimal(r.StartValue), nullDecimal(r.EndValue), nullDecimal(r.Consumption), nullDecimal(r.PrecalculatedCost))
	if err != nil {
		return fmt.Errorf("failed to save meter reading: %w", err)
	}
	return nil
}

// ListPersonMonths returns occupancy records of the building's units for year.
func (s *Store) ListPersonMonths(ctx context.Context, buildingID billing.BuildingID, year int) ([]billing.PersonMonth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []billing.PersonMonth
	err := each(ctx, s.db, `
		SELECT p.unit_id, p.year, p.month, p.people
		FROM person_months p JOIN units u ON u.id = p.unit_id
		WHERE u.building_id = ? AND p.year = ? ORDER BY p.unit_id, p.month
	`, []any{buildingID, year}, func(rows *sql.Rows) error {
		var pm billing.PersonMonth
		if err := rows.Scan(&pm.UnitID, &pm.Year, &pm.Month, &pm.People); err != nil {
			return err
		}
		out = append(out, pm)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list person-months: %w", err)
	}
	return out, nil
}

// SavePersonMonth creates or updates the record for (unit, year, month).
func (s *Store) SavePersonMonth(ctx context.Context, pm billing.PersonMonth) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO person_months (unit_id, year, month, people) VALUES (?, ?, ?, ?)
		ON CONFLICT(unit_id, year, month) DO UPDATE SET people = excluded.people
	`, pm.UnitID, pm.Year, pm.Month, pm.People)
	if err != nil {
		return fmt.Errorf("failed to save person-month: %w", err)
	}
	return nil
}

// ListAdvances returns prescribed advances of the building's units for year.
func (s *Store) ListAdvances(ctx context.Context, buildingID billing.BuildingID, year int) ([]billing.AdvanceMonthly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []billing.AdvanceMonthly
	err := each(ctx, s.db, `
		SELECT a.unit_id, a.service_id, a.year, a.month, a.amount
		FROM advances a JOIN units u ON u.id = a.unit_id
		WHERE u.building_id = ? AND a.year = ? ORDER BY a.unit_id, a.service_id, a.month
	`, []any{buildingID, year}, func(rows *sql.Rows) error {
		var (
			a      billing.AdvanceMonthly
			amount string
		)
		if err := rows.Scan(&a.UnitID, &a.ServiceID, &a.Year, &a.Month, &amount); err != nil {
			return err
		}
		a.Amount = numeric.Parse(amount)
		out = append(out, a)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list advances: %w", err)
	}
	return out, nil
}

// SaveAdvance creates or updates the advance for (unit, service, year, month).
func (s *Store) SaveAdvance(ctx context.Context, a billing.AdvanceMonthly) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO advances (unit_id, service_id, year, month, amount) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(unit_id, service_id, year, month) DO UPDATE SET amount = excluded.amount
	`, a.UnitID, a.ServiceID, a.Year, a.Month, a.Amount.String())
	if err != nil {
		return fmt.Errorf("failed to save advance: %w", err)
	}
	return nil
}

// ListPayments returns payments of the building's units for year.
func (s *Store) ListPayments(ctx context.Context, buildingID billing.BuildingID, year int) ([]billing.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []billing.Payment
	err := each(ctx, s.db, `
		SELECT p.id, p.unit_id, p.year, p.month, p.amount, p.paid_at
		FROM payments p JOIN units u ON u.id = p.unit_id
		WHERE u.building_id = ? AND p.year = ? ORDER BY p.id
	`, []any{buildingID, year}, func(rows *sql.Rows) error {
		var (
			p              billing.Payment
			amount, paidAt string
		)
		if err := rows.Scan(&p.ID, &p.UnitID, &p.Year, &p.Month, &amount, &paidAt); err != nil {
			return err
		}
		p.Amount = numeric.Parse(amount)
		t, err := time.Parse(time.RFC3339, paidAt)
		if err != nil {
			return fmt.Errorf("parse paid_at of payment %s: %w", p.ID, err)
		}
		p.PaidAt = t
		out = append(out, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return out, nil
}

// SavePayment creates or updates a payment.
func (s *Store) SavePayment(ctx context.Context, p billing.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (id, unit_id, year, month, amount, paid_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			unit_id = excluded.unit_id,
			year = excluded.year,
			month = excluded.month,
			amount = excluded.amount,
			paid_at = excluded.paid_at
	`, p.ID, p.UnitID, p.Year, p.Month, p.Amount.String(), p.PaidAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save payment: %w", err)
	}
	return nil
}
