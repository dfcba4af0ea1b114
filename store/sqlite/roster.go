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
// BUILDINGS
// =============================================================================

const buildingColumns = `id, name, address, total_area, chargeable_area, total_people, unit_count_override`

func scanBuilding(row interface{ Scan(...any) error }) (billing.Building, error) {
	var (
		b                             billing.Building
		totalArea, chargeable, people sql.NullString
		unitCount                     sql.NullInt64
	)
	if err := row.Scan(&b.ID, &b.Name, &b.Address, &totalArea, &chargeable, &people, &unitCount); err != nil {
		return b, err
	}
	b.TotalArea = parseNullDecimal(totalArea)
	b.ChargeableArea = parseNullDecimal(chargeable)
	b.TotalPeople = parseNullDecimal(people)
	if unitCount.Valid {
		n := int(unitCount.Int64)
		b.UnitCountOverride = &n
	}
	return b, nil
}

// GetBuilding returns billing.ErrBuildingNotFound for unknown ids.
func (s *Store) GetBuilding(ctx context.Context, id billing.BuildingID) (*billing.Building, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+buildingColumns+` FROM buildings WHERE id = ?`, id)
	b, err := scanBuilding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrBuildingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get building: %w", err)
	}
	return &b, nil
}

// ListBuildings returns all buildings ordered by id.
func (s *Store) ListBuildings(ctx context.Context) ([]billing.Building, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []billing.Building
	err := each(ctx, s.db, `SELECT `+buildingColumns+` FROM buildings ORDER BY id`, nil, func(rows *sql.Rows) error {
		b, err := scanBuilding(rows)
		out = append(out, b)
		return err
	})
	return out, err
}

// SaveBuilding creates or updates a building.
func (s *Store) SaveBuilding(ctx context.Context, b billing.Building) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var unitCount sql.NullInt64
	if b.UnitCountOverride != nil {
		unitCount = sql.NullInt64{Int64: int64(*b.UnitCountOverride), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO buildings (`+buildingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			address = excluded.address,
			total_area = excluded.total_area,
			chargeable_area = excluded.chargeable_area,
			total_people = excluded.total_people,
			unit_count_override = excluded.unit_count_override
	`, b.ID, b.Name, b.Address, nullDecimal(b.TotalArea), nullDecimal(b.ChargeableArea),
		nullDecimal(b.TotalPeople), unitCount)
	if err != nil {
		return fmt.Errorf("failed to save building: %w", err)
	}
	return nil
}

// =============================================================================
// UNITS
// =============================================================================

// ListUnits returns the building's units in insertion order, with
// parameters, meters and ownerships populated.
func (s *Store) ListUnits(ctx context.Context, buildingID billing.BuildingID) ([]billing.Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var units []billing.Unit
	index := make(map[billing.UnitID]int)

	err := each(ctx, s.db, `
		SELECT id, building_id, name, owner_name, share_numerator, share_denominator,
		       total_area, floor_area, residents
		FROM units WHERE building_id = ? ORDER BY rowid
	`, []any{buildingID}, func(rows *sql.Rows) error {
		var (
			u                                billing.Unit
			shareNum, shareDen, total, floor string
		)
		if err := rows.Scan(&u.ID, &u.BuildingID, &u.Name, &u.OwnerName, &shareNum, &shareDen,
			&total, &floor, &u.Residents); err != nil {
			return err
		}
		u.ShareNumerator = numeric.Parse(shareNum)
		u.ShareDenominator = numeric.Parse(shareDen)
		u.TotalArea = numeric.Parse(total)
		u.FloorArea = numeric.Parse(floor)
		index[u.ID] = len(units)
		units = append(units, u)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list units: %w", err)
	}

	err = each(ctx, s.db, `
		SELECT p.unit_id, p.name, p.value
		FROM unit_parameters p JOIN units u ON u.id = p.unit_id
		WHERE u.building_id = ? ORDER BY p.unit_id, p.name
	`, []any{buildingID}, func(rows *sql.Rows) error {
		var (
			unitID      billing.UnitID
			name, value string
		)
		if err := rows.Scan(&unitID, &name, &value); err != nil {
			return err
		}
		u := &units[index[unitID]]
		if u.Parameters == nil {
			u.Parameters = make(map[string]decimal.Decimal)
		}
		u.Parameters[name] = numeric.Parse(value)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list unit parameters: %w", err)
	}

	err = each(ctx, s.db, `
		SELECT m.id, m.unit_id, m.type, m.service_id, m.serial
		FROM meters m JOIN units u ON u.id = m.unit_id
		WHERE u.building_id = ? ORDER BY m.rowid
	`, []any{buildingID}, func(rows *sql.Rows) error {
		var m billing.Meter
		if err := rows.Scan(&m.ID, &m.UnitID, &m.Type, &m.ServiceID, &m.Serial); err != nil {
			return err
		}
		u := &units[index[m.UnitID]]
		u.Meters = append(u.Meters, m)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list meters: %w", err)
	}

	err = each(ctx, s.db, `
		SELECT o.unit_id, o.owner_name, o.valid_from, o.valid_to
		FROM ownerships o JOIN units u ON u.id = o.unit_id
		WHERE u.building_id = ? ORDER BY o.id
	`, []any{buildingID}, func(rows *sql.Rows) error {
		var (
			unitID  billing.UnitID
			o       billing.Ownership
			from    string
			validTo sql.NullString
		)
		if err := rows.Scan(&unitID, &o.OwnerName, &from, &validTo); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return fmt.Errorf("parse valid_from of unit %s: %w", unitID, err)
		}
		o.ValidFrom = t
		if validTo.Valid {
			t, err := time.Parse(time.RFC3339, validTo.String)
			if err != nil {
				return fmt.Errorf("parse valid_to of unit %s: %w", unitID, err)
			}
			o.ValidTo = &t
		}
		u := &units[index[unitID]]
		u.Ownerships = append(u.Ownerships, o)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list ownerships: %w", err)
	}

	return units, nil
}

// SaveUnit creates or updates a unit and replaces its parameters, meters
// and ownerships.
func (s *Store) SaveUnit(ctx context.Context, u billing.Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO units (id, building_id, name, owner_name, share_numerator, share_denominator,
		                   total_area, floor_area, residents)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			building_id = excluded.building_id,
			name = excluded.name,
			owner_name = excluded.owner_name,
			share_numerator = excluded.share_numerator,
			share_denominator = excluded.share_denominator,
			total_area = excluded.total_area,
			floor_area = excluded.floor_area,
			residents = excluded.residents
	`, u.ID, u.BuildingID, u.Name, u.OwnerName, u.ShareNumerator.String(), u.ShareDenominator.String(),
		u.TotalArea.String(), u.FloorArea.String(), u.Residents)
	if err != nil {
		return fmt.Errorf("failed to save unit: %w", err)
	}

	if err := replaceUnitChildren(ctx, tx, u); err != nil {
		return err
	}
	return tx.Commit()
}

func replaceUnitChildren(ctx context.Context, db execer, u billing.Unit) error {
	for _, table := range []string{"unit_parameters", "ownerships"} {
		if _, err := db.ExecContext(ctx, "DELETE FROM "+table+" WHERE unit_id = ?", u.ID); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	for name, v := range u.Parameters {
		if _, err := db.ExecContext(ctx,
			`INSERT INTO unit_parameters (unit_id, name, value) VALUES (?, ?, ?)`,
			u.ID, name, v.String()); err != nil {
			return fmt.Errorf("failed to save parameter %s: %w", name, err)
		}
	}

	// Meters are upserted, not recreated, so their readings stay attached.
	keep := make([]any, 0, len(u.Meters)+1)
	keep = append(keep, u.ID)
	placeholders := ""
	for i, m := range u.Meters {
		if _, err := db.ExecContext(ctx, `
			INSERT INTO meters (id, unit_id, type, service_id, serial) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				unit_id = excluded.unit_id,
				type = excluded.type,
				service_id = excluded.service_id,
				serial = excluded.serial
		`, m.ID, u.ID, m.Type, m.ServiceID, m.Serial); err != nil {
			return fmt.Errorf("failed to save meter %s: %w", m.ID, err)
		}
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		keep = append(keep, m.ID)
	}
	query := `DELETE FROM meters WHERE unit_id = ?`
	if placeholders != "" {
		query += ` AND id NOT IN (` + placeholders + `)`
	}
	if _, err := db.ExecContext(ctx, query, keep...); err != nil {
		return fmt.Errorf("failed to prune meters: %w", err)
	}

	for _, o := range u.Ownerships {
		var validTo sql.NullString
		if o.ValidTo != nil {
			validTo = sql.NullString{String: o.ValidTo.UTC().Format(time.RFC3339), Valid: true}
		}
		if _, err := db.ExecContext(ctx,
			`INSERT INTO ownerships (unit_id, owner_name, valid_from, valid_to) VALUES (?, ?, ?, ?)`,
			u.ID, o.OwnerName, o.ValidFrom.UTC().Format(time.RFC3339), validTo); err != nil {
			return fmt.Errorf("failed to save ownership: %w", err)
		}
	}
	return nil
}

// =============================================================================
// SERVICES
// =============================================================================

type dataSourceJSON struct {
	MeterTypes []billing.MeterType `json:"meter_types"`
	Column     billing.SourceColumn `json:"column"`
}

// ListServices returns the building's services ordered by sort order.
func (s *Store) ListServices(ctx context.Context, buildingID billing.BuildingID) ([]billing.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var services []billing.Service
	index := make(map[billing.ServiceID]int)

	err := each(ctx, s.db, `
		SELECT id, building_id, code, name, methodology, active, sort_order, repair_fund,
		       fixed_amount_per_unit, divisor, unit_price, manual_cost, manual_share_percent,
		       custom_formula, data_source, attribute_name
		FROM services WHERE building_id = ? ORDER BY sort_order, rowid
	`, []any{buildingID}, func(rows *sql.Rows) error {
		var (
			svc                                       billing.Service
			active, repairFund                        int
			fixed, divisor, price, manual, share, src sql.NullString
		)
		if err := rows.Scan(&svc.ID, &svc.BuildingID, &svc.Code, &svc.Name, &svc.Methodology,
			&active, &svc.Order, &repairFund, &fixed, &divisor, &price, &manual, &share,
			&svc.CustomFormula, &src, &svc.AttributeName); err != nil {
			return err
		}
		svc.Active = active != 0
		svc.RepairFund = repairFund != 0
		svc.FixedAmountPerUnit = parseNullDecimal(fixed)
		svc.Divisor = parseNullDecimal(divisor)
		svc.UnitPrice = parseNullDecimal(price)
		svc.ManualCost = parseNullDecimal(manual)
		svc.ManualSharePercent = parseNullDecimal(share)
		if src.Valid && src.String != "" {
			var ds dataSourceJSON
			if err := json.Unmarshal([]byte(src.String), &ds); err != nil {
				return fmt.Errorf("service %s: bad data source: %w", svc.ID, err)
			}
			svc.DataSource = &billing.DataSource{MeterTypes: ds.MeterTypes, Column: ds.Column}
		}
		index[svc.ID] = len(services)
		services = append(services, svc)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}

	err = each(ctx, s.db, `
		SELECT o.service_id, o.unit_id, o.value
		FROM service_unit_overrides o JOIN services s ON s.id = o.service_id
		WHERE s.building_id = ?
	`, []any{buildingID}, func(rows *sql.Rows) error {
		var (
			serviceID billing.ServiceID
			unitID    billing.UnitID
			value     string
		)
		if err := rows.Scan(&serviceID, &unitID, &value); err != nil {
			return err
		}
		svc := &services[index[serviceID]]
		if svc.UnitOverrides == nil {
			svc.UnitOverrides = make(map[billing.UnitID]decimal.Decimal)
		}
		svc.UnitOverrides[unitID] = numeric.Parse(value)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list unit overrides: %w", err)
	}

	return services, nil
}

// SaveService creates or updates a service and replaces its unit overrides.
func (s *Store) SaveService(ctx context.Context, svc billing.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var src sql.NullString
	if svc.DataSource != nil {
		raw, err := json.Marshal(dataSourceJSON{MeterTypes: svc.DataSource.MeterTypes, Column: svc.DataSource.Column})
		if err != nil {
			return err
		}
		src = sql.NullString{String: string(raw), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO services (id, building_id, code, name, methodology, active, sort_order, repair_fund,
		                      fixed_amount_per_unit, divisor, unit_price, manual_cost, manual_share_percent,
		                      custom_formula, data_source, attribute_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			building_id = excluded.building_id,
			code = excluded.code,
			name = excluded.name,
			methodology = excluded.methodology,
			active = excluded.active,
			sort_order = excluded.sort_order,
			repair_fund = excluded.repair_fund,
			fixed_amount_per_unit = excluded.fixed_amount_per_unit,
			divisor = excluded.divisor,
			unit_price = excluded.unit_price,
			manual_cost = excluded.manual_cost,
			manual_share_percent = excluded.manual_share_percent,
			custom_formula = excluded.custom_formula,
			data_source = excluded.data_source,
			attribute_name = excluded.attribute_name
	`, svc.ID, svc.BuildingID, svc.Code, svc.Name, svc.Methodology, boolInt(svc.Active), svc.Order,
		boolInt(svc.RepairFund), nullDecimal(svc.FixedAmountPerUnit), nullDecimal(svc.Divisor),
		nullDecimal(svc.UnitPrice), nullDecimal(svc.ManualCost), nullDecimal(svc.ManualSharePercent),
		svc.CustomFormula, src, svc.AttributeName)
	if err != nil {
		return fmt.Errorf("failed to save service: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM service_unit_overrides WHERE service_id = ?`, svc.ID); err != nil {
		return fmt.Errorf("failed to clear unit overrides: %w", err)
	}
	for unitID, v := range svc.UnitOverrides {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO service_unit_overrides (service_id, unit_id, value) VALUES (?, ?, ?)`,
			svc.ID, unitID, v.String()); err != nil {
			return fmt.Errorf("failed to save unit override: %w", err)
		}
	}

	return tx.Commit()
}
