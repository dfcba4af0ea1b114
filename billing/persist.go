package billing

import (
	"context"
	"fmt"
)

// =============================================================================
// PERSIST - full replace of a period in one transaction
// =============================================================================

// persist upserts the period, drops its old results, writes the new ones
// and marks it calculated. On any error the transaction is rolled back and
// the previous results stay visible. IDs are assigned here.
func (e *Engine) persist(ctx context.Context, ds *Dataset, results []BillingResult) (BillingPeriod, error) {
	var period BillingPeriod

	err := e.store.WithTx(ctx, func(w ResultWriter) error {
		p, err := w.UpsertPeriod(ctx, BillingPeriod{
			ID:         PeriodID(e.newID()),
			BuildingID: ds.Building.ID,
			Year:       ds.Year,
			Status:     StatusDraft,
		})
		if err != nil {
			return fmt.Errorf("upsert period: %w", err)
		}

		if err := w.DeleteResults(ctx, p.ID); err != nil {
			return fmt.Errorf("delete results: %w", err)
		}

		for i := range results {
			r := &results[i]
			r.ID = ResultID(e.newID())
			r.PeriodID = p.ID
			for j := range r.ServiceCosts {
				r.ServiceCosts[j].ID = e.newID()
				r.ServiceCosts[j].ResultID = r.ID
			}
			if err := w.SaveResult(ctx, *r); err != nil {
				return fmt.Errorf("save result for unit %s: %w", r.UnitID, err)
			}
		}

		at := e.now().UTC()
		if err := w.MarkCalculated(ctx, p.ID, at); err != nil {
			return fmt.Errorf("mark calculated: %w", err)
		}
		p.Status = StatusCalculated
		p.CalculatedAt = &at
		period = p
		return nil
	})
	if err != nil {
		return BillingPeriod{}, fmt.Errorf("%w: %w", ErrPersistFailed, err)
	}
	return period, nil
}
