package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/allocation-engine/billing"
	"github.com/warp/allocation-engine/billing/store"
)

func TestScheduler_RunNowCalculatesCurrentYear(t *testing.T) {
	// GIVEN: One building and a clock in 2025
	// WHEN: The scheduler runs a pass
	// THEN: The 2025 period exists and is calculated

	ctx := context.Background()
	m := store.NewMemory()
	seedTwoFlats(t, m)

	rs := NewRecalculationScheduler(m, billing.NewEngine(m), nil)
	rs.Now = func() time.Time { return time.Date(2025, time.October, 1, 0, 0, 0, 0, time.UTC) }

	sum := rs.RunNow(ctx)

	assert.Equal(t, RunSummary{Year: 2025, Processed: 1}, sum)
	p, err := m.GetPeriod(ctx, "b1", 2025)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCalculated, p.Status)
}

func TestScheduler_SkipsRunningCalculation(t *testing.T) {
	// GIVEN: A calculation for (b1, 2025) in progress
	// WHEN: The scheduler runs a pass
	// THEN: b1 is skipped, not failed

	m := store.NewMemory()
	seedTwoFlats(t, m)
	bs := &blockingStore{Memory: m, entered: make(chan struct{}), release: make(chan struct{})}
	engine := billing.NewEngine(bs)

	done := make(chan error, 1)
	go func() {
		_, err := engine.Calculate(context.Background(), "b1", 2025)
		done <- err
	}()
	<-bs.entered

	rs := NewRecalculationScheduler(m, engine, nil)
	rs.Now = func() time.Time { return time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC) }

	sum := rs.RunNow(context.Background())

	assert.Equal(t, RunSummary{Year: 2025, Skipped: 1}, sum)
	close(bs.release)
	require.NoError(t, <-done)
}

func TestScheduler_StartStop(t *testing.T) {
	m := store.NewMemory()
	seedTwoFlats(t, m)

	rs := NewRecalculationScheduler(m, billing.NewEngine(m), nil)
	rs.Interval = time.Hour
	rs.Now = func() time.Time { return time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC) }

	rs.Start()
	require.Eventually(t, func() bool {
		_, err := m.GetPeriod(context.Background(), "b1", 2025)
		return err == nil
	}, time.Second, 10*time.Millisecond, "first pass runs on start")
	rs.Stop()
	rs.Stop()
}

func TestScheduler_Disabled(t *testing.T) {
	m := store.NewMemory()
	seedTwoFlats(t, m)

	rs := NewRecalculationScheduler(m, billing.NewEngine(m), nil)
	rs.Enabled = false

	rs.Start()
	rs.Stop()

	_, err := m.GetPeriod(context.Background(), "b1", 2025)
	assert.ErrorIs(t, err, billing.ErrPeriodNotFound)
}
