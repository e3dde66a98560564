package accountant

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestAccountant(t *testing.T) *Accountant {
	t.Helper()
	path := filepath.Join(t.TempDir(), "acct.sqlite")
	a, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestCanReleaseAndBudgetTracking(t *testing.T) {
	ctx := context.Background()
	a := newTestAccountant(t)
	const day = "2025-10-09"

	ok, err := a.CanRelease(ctx, "dau", 0.3, day, 1.0)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, a.RecordRelease(ctx, "dau", day, 0.3, 0.0, "laplace", 1))

	remaining, err := a.RemainingBudget(ctx, "dau", day, 1.0)
	require.NoError(t, err)
	require.InDelta(t, 0.7, remaining, 1e-9)

	require.NoError(t, a.ResetMonth(ctx, "dau", MonthKey(day)))
	remaining, err = a.RemainingBudget(ctx, "dau", day, 1.0)
	require.NoError(t, err)
	require.Equal(t, 1.0, remaining)
}

func TestBudgetGateRejectsOverspend(t *testing.T) {
	ctx := context.Background()
	a := newTestAccountant(t)
	const day = "2025-10-05"

	require.NoError(t, a.RecordRelease(ctx, "dau", day, 0.3, 0, "laplace", 1))
	ok, err := a.CanRelease(ctx, "dau", 0.3, day, 0.3)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, a.ResetMonth(ctx, "dau", MonthKey(day)))
	ok, err = a.CanRelease(ctx, "dau", 0.3, day, 0.3)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBudgetSnapshotReportsRDP(t *testing.T) {
	ctx := context.Background()
	a := newTestAccountant(t)
	const day = "2025-10-10"

	require.NoError(t, a.RecordRelease(ctx, "mau", day, 0.5, 1e-6, "gaussian", 7))
	require.NoError(t, a.LogRDP(ctx, "mau", day, 2.0, 0.25))

	snap, err := a.BudgetSnapshot(ctx, "mau", day, 1.0, 1e-6, []float64{2.0, 4.0}, 1e-7)
	require.NoError(t, err)

	require.Equal(t, "mau", snap.Metric)
	require.Equal(t, "2025-10", snap.Period)
	require.Equal(t, 0.25, snap.RDPCurve[2.0])
	require.NotNil(t, snap.BestRDPEpsilon)
	require.Greater(t, *snap.BestRDPEpsilon, 0.0)
	require.NotNil(t, snap.AdvancedEpsilon)
	require.Greater(t, *snap.AdvancedEpsilon, 0.0)
	require.NotNil(t, snap.AdvancedDelta)
	require.Greater(t, *snap.AdvancedDelta, 0.0)
	require.Equal(t, 1, snap.ReleaseCount)
	require.Equal(t, []float64{2.0, 4.0}, snap.RDPOrders)
	require.InDelta(t, 1e-6, snap.AsMap()["policy"].(map[string]any)["delta"], 1e-12)
}

func TestBestRDPEpsilonFormula(t *testing.T) {
	ctx := context.Background()
	a := newTestAccountant(t)
	const day = "2025-10-10"
	require.NoError(t, a.LogRDP(ctx, "mau", day, 2.0, 0.25))

	eps, order, err := a.BestRDPEpsilon(ctx, "mau", day, 1e-6, []float64{2.0})
	require.NoError(t, err)
	require.NotNil(t, eps)
	require.NotNil(t, order)
	require.Equal(t, 2.0, *order)
	expected := 0.25 + math.Log(1e6)/(2-1)
	require.InDelta(t, expected, *eps, 1e-9)
}

func TestAdvancedComposition(t *testing.T) {
	releases := []Release{{Epsilon: 0.3}, {Epsilon: 0.3}}
	eps, delta := AdvancedEpsilonDelta(releases, 1e-7)
	expected := math.Sqrt(2*math.Log(1e7)*0.18) + 2*0.3*(math.Exp(0.3)-1)
	require.InDelta(t, expected, eps, 1e-9)
	require.InDelta(t, 1e-7, delta, 1e-12)
}

func TestSpentEpsilonAndReleaseCount(t *testing.T) {
	ctx := context.Background()
	a := newTestAccountant(t)
	const day = "2025-09-01"
	for i := 0; i < 3; i++ {
		require.NoError(t, a.RecordRelease(ctx, "dau", day, 0.2, 0, "laplace", uint64(i)))
	}
	spent, err := a.SpentEpsilon(ctx, "dau", day)
	require.NoError(t, err)
	require.InDelta(t, 0.6, spent, 1e-9)

	count, err := a.MonthlyReleaseCount(ctx, "dau", day)
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

func TestInvalidRdpOrderRejected(t *testing.T) {
	ctx := context.Background()
	a := newTestAccountant(t)
	require.ErrorIs(t, a.LogRDP(ctx, "dau", "2025-10-01", 1.0, 0.1), ErrInvalidRdpOrder)
	require.ErrorIs(t, a.LogRDP(ctx, "dau", "2025-10-01", 2.0, -0.1), ErrInvalidRdpOrder)
}
