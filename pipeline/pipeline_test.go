package pipeline

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/haloanalytics/dpdau/accountant"
	"github.com/haloanalytics/dpdau/config"
	"github.com/haloanalytics/dpdau/hashing"
)

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	settings := config.Default()
	settings.Security.HashSaltSecret = "b64:dGVzdC1zZWNyZXQtZm9yLXBpcGVsaW5lLXRlc3RzMTIzNA=="
	settings.Sketch.Impl = "set" // exact counts keep assertions deterministic
	p, err := New(settings, zerolog.Nop(), WithDataDir(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestIngestAndDailyRelease(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t)
	day, err := hashing.ParseDay("2025-10-01")
	require.NoError(t, err)

	events := []Event{
		{UserID: "alice", Op: "+", Day: day},
		{UserID: "bob", Op: "+", Day: day},
		{UserID: "alice", Op: "-", Day: day},
	}
	require.NoError(t, p.IngestBatch(ctx, events))

	release, err := p.GetDailyRelease(ctx, day)
	require.NoError(t, err)
	require.Equal(t, 1.0, release.ExactValue)
	require.Equal(t, "2025-10-01", release.Day)
}

func TestGetMAUReleaseWindow(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t)

	days := []string{"2025-10-01", "2025-10-02", "2025-10-03"}
	for _, d := range days {
		day, err := hashing.ParseDay(d)
		require.NoError(t, err)
		require.NoError(t, p.IngestEvent(ctx, Event{UserID: "alice", Op: "+", Day: day}))
	}
	end, err := hashing.ParseDay("2025-10-03")
	require.NoError(t, err)

	windowDays := 3
	release, err := p.GetMAURelease(ctx, end, &windowDays)
	require.NoError(t, err)
	require.Equal(t, 1.0, release.ExactValue)
	require.NotNil(t, release.WindowDays)
	require.Equal(t, 3, *release.WindowDays)
}

func TestIngestEventRejectsInvalidOp(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t)
	day, _ := hashing.ParseDay("2025-10-01")
	err := p.IngestEvent(ctx, Event{UserID: "alice", Op: "?", Day: day})
	require.ErrorIs(t, err, ErrInvalidEvent)
}

func TestReplayDeletionsClearsPendingErasures(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t)
	day, _ := hashing.ParseDay("2025-10-01")

	require.NoError(t, p.IngestEvent(ctx, Event{UserID: "alice", Op: "+", Day: day}))
	require.NoError(t, p.IngestEvent(ctx, Event{UserID: "alice", Op: "-", Day: day}))
	require.NoError(t, p.ReplayDeletions(ctx))

	pending, err := p.ledger.PendingErasures(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	release, err := p.GetDailyRelease(ctx, day)
	require.NoError(t, err)
	require.Equal(t, 0.0, release.ExactValue)
}

func TestBudgetExhaustionRejectsFurtherReleases(t *testing.T) {
	ctx := context.Background()
	settings := config.Default()
	settings.Security.HashSaltSecret = "b64:dGVzdC1zZWNyZXQtZm9yLXBpcGVsaW5lLXRlc3RzMTIzNA=="
	settings.Sketch.Impl = "set"
	settings.DP.DAUBudgetTotal = 0.1 // smaller than a single epsilon_dau spend
	p, err := New(settings, zerolog.Nop(), WithDataDir(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	day, _ := hashing.ParseDay("2025-10-01")
	require.NoError(t, p.IngestEvent(ctx, Event{UserID: "alice", Op: "+", Day: day}))

	_, err = p.GetDailyRelease(ctx, day)
	require.Error(t, err)
	var budgetErr *accountant.BudgetExceededError
	require.ErrorAs(t, err, &budgetErr)
	require.Equal(t, "dau", budgetErr.Metric)
}

func TestResetBudgetClearsSpend(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t)
	day, _ := hashing.ParseDay("2025-10-01")
	require.NoError(t, p.IngestEvent(ctx, Event{UserID: "alice", Op: "+", Day: day}))

	_, err := p.GetDailyRelease(ctx, day)
	require.NoError(t, err)

	spent, err := p.Accountant().SpentEpsilon(ctx, "dau", day.ISO())
	require.NoError(t, err)
	require.Greater(t, spent, 0.0)

	require.NoError(t, p.ResetBudget(ctx, "dau", accountant.MonthKey(day.ISO())))

	spent, err = p.Accountant().SpentEpsilon(ctx, "dau", day.ISO())
	require.NoError(t, err)
	require.Equal(t, 0.0, spent)
}
