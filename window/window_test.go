package window

import (
	"context"
	"testing"

	"github.com/haloanalytics/dpdau/sketch"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *sketch.Registry {
	reg := sketch.NewRegistry(sketch.Config{K: 4096}, "set")
	reg.Register("set", sketch.NewSet)
	reg.Register("kmv", sketch.NewKMV)
	return reg
}

// fakeLedger is a minimal in-memory stand-in for the durable ledger,
// used only to drive the window manager's loader callback in tests.
type fakeLedger struct {
	byDay map[string][]LoaderEvent
}

func (f *fakeLedger) loader(_ context.Context, dayISO string) ([]LoaderEvent, error) {
	return f.byDay[dayISO], nil
}

func TestGetDAUFoldsTurnstile(t *testing.T) {
	ctx := context.Background()
	fl := &fakeLedger{byDay: map[string][]LoaderEvent{
		"2025-10-01": {
			{Op: "+", Key: []byte("alice")},
			{Op: "+", Key: []byte("bob")},
			{Op: "-", Key: []byte("alice")},
		},
	}}
	mgr := NewManager(newTestRegistry())
	est, _, keys, err := mgr.GetDAU(ctx, "2025-10-01", fl.loader)
	require.NoError(t, err)
	require.Equal(t, 1.0, est)
	require.Len(t, keys, 1)
	_, hasBob := keys["bob"]
	require.True(t, hasBob)
}

func TestMarkDirtyForcesRebuild(t *testing.T) {
	ctx := context.Background()
	fl := &fakeLedger{byDay: map[string][]LoaderEvent{
		"2025-10-01": {{Op: "+", Key: []byte("alice")}},
	}}
	mgr := NewManager(newTestRegistry())
	est, _, _, err := mgr.GetDAU(ctx, "2025-10-01", fl.loader)
	require.NoError(t, err)
	require.Equal(t, 1.0, est)

	fl.byDay["2025-10-01"] = append(fl.byDay["2025-10-01"], LoaderEvent{Op: "-", Key: []byte("alice")})
	mgr.MarkDirty("2025-10-01")

	est, _, _, err = mgr.GetDAU(ctx, "2025-10-01", fl.loader)
	require.NoError(t, err)
	require.Equal(t, 0.0, est)
}

func TestGetMAUUnionsWindow(t *testing.T) {
	ctx := context.Background()
	fl := &fakeLedger{byDay: map[string][]LoaderEvent{
		"2025-10-02": {{Op: "+", Key: []byte("alice")}},
		"2025-10-03": {{Op: "+", Key: []byte("bob")}, {Op: "+", Key: []byte("alice")}},
		"2025-10-04": {{Op: "+", Key: []byte("dave")}},
	}}
	mgr := NewManager(newTestRegistry())
	est, _, err := mgr.GetMAU(ctx, "2025-10-04", 3, fl.loader)
	require.NoError(t, err)
	require.Equal(t, 3.0, est)
}

func TestGetMAURebuildsDirtySnapshotInsteadOfStaleCache(t *testing.T) {
	ctx := context.Background()
	fl := &fakeLedger{byDay: map[string][]LoaderEvent{
		"2025-10-01": {{Op: "+", Key: []byte("alice")}},
	}}
	mgr := NewManager(newTestRegistry())
	_, _, _, err := mgr.GetDAU(ctx, "2025-10-01", fl.loader)
	require.NoError(t, err)

	fl.byDay["2025-10-01"] = nil // simulate deletion replay removing all rows
	mgr.MarkDirty("2025-10-01")

	est, _, err := mgr.GetMAU(ctx, "2025-10-01", 1, fl.loader)
	require.NoError(t, err)
	require.Equal(t, 0.0, est)
}
