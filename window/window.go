// Package window maintains the pipeline's per-day sketch cache: DAU is
// a single day's snapshot, MAU is a union over a rolling window, and a
// dirty bit forces a snapshot to be rebuilt from the ledger the next
// time it's read after a deletion touches it.
package window

import (
	"context"
	"fmt"
	"sync"

	"github.com/haloanalytics/dpdau/hashing"
	"github.com/haloanalytics/dpdau/sketch"
)

// EventsLoader fetches a day's ordered (op, key) activity rows.
type EventsLoader func(ctx context.Context, dayISO string) ([]LoaderEvent, error)

// LoaderEvent is the minimal shape the window manager needs from a
// ledger row to fold a day's turnstile stream.
type LoaderEvent struct {
	Op  string
	Key []byte
}

// DaySnapshot is the cached state for one calendar day: the sketch
// built from the day's surviving keys, the keys themselves (the exact
// count), and a dirty bit. A dirty snapshot is rebuilt from the loader,
// not from these keys.
type DaySnapshot struct {
	Sketch sketch.Sketch
	Keys   map[string]struct{}
	Dirty  bool
}

// Manager is the pipeline-owned, mutex-guarded snapshot cache. It is
// never shared across pipelines.
type Manager struct {
	mu        sync.Mutex
	registry  *sketch.Registry
	snapshots map[string]*DaySnapshot
}

// NewManager builds an empty window manager backed by the given sketch
// registry (used to construct fresh per-day and union sketches).
func NewManager(registry *sketch.Registry) *Manager {
	return &Manager{registry: registry, snapshots: make(map[string]*DaySnapshot)}
}

// MarkDirty flags day's cached snapshot for rebuild on next read. Days
// with no cached snapshot are implicitly dirty already.
func (m *Manager) MarkDirty(dayISO string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap, ok := m.snapshots[dayISO]; ok {
		snap.Dirty = true
	}
}

func (m *Manager) buildSnapshot(ctx context.Context, dayISO string, loader EventsLoader) (*DaySnapshot, error) {
	events, err := loader(ctx, dayISO)
	if err != nil {
		return nil, fmt.Errorf("window: load day events: %w", err)
	}
	active := make(map[string]struct{})
	for _, e := range events {
		switch e.Op {
		case "+":
			active[string(e.Key)] = struct{}{}
		case "-":
			delete(active, string(e.Key))
		}
	}
	sk, err := m.registry.Create("")
	if err != nil {
		return nil, fmt.Errorf("window: create sketch: %w", err)
	}
	for key := range active {
		sk.Add([]byte(key))
	}
	snap := &DaySnapshot{Sketch: sk, Keys: active, Dirty: false}
	m.snapshots[dayISO] = snap
	return snap, nil
}

// GetSnapshot returns day's cached snapshot, rebuilding it from the
// ledger first if it's missing or dirty.
func (m *Manager) GetSnapshot(ctx context.Context, dayISO string, loader EventsLoader) (*DaySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[dayISO]
	if !ok || snap.Dirty {
		return m.buildSnapshot(ctx, dayISO, loader)
	}
	return snap, nil
}

// GetDAU returns the day's estimate, its sketch, and its raw key set
// (the caller uses |keys| as the exact base value for the noise
// mechanism).
func (m *Manager) GetDAU(ctx context.Context, dayISO string, loader EventsLoader) (float64, sketch.Sketch, map[string]struct{}, error) {
	snap, err := m.GetSnapshot(ctx, dayISO, loader)
	if err != nil {
		return 0, nil, nil, err
	}
	return snap.Sketch.Estimate(), snap.Sketch, snap.Keys, nil
}

// GetMAU unions windowDays snapshots ending at endDayISO (inclusive)
// into a fresh sketch and returns its estimate alongside the union
// itself.
func (m *Manager) GetMAU(ctx context.Context, endDayISO string, windowDays int, loader EventsLoader) (float64, sketch.Sketch, error) {
	end, err := hashing.ParseDay(endDayISO)
	if err != nil {
		return 0, nil, fmt.Errorf("window: parse end day: %w", err)
	}
	start := end.AddDays(-(windowDays - 1))

	union, err := m.registry.Create("")
	if err != nil {
		return 0, nil, fmt.Errorf("window: create union sketch: %w", err)
	}

	for d := start; !d.Time().After(end.Time()); d = d.AddDays(1) {
		snap, err := m.GetSnapshot(ctx, d.ISO(), loader)
		if err != nil {
			return 0, nil, err
		}
		if err := union.Union(snap.Sketch); err != nil {
			return 0, nil, fmt.Errorf("window: union day %s: %w", d.ISO(), err)
		}
	}
	return union.Estimate(), union, nil
}
