// Package accountant gates every noisy release against a per-metric
// monthly epsilon budget and tracks both naive and Rényi-DP composition
// so operators can audit exactly how much privacy a month has spent.
package accountant

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const schema = `
CREATE TABLE IF NOT EXISTS releases (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	metric TEXT NOT NULL,
	day TEXT NOT NULL,
	period TEXT NOT NULL,
	epsilon REAL NOT NULL,
	delta REAL NOT NULL,
	mechanism TEXT NOT NULL,
	seed INTEGER NOT NULL,
	created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_releases_period ON releases(metric, period);

CREATE TABLE IF NOT EXISTS rdp_releases (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	metric TEXT NOT NULL,
	day TEXT NOT NULL,
	period TEXT NOT NULL,
	alpha REAL NOT NULL CHECK(alpha > 1),
	epsilon_alpha REAL NOT NULL CHECK(epsilon_alpha >= 0),
	created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_rdp_period ON rdp_releases(metric, period);
`

type accountantError string

func (e accountantError) Error() string { return string(e) }

const (
	// ErrInvalidRdpOrder is returned by LogRDP for alpha <= 1 or a
	// negative epsilon_alpha.
	ErrInvalidRdpOrder = accountantError("accountant: rdp order must be > 1 and epsilon_alpha must be >= 0")
)

// BudgetExceededError is returned when a release would push a metric's
// monthly spend past its cap. It carries enough structure for a caller
// to render a useful response without re-deriving the period string.
type BudgetExceededError struct {
	Metric string
	Day    string
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("accountant: %s budget exhausted for %s", e.Metric, e.Day)
}

// Release is one row of the naive release ledger.
type Release struct {
	Metric    string
	Day       string
	Period    string
	Epsilon   float64
	Delta     float64
	Mechanism string
	Seed      uint64
}

// Snapshot summarizes a metric/month's budget posture: naive spend, the
// RDP curve, the best achievable RDP-derived epsilon, and the advanced
// composition bound, alongside which composition method is "active".
type Snapshot struct {
	Metric           string
	Period           string
	SpentNaive       float64
	Cap              float64
	RDPCurve         map[float64]float64
	RDPOrders        []float64
	BestRDPEpsilon   *float64
	BestRDPOrder     *float64
	AdvancedEpsilon  *float64
	AdvancedDelta    *float64
	ReleaseCount     int
	CompositionLabel string // "rdp" or "naive"
	Delta            float64
}

// AsMap renders the snapshot as a nested map matching the shape an
// external transport boundary would serialize to JSON, without the
// core needing to depend on encoding/json formatting decisions.
func (s Snapshot) AsMap() map[string]any {
	rdpCurve := make(map[string]float64, len(s.RDPCurve))
	for order, eps := range s.RDPCurve {
		rdpCurve[fmt.Sprintf("%g", order)] = eps
	}
	m := map[string]any{
		"metric":            s.Metric,
		"period":            s.Period,
		"spent_naive":       s.SpentNaive,
		"release_count":     s.ReleaseCount,
		"rdp_curve":         rdpCurve,
		"rdp_orders":        s.RDPOrders,
		"composition":       s.CompositionLabel,
		"best_rdp_epsilon":  optionalFloat(s.BestRDPEpsilon),
		"best_rdp_order":    optionalFloat(s.BestRDPOrder),
		"advanced_epsilon":  optionalFloat(s.AdvancedEpsilon),
		"advanced_delta":    optionalFloat(s.AdvancedDelta),
		"policy": map[string]any{
			"cap":   s.Cap,
			"delta": s.Delta,
		},
	}
	return m
}

func optionalFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func valueOrZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// Accountant is the durable, SQLite-backed privacy budget ledger.
type Accountant struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open creates (or reuses) the accountant database at path.
func Open(path string, logger zerolog.Logger) (*Accountant, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("accountant: create data dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("accountant: open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("accountant: apply schema: %w", err)
	}
	return &Accountant{db: db, logger: logger.With().Str("component", "accountant").Logger()}, nil
}

// Close releases the underlying database handle.
func (a *Accountant) Close() error { return a.db.Close() }

// MonthKey renders the calendar-month period key for a day, e.g. "2025-10".
func MonthKey(dayISO string) string {
	if len(dayISO) < 7 {
		return dayISO
	}
	return dayISO[:7]
}

// CanRelease reports whether spending epsilon more on metric this month
// would still fit under cap, with a small floating-point tolerance.
func (a *Accountant) CanRelease(ctx context.Context, metric string, epsilon float64, dayISO string, cap float64) (bool, error) {
	spent, err := a.SpentBudget(ctx, metric, dayISO)
	if err != nil {
		return false, err
	}
	return spent+epsilon <= cap+1e-9, nil
}

// SpentBudget returns the naive sum of epsilon spent on metric this
// calendar month.
func (a *Accountant) SpentBudget(ctx context.Context, metric, dayISO string) (float64, error) {
	period := MonthKey(dayISO)
	var spent float64
	err := a.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(epsilon), 0) FROM releases WHERE metric = ? AND period = ?`,
		metric, period).Scan(&spent)
	if err != nil {
		return 0, fmt.Errorf("accountant: spent budget: %w", err)
	}
	return spent, nil
}

// RemainingBudget returns max(0, cap - spent).
func (a *Accountant) RemainingBudget(ctx context.Context, metric, dayISO string, cap float64) (float64, error) {
	spent, err := a.SpentBudget(ctx, metric, dayISO)
	if err != nil {
		return 0, err
	}
	return math.Max(0, cap-spent), nil
}

// RecordRelease appends a naive release row.
func (a *Accountant) RecordRelease(ctx context.Context, metric, dayISO string, epsilon, delta float64, mechanism string, seed uint64) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO releases (metric, day, period, epsilon, delta, mechanism, seed) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		metric, dayISO, MonthKey(dayISO), epsilon, delta, mechanism, int64(seed),
	)
	if err != nil {
		return fmt.Errorf("accountant: record release: %w", err)
	}
	return nil
}

// ResetMonth purges naive releases and RDP points for a metric/period.
func (a *Accountant) ResetMonth(ctx context.Context, metric, period string) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("accountant: begin reset tx: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM releases WHERE metric = ? AND period = ?`, metric, period); err != nil {
		return fmt.Errorf("accountant: reset releases: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rdp_releases WHERE metric = ? AND period = ?`, metric, period); err != nil {
		return fmt.Errorf("accountant: reset rdp releases: %w", err)
	}
	return tx.Commit()
}

// LogRDP appends a Rényi-DP point for the given order, rejecting
// orders <= 1 and negative epsilon values.
func (a *Accountant) LogRDP(ctx context.Context, metric, dayISO string, order, epsilonAlpha float64) error {
	if order <= 1 || epsilonAlpha < 0 {
		return ErrInvalidRdpOrder
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO rdp_releases (metric, day, period, alpha, epsilon_alpha) VALUES (?, ?, ?, ?, ?)`,
		metric, dayISO, MonthKey(dayISO), order, epsilonAlpha,
	)
	if err != nil {
		return fmt.Errorf("accountant: log rdp point: %w", err)
	}
	return nil
}

// SpentRDP returns, for each requested order (or every order logged
// this month when orders is empty), the sum of epsilon_alpha logged.
func (a *Accountant) SpentRDP(ctx context.Context, metric, dayISO string, orders []float64) (map[float64]float64, error) {
	period := MonthKey(dayISO)
	rows, err := a.db.QueryContext(ctx,
		`SELECT alpha, SUM(epsilon_alpha) FROM rdp_releases WHERE metric = ? AND period = ? GROUP BY alpha`,
		metric, period)
	if err != nil {
		return nil, fmt.Errorf("accountant: spent rdp: %w", err)
	}
	defer rows.Close()

	all := make(map[float64]float64)
	for rows.Next() {
		var order, sum float64
		if err := rows.Scan(&order, &sum); err != nil {
			return nil, fmt.Errorf("accountant: scan rdp row: %w", err)
		}
		all[order] = sum
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return all, nil
	}
	out := make(map[float64]float64, len(orders))
	for _, o := range orders {
		if v, ok := all[o]; ok {
			out[o] = v
		}
	}
	return out, nil
}

// BestRDPEpsilon converts the RDP curve to an (epsilon, delta)-DP bound
// via epsilon* = min_alpha (epsilon_alpha + ln(1/delta)/(alpha-1)),
// returning the best order alongside it. Returns (nil, nil) if there
// are no points to convert.
func (a *Accountant) BestRDPEpsilon(ctx context.Context, metric, dayISO string, delta float64, orders []float64) (*float64, *float64, error) {
	curve, err := a.SpentRDP(ctx, metric, dayISO, orders)
	if err != nil {
		return nil, nil, err
	}
	if len(curve) == 0 {
		return nil, nil, nil
	}
	var bestEps, bestOrder float64
	first := true
	for order, epsAlpha := range curve {
		candidate := epsAlpha + math.Log(1/delta)/(order-1)
		if first || candidate < bestEps {
			bestEps, bestOrder = candidate, order
			first = false
		}
	}
	return &bestEps, &bestOrder, nil
}

// AdvancedEpsilonDelta computes the advanced composition bound over a
// set of (epsilon, delta) releases for an additional failure
// probability deltaPrime:
// epsilon* = sqrt(2*ln(1/deltaPrime)*sum(eps^2)) + sum(eps*(e^eps - 1)),
// delta* = sum(delta) + deltaPrime.
func AdvancedEpsilonDelta(releases []Release, deltaPrime float64) (epsilon, delta float64) {
	var sumSq, sumTerm, sumDelta float64
	for _, r := range releases {
		sumSq += r.Epsilon * r.Epsilon
		sumTerm += r.Epsilon * (math.Exp(r.Epsilon) - 1)
		sumDelta += r.Delta
	}
	epsilon = math.Sqrt(2*math.Log(1/deltaPrime)*sumSq) + sumTerm
	delta = sumDelta + deltaPrime
	return epsilon, delta
}

func (a *Accountant) releasesForMonth(ctx context.Context, metric, period string) ([]Release, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT metric, day, period, epsilon, delta, mechanism, seed FROM releases WHERE metric = ? AND period = ?`,
		metric, period)
	if err != nil {
		return nil, fmt.Errorf("accountant: releases for month: %w", err)
	}
	defer rows.Close()

	var out []Release
	for rows.Next() {
		var r Release
		var seed int64
		if err := rows.Scan(&r.Metric, &r.Day, &r.Period, &r.Epsilon, &r.Delta, &r.Mechanism, &seed); err != nil {
			return nil, fmt.Errorf("accountant: scan release: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// BudgetSnapshot combines naive spend, the RDP curve, the best
// RDP-derived epsilon, and the advanced composition bound for a
// metric/day into one reportable structure.
func (a *Accountant) BudgetSnapshot(ctx context.Context, metric, dayISO string, cap, delta float64, orders []float64, advancedDelta float64) (Snapshot, error) {
	period := MonthKey(dayISO)
	spent, err := a.SpentBudget(ctx, metric, dayISO)
	if err != nil {
		return Snapshot{}, err
	}
	curve, err := a.SpentRDP(ctx, metric, dayISO, orders)
	if err != nil {
		return Snapshot{}, err
	}
	releases, err := a.releasesForMonth(ctx, metric, period)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		Metric:       metric,
		Period:       period,
		SpentNaive:   spent,
		Cap:          cap,
		RDPCurve:     curve,
		RDPOrders:    append([]float64(nil), orders...),
		ReleaseCount: len(releases),
		Delta:        delta,
	}
	sort.Float64s(snap.RDPOrders)

	if delta > 0 {
		bestEps, bestOrder, err := a.BestRDPEpsilon(ctx, metric, dayISO, delta, orders)
		if err != nil {
			return Snapshot{}, err
		}
		snap.BestRDPEpsilon = bestEps
		snap.BestRDPOrder = bestOrder
	}
	if len(releases) > 0 {
		advEps, advDelta := AdvancedEpsilonDelta(releases, advancedDelta)
		snap.AdvancedEpsilon = &advEps
		snap.AdvancedDelta = &advDelta
	}

	snap.CompositionLabel = "naive"
	if delta > 0 && snap.BestRDPEpsilon != nil {
		snap.CompositionLabel = "rdp"
	}
	return snap, nil
}

// SpentEpsilon is a convenience accessor equivalent to SpentBudget,
// named to match the accountant's RDP-era test surface.
func (a *Accountant) SpentEpsilon(ctx context.Context, metric, dayISO string) (float64, error) {
	return a.SpentBudget(ctx, metric, dayISO)
}

// MonthlyReleaseCount returns how many naive releases have been
// recorded for metric this calendar month.
func (a *Accountant) MonthlyReleaseCount(ctx context.Context, metric, dayISO string) (int, error) {
	period := MonthKey(dayISO)
	var count int
	err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM releases WHERE metric = ? AND period = ?`, metric, period).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("accountant: monthly release count: %w", err)
	}
	return count, nil
}
