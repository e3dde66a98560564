// Package pipeline wires hashing, the ledger, the sketch registry, the
// window manager, noise mechanisms, and the privacy accountant into
// the end-to-end ingest-and-release engine.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/rand"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/haloanalytics/dpdau/accountant"
	"github.com/haloanalytics/dpdau/config"
	"github.com/haloanalytics/dpdau/hashing"
	"github.com/haloanalytics/dpdau/ledger"
	"github.com/haloanalytics/dpdau/noise"
	"github.com/haloanalytics/dpdau/sketch"
	"github.com/haloanalytics/dpdau/window"
)

type pipelineError string

func (e pipelineError) Error() string { return string(e) }

const (
	// ErrInvalidEvent is returned for an event whose op is not '+' or '-'.
	ErrInvalidEvent = pipelineError("pipeline: event op must be '+' or '-'")
	// ErrInvalidConfig is returned when Settings fail validation at
	// pipeline construction time.
	ErrInvalidConfig = pipelineError("pipeline: invalid configuration")
)

// BudgetExceededError re-exports the accountant's structured error so
// callers need only import this package to handle it.
type BudgetExceededError = accountant.BudgetExceededError

// Event is one turnstile-stream record to ingest.
type Event struct {
	UserID   string
	Op       string // "+" or "-"
	Day      hashing.Day
	Metadata map[string]any
}

func (e Event) metadataJSON() (string, error) {
	if e.Metadata == nil {
		return "{}", nil
	}
	b, err := json.Marshal(e.Metadata)
	if err != nil {
		return "", fmt.Errorf("pipeline: marshal event metadata: %w", err)
	}
	return string(b), nil
}

func (e Event) metadataDays() []string {
	raw, ok := e.Metadata["days"]
	if !ok {
		return nil
	}
	list, ok := raw.([]string)
	if ok {
		return list
	}
	if anyList, ok := raw.([]any); ok {
		out := make([]string, 0, len(anyList))
		for _, v := range anyList {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// ReleasePayload is the externally facing result of a daily or monthly
// release.
type ReleasePayload struct {
	Day             string
	Estimate        float64
	Lower95         float64
	Upper95         float64
	EpsilonUsed     float64
	Delta           float64
	Mechanism       noise.Mechanism
	SketchImpl      string
	BudgetRemaining float64
	ExactValue      float64
	WindowDays      *int // set only for MAU releases
}

// Pipeline is the end-to-end ingest-and-release orchestrator.
type Pipeline struct {
	settings    config.Settings
	logger      zerolog.Logger
	saltManager *hashing.SaltManager
	ledger      *ledger.Ledger
	accountant  *accountant.Accountant
	registry    *sketch.Registry
	window      *window.Manager
}

// Option customizes pipeline construction, primarily for tests that
// want to place the durable stores under a temporary directory.
type Option func(*buildOpts)

type buildOpts struct {
	dataDir string
}

// WithDataDir overrides Settings.Storage.DataDir for this pipeline.
func WithDataDir(dir string) Option {
	return func(o *buildOpts) { o.dataDir = dir }
}

// New constructs a Pipeline from Settings, opening (or creating) the
// durable ledger and accountant databases under the configured data
// directory and registering every available sketch backend.
func New(settings config.Settings, logger zerolog.Logger, opts ...Option) (*Pipeline, error) {
	built := buildOpts{dataDir: settings.Storage.DataDir}
	for _, opt := range opts {
		opt(&built)
	}

	if err := validate(settings); err != nil {
		return nil, err
	}

	secret := settings.Security.HashSaltSecret
	if secret == "" {
		random, err := hashing.GenerateRandomSecret()
		if err != nil {
			return nil, fmt.Errorf("pipeline: mint random salt secret: %w", err)
		}
		secret = random
		settings.Security.HashSaltSecret = secret
		logger.Warn().Msg("no hash salt secret configured; minted a random one for this process")
	}
	saltManager, err := hashing.NewSaltManager(secret, settings.Security.HashSaltRotationDays)
	if err != nil {
		return nil, fmt.Errorf("pipeline: build salt manager: %w", err)
	}

	ledgersDir := filepath.Join(built.dataDir, "ledgers")
	led, err := ledger.Open(filepath.Join(ledgersDir, "ledger.sqlite"), logger)
	if err != nil {
		return nil, fmt.Errorf("pipeline: open ledger: %w", err)
	}
	acct, err := accountant.Open(filepath.Join(ledgersDir, "dp_budget.sqlite"), logger)
	if err != nil {
		led.Close()
		return nil, fmt.Errorf("pipeline: open accountant: %w", err)
	}

	registry, err := buildRegistry(settings)
	if err != nil {
		led.Close()
		acct.Close()
		return nil, err
	}

	return &Pipeline{
		settings:    settings,
		logger:      logger.With().Str("component", "pipeline").Logger(),
		saltManager: saltManager,
		ledger:      led,
		accountant:  acct,
		registry:    registry,
		window:      window.NewManager(registry),
	}, nil
}

func validate(s config.Settings) error {
	if s.DP.EpsilonDAU <= 0 || s.DP.EpsilonMAU <= 0 {
		return fmt.Errorf("%w: epsilon values must be > 0", ErrInvalidConfig)
	}
	if s.DP.Delta < 0 || s.DP.Delta >= 1 {
		return fmt.Errorf("%w: delta must be in [0, 1)", ErrInvalidConfig)
	}
	if len(s.DP.RDPOrders) == 0 {
		return fmt.Errorf("%w: rdp_orders must not be empty", ErrInvalidConfig)
	}
	return nil
}

func buildRegistry(s config.Settings) (*sketch.Registry, error) {
	cfg := sketch.Config{
		K:              s.Sketch.K,
		UseBloomForANB: s.Sketch.UseBloomForDiff,
		BloomFPRate:    s.Sketch.BloomFPRate,
	}
	registry := sketch.NewRegistry(cfg, s.Sketch.Impl)
	registry.Register("set", sketch.NewSet)
	registry.Register("kmv", sketch.NewKMV)
	registry.Register("hllpp", sketch.NewHLLPP)
	if _, err := sketch.NewThetaChecked(cfg); err != nil {
		// No Theta binding available in this build; "theta" stays
		// unregistered, mirroring the reference implementation's
		// try/except around its optional import.
	}
	if !registry.Has(s.Sketch.Impl) {
		return nil, fmt.Errorf("%w: requested sketch implementation %q is unavailable", ErrInvalidConfig, s.Sketch.Impl)
	}
	return registry, nil
}

// Close releases the durable store handles.
func (p *Pipeline) Close() error {
	err1 := p.ledger.Close()
	err2 := p.accountant.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func seedFor(metric, dayISO string, defaultSeed uint64) uint64 {
	message := fmt.Sprintf("%s:%s:%d", metric, dayISO, defaultSeed)
	digest := sha256.Sum256([]byte(message))
	return binary.BigEndian.Uint64(digest[:8])
}

// loaderFor adapts the ledger's FetchDayEvents to the window package's
// EventsLoader shape.
func (p *Pipeline) loaderFor() window.EventsLoader {
	return func(ctx context.Context, dayISO string) ([]window.LoaderEvent, error) {
		rows, err := p.ledger.FetchDayEvents(ctx, dayISO)
		if err != nil {
			return nil, err
		}
		out := make([]window.LoaderEvent, len(rows))
		for i, r := range rows {
			out[i] = window.LoaderEvent{Op: r.Op, Key: r.UserKey}
		}
		return out, nil
	}
}

// IngestEvent records a single activity or deletion event, dirtying
// whichever day snapshots it affects.
func (p *Pipeline) IngestEvent(ctx context.Context, e Event) error {
	if e.Op != "+" && e.Op != "-" {
		return ErrInvalidEvent
	}
	dayISO := e.Day.ISO()
	userKey := hashing.HashUserID(p.saltManager, e.UserID, e.Day)
	userRoot, err := hashing.HashUserRoot(p.settings.Security.HashSaltSecret, e.UserID)
	if err != nil {
		return fmt.Errorf("pipeline: hash user root: %w", err)
	}
	metadataJSON, err := e.metadataJSON()
	if err != nil {
		return err
	}

	if err := p.ledger.RecordActivity(ctx, ledger.ActivityEntry{
		Day: dayISO, UserKey: userKey[:], UserRoot: userRoot[:], Op: e.Op, Metadata: metadataJSON,
	}); err != nil {
		return fmt.Errorf("pipeline: record activity: %w", err)
	}
	p.window.MarkDirty(dayISO)

	if e.Op == "-" {
		days := e.metadataDays()
		if len(days) == 0 {
			days, err = p.ledger.DaysForUser(ctx, userRoot[:])
			if err != nil {
				return fmt.Errorf("pipeline: resolve days for user: %w", err)
			}
		}
		if !containsString(days, dayISO) {
			days = append(days, dayISO)
		}
		if _, err := p.ledger.RecordErasure(ctx, ledger.ErasureEntry{
			UserRoot: userRoot[:], Days: days, Pending: true,
		}); err != nil {
			return fmt.Errorf("pipeline: record erasure: %w", err)
		}
		for _, affected := range dedupe(days) {
			p.window.MarkDirty(affected)
		}
	}
	return nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// IngestBatch ingests every event in order. An error aborts the batch
// and reports which index failed; everything before it is already
// durable.
func (p *Pipeline) IngestBatch(ctx context.Context, events []Event) error {
	for i, e := range events {
		if err := p.IngestEvent(ctx, e); err != nil {
			return fmt.Errorf("pipeline: ingest batch at index %d: %w", i, err)
		}
	}
	return nil
}

// ReplayDeletions marks every day touched by a pending erasure dirty
// and marks the erasure processed. After this call no pending erasure
// remains.
func (p *Pipeline) ReplayDeletions(ctx context.Context) error {
	pending, err := p.ledger.PendingErasures(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: list pending erasures: %w", err)
	}
	for _, erasure := range pending {
		for _, day := range erasure.Days {
			p.window.MarkDirty(day)
		}
		if err := p.ledger.MarkErasureProcessed(ctx, erasure.ID); err != nil {
			return fmt.Errorf("pipeline: mark erasure processed: %w", err)
		}
	}
	return nil
}

func (p *Pipeline) release(ctx context.Context, metric, dayISO string, base, sensitivity float64) (noise.Result, error) {
	var epsilon, delta, cap float64
	switch metric {
	case "dau":
		epsilon, cap = p.settings.DP.EpsilonDAU, p.settings.DP.DAUBudgetTotal
	case "mau":
		epsilon, delta, cap = p.settings.DP.EpsilonMAU, p.settings.DP.Delta, p.settings.DP.MAUBudgetTotal
	default:
		return noise.Result{}, fmt.Errorf("%w: unknown metric %q", ErrInvalidConfig, metric)
	}

	ok, err := p.accountant.CanRelease(ctx, metric, epsilon, dayISO, cap)
	if err != nil {
		return noise.Result{}, fmt.Errorf("pipeline: check budget: %w", err)
	}
	if !ok {
		return noise.Result{}, &accountant.BudgetExceededError{Metric: metric, Day: dayISO}
	}

	seed := seedFor(metric, dayISO, p.settings.DP.DefaultSeed)
	rng := rand.New(rand.NewSource(int64(seed)))

	var result noise.Result
	if delta > 0 {
		result, err = noise.ApplyGaussian(base, sensitivity, epsilon, delta, rng, seed)
	} else {
		result, err = noise.ApplyLaplace(base, sensitivity, epsilon, rng, seed)
	}
	if err != nil {
		return noise.Result{}, fmt.Errorf("pipeline: apply noise: %w", err)
	}

	if err := p.accountant.RecordRelease(ctx, metric, dayISO, epsilon, delta, string(result.Mechanism), seed); err != nil {
		return noise.Result{}, fmt.Errorf("pipeline: record release: %w", err)
	}
	return result, nil
}

// GetDailyRelease replays pending deletions, computes the day's DAU
// sketch estimate, and releases a noisy DP count gated by the daily
// epsilon budget.
func (p *Pipeline) GetDailyRelease(ctx context.Context, day hashing.Day) (ReleasePayload, error) {
	if err := p.ReplayDeletions(ctx); err != nil {
		return ReleasePayload{}, err
	}
	dayISO := day.ISO()
	_, _, keys, err := p.window.GetDAU(ctx, dayISO, p.loaderFor())
	if err != nil {
		return ReleasePayload{}, fmt.Errorf("pipeline: get dau snapshot: %w", err)
	}
	baseValue := float64(len(keys))
	sensitivity := float64(p.settings.DP.WBound)
	if sensitivity > 1 {
		sensitivity = 1 // DAU neighbor-dataset sensitivity is min(w_bound, 1)
	}

	result, err := p.release(ctx, "dau", dayISO, baseValue, sensitivity)
	if err != nil {
		return ReleasePayload{}, err
	}
	remaining, err := p.accountant.RemainingBudget(ctx, "dau", dayISO, p.settings.DP.DAUBudgetTotal)
	if err != nil {
		return ReleasePayload{}, fmt.Errorf("pipeline: remaining budget: %w", err)
	}

	return ReleasePayload{
		Day:             dayISO,
		Estimate:        result.NoisyValue,
		Lower95:         result.ConfidenceIntervalLo,
		Upper95:         result.ConfidenceIntervalHi,
		EpsilonUsed:     result.Epsilon,
		Delta:           result.Delta,
		Mechanism:       result.Mechanism,
		SketchImpl:      p.registry.DefaultImpl(),
		BudgetRemaining: remaining,
		ExactValue:      baseValue,
	}, nil
}

// GetMAURelease replays pending deletions, unions windowDays of day
// snapshots (or the configured default window when windowDays is nil),
// and releases a noisy DP count gated by the monthly epsilon budget.
func (p *Pipeline) GetMAURelease(ctx context.Context, endDay hashing.Day, windowDays *int) (ReleasePayload, error) {
	if err := p.ReplayDeletions(ctx); err != nil {
		return ReleasePayload{}, err
	}
	windowSize := p.settings.Sketch.MAUWindowDays
	if windowDays != nil {
		windowSize = *windowDays
	}
	endISO := endDay.ISO()
	_, unionSketch, err := p.window.GetMAU(ctx, endISO, windowSize, p.loaderFor())
	if err != nil {
		return ReleasePayload{}, fmt.Errorf("pipeline: get mau snapshot: %w", err)
	}
	baseValue := unionSketch.Estimate()
	sensitivity := float64(p.settings.DP.WBound)

	result, err := p.release(ctx, "mau", endISO, baseValue, sensitivity)
	if err != nil {
		return ReleasePayload{}, err
	}
	remaining, err := p.accountant.RemainingBudget(ctx, "mau", endISO, p.settings.DP.MAUBudgetTotal)
	if err != nil {
		return ReleasePayload{}, fmt.Errorf("pipeline: remaining budget: %w", err)
	}

	return ReleasePayload{
		Day:             endISO,
		Estimate:        result.NoisyValue,
		Lower95:         result.ConfidenceIntervalLo,
		Upper95:         result.ConfidenceIntervalHi,
		EpsilonUsed:     result.Epsilon,
		Delta:           result.Delta,
		Mechanism:       result.Mechanism,
		SketchImpl:      p.registry.DefaultImpl(),
		BudgetRemaining: remaining,
		ExactValue:      baseValue,
		WindowDays:      &windowSize,
	}, nil
}

// ResetBudget purges a metric's naive and RDP release rows for a given
// "YYYY-MM" period.
func (p *Pipeline) ResetBudget(ctx context.Context, metric, period string) error {
	return p.accountant.ResetMonth(ctx, metric, period)
}

// Accountant exposes the underlying accountant for budget-snapshot
// reporting without the pipeline needing to proxy every accessor.
func (p *Pipeline) Accountant() *accountant.Accountant { return p.accountant }
