// Command dpdaudemo wires the full differentially-private DAU/MAU
// pipeline together against a local data directory, ingests a small
// sample of turnstile events, and prints the resulting noisy releases.
// It exists to exercise the wiring end to end; it is not the product
// surface (no HTTP server, no CLI flag parsing beyond -dev).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/haloanalytics/dpdau/config"
	"github.com/haloanalytics/dpdau/hashing"
	"github.com/haloanalytics/dpdau/logger"
	"github.com/haloanalytics/dpdau/pipeline"
)

func main() {
	dev := flag.Bool("dev", false, "enable debug-level console logging")
	flag.Parse()

	cfg := config.Load()
	log := logger.New(*dev)

	log.Info().Str("data_dir", cfg.Storage.DataDir).Str("sketch_impl", cfg.Sketch.Impl).
		Msg("dpdau pipeline starting")

	p, err := pipeline.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("pipeline init failed")
	}
	defer func() {
		if err := p.Close(); err != nil {
			log.Error().Err(err).Msg("pipeline close failed")
		}
	}()

	ctx := context.Background()
	if err := seedSampleActivity(ctx, p); err != nil {
		log.Fatal().Err(err).Msg("sample ingest failed")
	}

	day, _ := hashing.ParseDay("2025-10-03")
	dau, err := p.GetDailyRelease(ctx, day)
	if err != nil {
		log.Fatal().Err(err).Msg("daily release failed")
	}
	printRelease("dau", dau)

	mau, err := p.GetMAURelease(ctx, day, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("mau release failed")
	}
	printRelease("mau", mau)
}

func seedSampleActivity(ctx context.Context, p *pipeline.Pipeline) error {
	users := []string{"alice", "bob", "carol", "dave"}
	days := []string{"2025-10-01", "2025-10-02", "2025-10-03"}

	var events []pipeline.Event
	for _, dayISO := range days {
		day, err := hashing.ParseDay(dayISO)
		if err != nil {
			return fmt.Errorf("parse sample day: %w", err)
		}
		for _, user := range users {
			events = append(events, pipeline.Event{UserID: user, Op: "+", Day: day})
		}
	}
	return p.IngestBatch(ctx, events)
}

func printRelease(metric string, release pipeline.ReleasePayload) {
	payload := map[string]any{
		"metric":           metric,
		"day":              release.Day,
		"estimate":         release.Estimate,
		"ci95_lo":          release.Lower95,
		"ci95_hi":          release.Upper95,
		"epsilon_used":     release.EpsilonUsed,
		"delta":            release.Delta,
		"mechanism":        release.Mechanism,
		"sketch_impl":      release.SketchImpl,
		"budget_remaining": release.BudgetRemaining,
	}
	if release.WindowDays != nil {
		payload["window_days"] = *release.WindowDays
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
