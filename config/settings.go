// Package config defines the settings surface the core consumes. The
// core never reads the environment itself — Load, below, is a
// peripheral convenience for callers (the demo command) that want to
// build a Settings from the process environment.
package config

// DPSettings tunes the differential-privacy mechanisms and budgets.
type DPSettings struct {
	EpsilonDAU      float64
	EpsilonMAU      float64
	Delta           float64
	AdvancedDelta   float64
	WBound          int
	DAUBudgetTotal  float64
	MAUBudgetTotal  float64
	DefaultSeed     uint64
	RDPOrders       []float64
}

// SketchSettings selects and sizes the distinct-count sketch backend.
type SketchSettings struct {
	Impl                 string // "set" | "kmv" | "hllpp" | "theta"
	K                    int
	MAUWindowDays        int
	HLLRebuildDaysBuffer int
	UseBloomForDiff      bool
	BloomFPRate          float64
}

// StorageSettings controls where the durable ledger and accountant
// databases live on disk.
type StorageSettings struct {
	DataDir string
}

// SecuritySettings controls hashing/salt behavior.
type SecuritySettings struct {
	HashSaltSecret       string
	HashSaltRotationDays int
}

// Settings is the full configuration surface the pipeline consumes.
type Settings struct {
	DP       DPSettings
	Sketch   SketchSettings
	Storage  StorageSettings
	Security SecuritySettings
}

// Default returns the configuration defaults named by the external
// interface table: epsilon_dau=0.3, epsilon_mau=0.5, delta=1e-6,
// advanced_delta=1e-7, w_bound=2, dau/mau budget totals 3.0/3.5,
// sketch.impl=kmv, sketch.k=4096, mau_window_days=30,
// hll_rebuild_days_buffer=3, use_bloom_for_diff=true,
// bloom_fp_rate=0.01, hash_salt_rotation_days=30. The hash salt secret
// is left empty here; when it is still empty, pipeline.New mints a
// random one for the process with hashing.GenerateRandomSecret.
func Default() Settings {
	return Settings{
		DP: DPSettings{
			EpsilonDAU:     0.3,
			EpsilonMAU:     0.5,
			Delta:          1e-6,
			AdvancedDelta:  1e-7,
			WBound:         2,
			DAUBudgetTotal: 3.0,
			MAUBudgetTotal: 3.5,
			DefaultSeed:    20251009,
			RDPOrders:      []float64{2, 4, 8, 16, 32},
		},
		Sketch: SketchSettings{
			Impl:                 "kmv",
			K:                    4096,
			MAUWindowDays:        30,
			HLLRebuildDaysBuffer: 3,
			UseBloomForDiff:      true,
			BloomFPRate:          0.01,
		},
		Storage: StorageSettings{
			DataDir: "./data",
		},
		Security: SecuritySettings{
			HashSaltRotationDays: 30,
		},
	}
}
