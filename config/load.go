package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Load reads a Settings from the process environment (optionally
// seeded by a .env file), falling back to Default() for anything
// unset. This is peripheral to the core: the pipeline and its
// components only ever see a Settings value, never the environment.
func Load() Settings {
	_ = godotenv.Load()
	s := Default()

	s.DP.EpsilonDAU = getEnvFloat("DPDAU_EPSILON_DAU", s.DP.EpsilonDAU)
	s.DP.EpsilonMAU = getEnvFloat("DPDAU_EPSILON_MAU", s.DP.EpsilonMAU)
	s.DP.Delta = getEnvFloat("DPDAU_DELTA", s.DP.Delta)
	s.DP.AdvancedDelta = getEnvFloat("DPDAU_ADVANCED_DELTA", s.DP.AdvancedDelta)
	s.DP.WBound = getEnvInt("DPDAU_W_BOUND", s.DP.WBound)
	s.DP.DAUBudgetTotal = getEnvFloat("DPDAU_DAU_BUDGET_TOTAL", s.DP.DAUBudgetTotal)
	s.DP.MAUBudgetTotal = getEnvFloat("DPDAU_MAU_BUDGET_TOTAL", s.DP.MAUBudgetTotal)
	s.DP.DefaultSeed = uint64(getEnvInt("DPDAU_DEFAULT_SEED", int(s.DP.DefaultSeed)))
	if orders, ok := getEnvFloatList("DPDAU_RDP_ORDERS"); ok {
		s.DP.RDPOrders = orders
	}

	s.Sketch.Impl = getEnv("DPDAU_SKETCH_IMPL", s.Sketch.Impl)
	s.Sketch.K = getEnvInt("DPDAU_SKETCH_K", s.Sketch.K)
	s.Sketch.MAUWindowDays = getEnvInt("DPDAU_MAU_WINDOW_DAYS", s.Sketch.MAUWindowDays)
	s.Sketch.HLLRebuildDaysBuffer = getEnvInt("DPDAU_HLL_REBUILD_DAYS_BUFFER", s.Sketch.HLLRebuildDaysBuffer)
	s.Sketch.UseBloomForDiff = getEnvBool("DPDAU_USE_BLOOM_FOR_DIFF", s.Sketch.UseBloomForDiff)
	s.Sketch.BloomFPRate = getEnvFloat("DPDAU_BLOOM_FP_RATE", s.Sketch.BloomFPRate)

	s.Storage.DataDir = getEnv("DPDAU_DATA_DIR", s.Storage.DataDir)

	s.Security.HashSaltSecret = getEnv("DPDAU_HASH_SALT_SECRET", s.Security.HashSaltSecret)
	s.Security.HashSaltRotationDays = getEnvInt("DPDAU_HASH_SALT_ROTATION_DAYS", s.Security.HashSaltRotationDays)

	return s
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvFloatList(key string) ([]float64, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil, false
	}
	parts := strings.Split(v, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, false
		}
		out = append(out, f)
	}
	return out, true
}
