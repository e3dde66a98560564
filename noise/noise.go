// Package noise implements the Laplace and Gaussian DP mechanisms used
// to release distinct-count estimates without exceeding a metric's
// privacy budget.
package noise

import (
	"fmt"
	"math"
	"math/rand"
)

// Mechanism names the noise distribution a Result was produced with.
type Mechanism string

const (
	Laplace  Mechanism = "laplace"
	Gaussian Mechanism = "gaussian"
)

// Result carries a noisy release alongside everything needed to audit
// and reproduce it.
type Result struct {
	Value                float64
	NoisyValue           float64
	Mechanism            Mechanism
	Epsilon              float64
	Delta                float64
	ConfidenceIntervalLo float64
	ConfidenceIntervalHi float64
	Seed                 uint64
}

// z95 is the 95% two-sided standard normal quantile.
const z95 = 1.959963984540054

// ApplyLaplace adds Laplace(0, sensitivity/epsilon) noise to value,
// seeded deterministically via rng so repeated releases for the same
// metric/day/seed reproduce identically.
func ApplyLaplace(value, sensitivity, epsilon float64, rng *rand.Rand, seed uint64) (Result, error) {
	if epsilon <= 0 {
		return Result{}, fmt.Errorf("noise: epsilon must be > 0 for laplace mechanism")
	}
	scale := sensitivity / epsilon
	noise := sampleLaplace(scale, rng)
	noisy := value + noise
	const alpha = 0.05
	z := -scale * math.Log(alpha/2)
	return Result{
		Value:                value,
		NoisyValue:           noisy,
		Mechanism:            Laplace,
		Epsilon:              epsilon,
		Delta:                0,
		ConfidenceIntervalLo: noisy - z,
		ConfidenceIntervalHi: noisy + z,
		Seed:                 seed,
	}, nil
}

// ApplyGaussian adds N(0, sigma^2) noise calibrated for
// (epsilon, delta)-DP under the classical Gaussian mechanism,
// sigma = sqrt(2*ln(1.25/delta)) * sensitivity / epsilon.
func ApplyGaussian(value, sensitivity, epsilon, delta float64, rng *rand.Rand, seed uint64) (Result, error) {
	if epsilon <= 0 || delta <= 0 || delta >= 1 {
		return Result{}, fmt.Errorf("noise: gaussian mechanism requires epsilon > 0 and 0 < delta < 1")
	}
	sigma := math.Sqrt(2*math.Log(1.25/delta)) * sensitivity / epsilon
	noise := rng.NormFloat64() * sigma
	noisy := value + noise
	return Result{
		Value:                value,
		NoisyValue:           noisy,
		Mechanism:            Gaussian,
		Epsilon:              epsilon,
		Delta:                delta,
		ConfidenceIntervalLo: noisy - z95*sigma,
		ConfidenceIntervalHi: noisy + z95*sigma,
		Seed:                 seed,
	}, nil
}

// sampleLaplace draws one sample from Laplace(0, scale) using the
// inverse-CDF method, matching the construction of the reference
// implementation this package is ported from.
func sampleLaplace(scale float64, rng *rand.Rand) float64 {
	u := rng.Float64() - 0.5
	sign := 1.0
	if u < 0 {
		sign = -1.0
	}
	return -scale * sign * math.Log(1-2*math.Abs(u))
}
