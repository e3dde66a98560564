package sketch

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetSketchExact(t *testing.T) {
	s := NewSet(Config{})
	s.Add([]byte("alice"))
	s.Add([]byte("alice"))
	s.Add([]byte("bob"))
	require.Equal(t, 2.0, s.Estimate())
}

func TestSetSketchUnionANotB(t *testing.T) {
	a := NewSet(Config{})
	a.Add([]byte("alice"))
	a.Add([]byte("bob"))
	b := NewSet(Config{})
	b.Add([]byte("bob"))
	b.Add([]byte("carol"))

	diff, err := a.ANotB(b)
	require.NoError(t, err)
	require.Equal(t, 1.0, diff.Estimate())

	require.NoError(t, a.Union(b))
	require.Equal(t, 3.0, a.Estimate())
}

func TestSetSketchRoundTrip(t *testing.T) {
	s := NewSet(Config{})
	s.Add([]byte("alice"))
	s.Add([]byte("bob"))
	payload := s.Serialize()
	back, err := DeserializeSet(payload, Config{})
	require.NoError(t, err)
	require.Equal(t, s.Estimate(), back.Estimate())
}

func TestKMVExactUnderK(t *testing.T) {
	cfg := Config{K: 512}
	s := NewKMV(cfg)
	for _, u := range []string{"a", "b", "c"} {
		s.Add([]byte(u))
	}
	require.Equal(t, 3.0, s.Estimate())
}

func TestKMVAccuracy(t *testing.T) {
	cfg := Config{K: 512}
	s := NewKMV(cfg)
	for i := 0; i < 5000; i++ {
		s.Add([]byte(fmt.Sprintf("user-%d", i)))
	}
	est := s.Estimate()
	relErr := math.Abs(est-5000) / 5000
	require.Less(t, relErr, 0.25)
}

func TestKMVUnionDeduplicates(t *testing.T) {
	cfg := Config{K: 4096}
	a := NewKMV(cfg)
	a.Add([]byte("alice"))
	a.Add([]byte("bob"))
	b := NewKMV(cfg)
	b.Add([]byte("bob"))
	b.Add([]byte("carol"))
	require.NoError(t, a.Union(b))
	require.Equal(t, 3.0, a.Estimate())
}

func TestKMVANotBWithBloom(t *testing.T) {
	cfg := Config{K: 4096, UseBloomForANB: true, BloomFPRate: 0.01}
	a := NewKMV(cfg)
	a.Add([]byte("alice"))
	a.Add([]byte("bob"))
	b := NewKMV(cfg)
	b.Add([]byte("bob"))

	diff, err := a.ANotB(b)
	require.NoError(t, err)
	require.Equal(t, 1.0, diff.Estimate())
}

func TestKMVRoundTrip(t *testing.T) {
	cfg := Config{K: 4096}
	s := NewKMV(cfg).(*KMVSketch)
	for i := 0; i < 100; i++ {
		s.Add([]byte(fmt.Sprintf("user-%d", i)))
	}
	payload := s.Serialize()
	back, err := DeserializeKMV(payload, cfg)
	require.NoError(t, err)
	require.InEpsilon(t, s.Estimate(), back.Estimate(), 0.1)
}

func TestMismatchedBackendsFail(t *testing.T) {
	a := NewSet(Config{})
	b := NewKMV(Config{K: 64})
	_, err := a.ANotB(b)
	require.ErrorIs(t, err, ErrMismatch)
	require.ErrorIs(t, b.Union(a), ErrMismatch)
}

func TestHLLPPEstimateWithinTolerance(t *testing.T) {
	cfg := Config{Precision: 12}
	h := NewHLLPP(cfg)
	const n = 10000
	for i := 0; i < n; i++ {
		h.Add([]byte(fmt.Sprintf("user-%d", i)))
	}
	est := h.Estimate()
	relErr := math.Abs(est-n) / n
	require.Less(t, relErr, 0.1)
}

func TestHLLPPUnion(t *testing.T) {
	cfg := Config{Precision: 10}
	a := NewHLLPP(cfg)
	b := NewHLLPP(cfg)
	for i := 0; i < 500; i++ {
		a.Add([]byte(fmt.Sprintf("a-%d", i)))
	}
	for i := 0; i < 500; i++ {
		b.Add([]byte(fmt.Sprintf("b-%d", i)))
	}
	require.NoError(t, a.Union(b))
	est := a.Estimate()
	require.InEpsilon(t, 1000, est, 0.15)
}

func TestHLLPPANotBUnsupported(t *testing.T) {
	cfg := Config{Precision: 8}
	a := NewHLLPP(cfg)
	b := NewHLLPP(cfg)
	_, err := a.ANotB(b)
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestHLLPPRoundTrip(t *testing.T) {
	cfg := Config{Precision: 8}
	h := NewHLLPP(cfg).(*HLLPP)
	for i := 0; i < 50; i++ {
		h.Add([]byte(fmt.Sprintf("user-%d", i)))
	}
	payload := h.Serialize()
	back, err := DeserializeHLLPP(payload, cfg)
	require.NoError(t, err)
	require.InEpsilon(t, h.Estimate(), back.Estimate(), 0.1)
}

func TestThetaUnavailable(t *testing.T) {
	_, err := NewThetaChecked(Config{})
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestRegistryUnknownImpl(t *testing.T) {
	reg := NewRegistry(Config{K: 4096}, "kmv")
	reg.Register("set", NewSet)
	reg.Register("kmv", NewKMV)
	_, err := reg.Create("nonexistent")
	require.ErrorIs(t, err, ErrUnknownImpl)

	s, err := reg.Create("")
	require.NoError(t, err)
	require.NotNil(t, s)
}
