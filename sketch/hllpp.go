package sketch

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// HLLPP is a HyperLogLog++ distinct-count backend: a register array of
// 5-bit ranks with small- and large-range bias correction. It does not
// support ANotB; the window package rebuilds a dirty day's snapshot
// from the ledger instead, and RebuildFromKeys repopulates a sketch
// from a key set.
type HLLPP struct {
	precision int
	m         int
	alpha     float64
	registers []uint8
}

func precisionFromConfig(cfg Config) int {
	if cfg.Precision >= 4 && cfg.Precision <= 16 {
		return cfg.Precision
	}
	// Derive a precision from K when only K is configured, clamped to
	// the valid HLL++ range, so the same Config works across backends.
	p := 4
	for (1 << p) < cfg.K && p < 16 {
		p++
	}
	if p < 4 {
		p = 4
	}
	if p > 16 {
		p = 16
	}
	return p
}

// NewHLLPP builds an empty HLL++ sketch sized by cfg.Precision (or a
// precision derived from cfg.K when Precision is unset).
func NewHLLPP(cfg Config) Sketch {
	p := precisionFromConfig(cfg)
	m := 1 << p
	return &HLLPP{
		precision: p,
		m:         m,
		alpha:     0.7213 / (1 + 1.079/float64(m)),
		registers: make([]uint8, m),
	}
}

func hllHash(key []byte) uint64 {
	sum := sha256.Sum256(key)
	return binary.BigEndian.Uint64(sum[:8])
}

func rho(w uint64, maxBits int) int {
	leading := 1
	for leading <= maxBits && w&0x8000000000000000 == 0 {
		leading++
		w <<= 1
	}
	return leading
}

func (h *HLLPP) Add(key []byte) {
	x := hllHash(key)
	idx := x & uint64(h.m-1)
	w := x >> uint(h.precision)
	rank := rho(w<<uint(h.precision), 64-h.precision)
	if uint8(rank) > h.registers[idx] {
		h.registers[idx] = uint8(rank)
	}
}

func (h *HLLPP) Union(other Sketch) error {
	o, ok := other.(*HLLPP)
	if !ok {
		return ErrMismatch
	}
	if o.precision != h.precision {
		return ErrMismatch
	}
	for i := range h.registers {
		if o.registers[i] > h.registers[i] {
			h.registers[i] = o.registers[i]
		}
	}
	return nil
}

// ANotB is unsupported for HLL++: affected days must be rebuilt from
// the day snapshot's cached key set instead.
func (h *HLLPP) ANotB(Sketch) (Sketch, error) {
	return nil, ErrUnsupported
}

func (h *HLLPP) Estimate() float64 {
	indicatorSum := 0.0
	zeros := 0
	for _, r := range h.registers {
		indicatorSum += math.Pow(2, -float64(r))
		if r == 0 {
			zeros++
		}
	}
	raw := h.alpha * float64(h.m) * float64(h.m) / indicatorSum
	if raw <= 2.5*float64(h.m) && zeros > 0 {
		return float64(h.m) * math.Log(float64(h.m)/float64(zeros))
	}
	const twoPow32 = 1 << 32
	if raw > (1.0/30.0)*twoPow32 {
		return -twoPow32 * math.Log(1-raw/twoPow32)
	}
	return raw
}

func (h *HLLPP) Copy() Sketch {
	regs := make([]uint8, len(h.registers))
	copy(regs, h.registers)
	return &HLLPP{precision: h.precision, m: h.m, alpha: h.alpha, registers: regs}
}

// Compact is a no-op: the register array is already fixed-size.
func (h *HLLPP) Compact() {}

// Serialize emits a one-byte precision header followed by the raw
// register array.
func (h *HLLPP) Serialize() []byte {
	buf := make([]byte, 1+len(h.registers))
	buf[0] = byte(h.precision)
	copy(buf[1:], h.registers)
	return buf
}

// DeserializeHLLPP reverses Serialize.
func DeserializeHLLPP(payload []byte, _ Config) (*HLLPP, error) {
	if len(payload) < 1 {
		return nil, ErrUnsupported
	}
	precision := int(payload[0])
	if precision < 4 || precision > 16 {
		return nil, ErrUnsupported
	}
	m := 1 << precision
	if len(payload)-1 != m {
		return nil, ErrUnsupported
	}
	regs := make([]uint8, m)
	copy(regs, payload[1:])
	return &HLLPP{
		precision: precision,
		m:         m,
		alpha:     0.7213 / (1 + 1.079/float64(m)),
		registers: regs,
	}, nil
}

// RebuildFromKeys clears and repopulates the sketch from a fresh key
// set, the documented workaround for HLL++'s missing ANotB.
func (h *HLLPP) RebuildFromKeys(keys [][]byte) {
	for i := range h.registers {
		h.registers[i] = 0
	}
	for _, k := range keys {
		h.Add(k)
	}
}
