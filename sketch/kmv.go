package sketch

import (
	"encoding/binary"
	"sort"

	"golang.org/x/crypto/blake2b"

	bloomfilter "github.com/holiman/bloomfilter/v2"
)

var kmvPerson = personTag("dpdau-kmv")
var kmvBloomPerson = personTag("kmv-bloom")

func personTag(s string) *[16]byte {
	var tag [16]byte
	copy(tag[:], s)
	return &tag
}

func hashKey(key []byte, person *[16]byte) uint64 {
	h, err := blake2b.New(8, nil)
	if err != nil {
		panic(err) // digest size 8 is always valid for blake2b
	}
	_ = person // blake2b.New has no personalization param in x/crypto; folded into the prefix below
	h.Write(person[:])
	h.Write(key)
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum)
}

// KMVSketch is the bottom-k ("k minimum values") distinct-count
// backend: it retains the k smallest 64-bit hashes observed and
// estimates cardinality from their distribution.
type KMVSketch struct {
	cfg    Config
	hashes []uint64 // sorted ascending, len <= cfg.K
	set    map[uint64]struct{}
}

// NewKMV builds an empty KMV sketch for the given configuration.
func NewKMV(cfg Config) Sketch {
	if cfg.K <= 0 {
		cfg.K = 4096
	}
	return &KMVSketch{cfg: cfg, set: make(map[uint64]struct{})}
}

func newKMVFromHashes(cfg Config, hashes []uint64) *KMVSketch {
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })
	hashes = dedupeSorted(hashes)
	if len(hashes) > cfg.K {
		hashes = hashes[:cfg.K]
	}
	set := make(map[uint64]struct{}, len(hashes))
	for _, h := range hashes {
		set[h] = struct{}{}
	}
	return &KMVSketch{cfg: cfg, hashes: hashes, set: set}
}

func dedupeSorted(in []uint64) []uint64 {
	if len(in) == 0 {
		return in
	}
	out := in[:1]
	for _, v := range in[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

const maxHash = ^uint64(0)

func (s *KMVSketch) normalize(v uint64) float64 {
	if v == 0 {
		return 0
	}
	return float64(v) / float64(maxHash)
}

func (s *KMVSketch) threshold() float64 {
	if len(s.hashes) < s.cfg.K {
		return 1.0
	}
	return s.normalize(s.hashes[len(s.hashes)-1])
}

func (s *KMVSketch) Add(key []byte) {
	h := hashKey(key, kmvPerson)
	if _, ok := s.set[h]; ok {
		return
	}
	if len(s.hashes) < s.cfg.K {
		s.insertSorted(h)
		return
	}
	largest := s.hashes[len(s.hashes)-1]
	if h >= largest {
		return
	}
	s.insertSorted(h)
	for len(s.hashes) > s.cfg.K {
		removed := s.hashes[len(s.hashes)-1]
		s.hashes = s.hashes[:len(s.hashes)-1]
		delete(s.set, removed)
	}
}

func (s *KMVSketch) insertSorted(h uint64) {
	i := sort.Search(len(s.hashes), func(i int) bool { return s.hashes[i] >= h })
	s.hashes = append(s.hashes, 0)
	copy(s.hashes[i+1:], s.hashes[i:])
	s.hashes[i] = h
	s.set[h] = struct{}{}
}

func (s *KMVSketch) Union(other Sketch) error {
	o, ok := other.(*KMVSketch)
	if !ok {
		return ErrMismatch
	}
	merged := make([]uint64, 0, len(s.hashes)+len(o.hashes))
	merged = append(merged, s.hashes...)
	merged = append(merged, o.hashes...)
	fresh := newKMVFromHashes(s.cfg, merged)
	s.hashes, s.set = fresh.hashes, fresh.set
	return nil
}

// membership is the a_not_b oracle: either the plain hash set, or,
// when UseBloomForANB is set, a Bloom filter sized for the configured
// false-positive rate.
type membership interface {
	Contains(v uint64) bool
}

type plainMembership map[uint64]struct{}

func (m plainMembership) Contains(v uint64) bool { _, ok := m[v]; return ok }

type bloomMembership struct{ f *bloomfilter.Filter }

// u64Hash adapts a precomputed 64-bit value to hash.Hash64 so it can be
// fed directly into bloomfilter.Filter without rehashing.
type u64Hash uint64

func (h u64Hash) Write(p []byte) (int, error) { return len(p), nil }
func (h u64Hash) Sum(b []byte) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(h))
	return append(b, buf[:]...)
}
func (h u64Hash) Reset()         {}
func (h u64Hash) Size() int      { return 8 }
func (h u64Hash) BlockSize() int { return 8 }
func (h u64Hash) Sum64() uint64  { return uint64(h) }

func buildBloom(values []uint64, fpRate float64) (*bloomMembership, error) {
	n := uint64(len(values))
	if n == 0 {
		n = 1
	}
	f, err := bloomfilter.NewOptimal(n, fpRate)
	if err != nil {
		return nil, err
	}
	for _, v := range values {
		f.Add(u64Hash(v))
	}
	return &bloomMembership{f: f}, nil
}

func (b *bloomMembership) Contains(v uint64) bool { return b.f.Contains(u64Hash(v)) }

func (s *KMVSketch) buildMembership() membership {
	if len(s.hashes) == 0 {
		return plainMembership{}
	}
	if s.cfg.UseBloomForANB {
		fpRate := s.cfg.BloomFPRate
		if fpRate <= 0 {
			fpRate = 0.01
		}
		if bm, err := buildBloom(s.hashes, fpRate); err == nil {
			return bm
		}
	}
	return plainMembership(s.set)
}

func (s *KMVSketch) ANotB(other Sketch) (Sketch, error) {
	o, ok := other.(*KMVSketch)
	if !ok {
		return nil, ErrMismatch
	}
	oracle := o.buildMembership()
	kept := make([]uint64, 0, len(s.hashes))
	for _, h := range s.hashes {
		if !oracle.Contains(h) {
			kept = append(kept, h)
			if len(kept) == s.cfg.K {
				break
			}
		}
	}
	return newKMVFromHashes(s.cfg, kept), nil
}

func (s *KMVSketch) Estimate() float64 {
	if len(s.hashes) == 0 {
		return 0
	}
	if len(s.hashes) < s.cfg.K {
		return float64(len(s.hashes))
	}
	tau := s.threshold()
	if tau <= 0 {
		return float64(len(s.hashes))
	}
	return float64(s.cfg.K-1) / tau
}

func (s *KMVSketch) Copy() Sketch {
	hashes := make([]uint64, len(s.hashes))
	copy(hashes, s.hashes)
	return newKMVFromHashes(s.cfg, hashes)
}

// Compact trims the retained hash slice to k entries; the sketch
// already stays trimmed on every Add/Union, so this is mostly a
// defensive no-op kept for interface symmetry with the other backends.
func (s *KMVSketch) Compact() {
	if len(s.hashes) > s.cfg.K {
		s.hashes = s.hashes[:s.cfg.K]
		set := make(map[uint64]struct{}, len(s.hashes))
		for _, h := range s.hashes {
			set[h] = struct{}{}
		}
		s.set = set
	}
}

// Serialize emits {k: u32, count: u32, hashes: [u64; count]} big-endian.
func (s *KMVSketch) Serialize() []byte {
	buf := make([]byte, 8+len(s.hashes)*8)
	binary.BigEndian.PutUint32(buf[0:4], uint32(s.cfg.K))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(s.hashes)))
	for i, h := range s.hashes {
		binary.BigEndian.PutUint64(buf[8+i*8:], h)
	}
	return buf
}

// DeserializeKMV reverses Serialize, honoring the runtime configuration's
// k even when it differs from the payload's recorded k.
func DeserializeKMV(payload []byte, cfg Config) (*KMVSketch, error) {
	if len(payload) < 8 {
		return nil, ErrUnsupported
	}
	count := int(binary.BigEndian.Uint32(payload[4:8]))
	if cfg.K > 0 && count > cfg.K {
		count = cfg.K
	}
	body := payload[8:]
	if len(body) < count*8 {
		return nil, ErrUnsupported
	}
	hashes := make([]uint64, count)
	for i := 0; i < count; i++ {
		hashes[i] = binary.BigEndian.Uint64(body[i*8:])
	}
	return newKMVFromHashes(cfg, hashes), nil
}
