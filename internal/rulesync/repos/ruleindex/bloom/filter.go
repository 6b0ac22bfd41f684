package bloom

import (
	"math"
	"sync"

	bitsbloom "github.com/bits-and-blooms/bloom/v3"
)

// Filter is a Bloom filter over rule anchor domains. A negative answer is
// definitive: no pattern anchored at that name exists.
type Filter struct {
	mu sync.RWMutex
	bf *bitsbloom.BloomFilter
}

// New sizes a filter for capacity anchors at the target false-positive rate.
func New(capacity uint64, fpRate float64) *Filter {
	m, k := Size(capacity, fpRate)
	return &Filter{bf: bitsbloom.New(uint(m), uint(k))}
}

func (f *Filter) Add(anchor string) {
	f.mu.Lock()
	f.bf.AddString(anchor)
	f.mu.Unlock()
}

func (f *Filter) MightContain(anchor string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.bf.TestString(anchor)
}

// Size computes Bloom filter parameters from capacity (n) and target FP rate (p):
//
//	m = - (n * ln p) / (ln 2)^2
//	k = (m / n) * ln 2
//
// Results are clamped to at least 1; an invalid p defaults to 1%.
func Size(n uint64, p float64) (m uint64, k uint8) {
	if n == 0 {
		n = 1
	}
	if !(p > 0 && p < 1) {
		p = 0.01
	}
	ln2 := math.Ln2
	m = uint64(math.Ceil(-float64(n) * math.Log(p) / (ln2 * ln2)))
	if m == 0 {
		m = 1
	}
	k = uint8(math.Max(1, math.Round((float64(m)/float64(n))*ln2)))
	return m, k
}
