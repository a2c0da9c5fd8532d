// Package workload generates synthetic access patterns for exercising the
// Bucket's admission policy: a Zipfian distribution concentrates access on
// a small "hot" subset of object IDs, which is what separates a
// frequency-aware admission policy from plain LRU (spec.md §4.2, scenario
// S6's "make entry A frequent, B and C cold").
//
// Grounded on the teacher's benchmarks/pkg/workload (GenerateZipf), kept
// as-is algorithmically and retargeted from generating string keys to the
// uint64 object IDs this module's Key type uses.
package workload

import (
	"math"
	"math/rand/v2"
)

// ZipfObjectIDs returns n object IDs drawn from a Zipfian distribution
// over [0, keySpace), skewed toward low IDs by theta (higher theta means
// more skew toward a small hot set).
func ZipfObjectIDs(n, keySpace int, theta float64, seed uint64) []uint64 {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	ids := make([]uint64, n)

	spread := keySpace + 1
	zeta2 := computeZeta(2, theta)
	zetaN := computeZeta(uint64(spread), theta)
	alpha := 1.0 / (1.0 - theta)
	eta := (1 - math.Pow(2.0/float64(spread), 1.0-theta)) / (1.0 - zeta2/zetaN)
	halfPowTheta := 1.0 + math.Pow(0.5, theta)

	for i := range n {
		u := rng.Float64()
		uz := u * zetaN
		var result int
		switch {
		case uz < 1.0:
			result = 0
		case uz < halfPowTheta:
			result = 1
		default:
			result = int(float64(spread) * math.Pow(eta*u-eta+1.0, alpha))
		}
		if result >= keySpace {
			result = keySpace - 1
		}
		//nolint:gosec // G115: keySpace is a small test/benchmark parameter, never near uint64 overflow
		ids[i] = uint64(result)
	}
	return ids
}

// computeZeta computes zeta(n, theta) = sum(1/i^theta) for i=1..n.
func computeZeta(n uint64, theta float64) float64 {
	sum := 0.0
	for i := uint64(1); i <= n; i++ {
		sum += 1.0 / math.Pow(float64(i), theta)
	}
	return sum
}
