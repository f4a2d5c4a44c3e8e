package sampling

import (
	"math"
	"math/rand/v2"
)

// Sampler draws token ids from processed logits rows. A fixed seed produces
// an identical draw sequence, which is what makes whole-generation
// determinism testable. Not safe for concurrent use; each session owns one.
type Sampler struct {
	rng    *rand.Rand
	greedy bool
	probs  []float64
}

// NewSampler creates a sampler seeded with seed. greedy selects argmax
// decoding and leaves the rng untouched so seeded and greedy runs stay
// independent.
func NewSampler(seed uint64, greedy bool) *Sampler {
	return &Sampler{
		rng:    rand.New(rand.NewPCG(seed, seed^0xda3e39cb94b95bdb)),
		greedy: greedy,
	}
}

// Sample draws one token id from the softmax of logits. Rows whose surviving
// probability mass underflows to zero fall back to argmax, so a fully
// masked row still yields a sampleable candidate.
func (s *Sampler) Sample(logits []float32) int32 {
	if s.greedy {
		return Argmax(logits)
	}

	maxv := float32(math.Inf(-1))
	for _, l := range logits {
		if l > maxv {
			maxv = l
		}
	}
	if math.IsInf(float64(maxv), -1) {
		return Argmax(logits)
	}

	if cap(s.probs) < len(logits) {
		s.probs = make([]float64, len(logits))
	}
	probs := s.probs[:len(logits)]

	var sum float64
	for i, l := range logits {
		e := math.Exp(float64(l - maxv))
		probs[i] = e
		sum += e
	}
	if sum <= 0 || math.IsNaN(sum) {
		return Argmax(logits)
	}

	r := s.rng.Float64() * sum
	var cum float64
	for i, p := range probs {
		cum += p
		if r < cum {
			return int32(i)
		}
	}

	// Rounding can leave r marginally above the final cumulative value;
	// return the last live candidate.
	for i := len(probs) - 1; i >= 0; i-- {
		if probs[i] > 0 {
			return int32(i)
		}
	}
	return Argmax(logits)
}

// Argmax returns the index of the largest logit, preferring the lowest
// index on ties. Panics on an empty row.
func Argmax(logits []float32) int32 {
	if len(logits) == 0 {
		panic("sampling: argmax of empty row")
	}
	best := int32(0)
	bestV := logits[0]
	for i := 1; i < len(logits); i++ {
		if logits[i] > bestV {
			bestV = logits[i]
			best = int32(i)
		}
	}
	return best
}
