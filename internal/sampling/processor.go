// Package sampling implements the logits transformation pipeline and the
// categorical sampler used by the decode loop.
//
// The pipeline is an ordered chain: repetition penalty, temperature, min-p,
// top-p. Every stage rewrites a fixed-length logits row in place and masks
// with -Inf instead of shrinking the row, so a chain invocation has the same
// memory behaviour on every step and can sit inside a captured step graph.
// Stages whose parameters are no-ops are excluded when the chain is built;
// parameter branching happens once at build time, never per step.
package sampling

import (
	"math"
	"slices"
)

// Params are the sampling knobs exposed to callers. Zero values disable the
// corresponding stage except Temperature, where 0 selects greedy decoding.
type Params struct {
	Temperature       float32
	TopP              float32
	MinP              float32
	RepetitionPenalty float32
	Seed              uint64
}

// Greedy reports whether the caller asked for argmax decoding.
func (p Params) Greedy() bool { return p.Temperature <= 0 }

// Processor rewrites one vocab-sized logits row in place. history holds the
// token ids generated so far (most recent last).
type Processor interface {
	Process(history []int32, logits []float32)
}

// Chain is the composed stage list. Building the chain resolves which stages
// do real work; a chain built from all-no-op params is empty and Process
// leaves the row untouched.
//
// Masking stages keep at least the running maximum alive: min-p keeps the
// max by construction and top-p always retains the first element of the
// sorted prefix, so a chain can never mask every candidate.
type Chain struct {
	stages []Processor
}

// NewChain builds the pipeline for the given params in the fixed order
// repetition penalty, temperature, min-p, top-p.
func NewChain(p Params) *Chain {
	c := &Chain{}
	if p.RepetitionPenalty > 0 && p.RepetitionPenalty != 1.0 {
		c.stages = append(c.stages, newRepetitionPenalty(p.RepetitionPenalty))
	}
	if p.Temperature > 0 && p.Temperature != 1.0 {
		c.stages = append(c.stages, temperature{inv: 1.0 / p.Temperature})
	}
	if p.MinP > 0 && p.MinP < 1 {
		c.stages = append(c.stages, minP{logThreshold: math.Log(float64(p.MinP))})
	}
	if p.TopP > 0 && p.TopP < 1 {
		c.stages = append(c.stages, newTopP(p.TopP))
	}
	return c
}

// Len returns the number of active stages.
func (c *Chain) Len() int { return len(c.stages) }

// Process runs every active stage over logits in order.
func (c *Chain) Process(history []int32, logits []float32) {
	for _, s := range c.stages {
		s.Process(history, logits)
	}
}

// repetitionPenalty divides the logit of every token already generated by
// the penalty when positive and multiplies when negative, so penalised
// tokens always move toward improbable regardless of sign. The seen-epoch
// trick avoids clearing the dedup table between steps.
type repetitionPenalty struct {
	penalty   float32
	seenMark  []uint32
	seenEpoch uint32
}

func newRepetitionPenalty(penalty float32) *repetitionPenalty {
	return &repetitionPenalty{penalty: penalty}
}

func (r *repetitionPenalty) Process(history []int32, logits []float32) {
	if len(history) == 0 {
		return
	}
	if len(r.seenMark) < len(logits) {
		r.seenMark = make([]uint32, len(logits))
	}
	r.seenEpoch++
	if r.seenEpoch == 0 {
		clear(r.seenMark)
		r.seenEpoch = 1
	}

	for _, id := range history {
		if id < 0 || int(id) >= len(logits) || r.seenMark[id] == r.seenEpoch {
			continue
		}
		r.seenMark[id] = r.seenEpoch
		if logits[id] > 0 {
			logits[id] /= r.penalty
		} else {
			logits[id] *= r.penalty
		}
	}
}

// temperature scales logits by the inverse temperature.
type temperature struct {
	inv float32
}

func (t temperature) Process(_ []int32, logits []float32) {
	for i := range logits {
		logits[i] *= t.inv
	}
}

// minP masks tokens whose probability falls below minP times the maximum
// probability. Softmax is monotone in the logits, so the probability ratio
// test collapses to a log-space comparison against max + ln(minP); no
// normalization pass is needed and the maximum always survives.
type minP struct {
	logThreshold float64
}

func (m minP) Process(_ []int32, logits []float32) {
	maxv := float32(math.Inf(-1))
	for _, l := range logits {
		if l > maxv {
			maxv = l
		}
	}
	if math.IsInf(float64(maxv), -1) {
		return
	}
	threshold := float32(float64(maxv) + m.logThreshold)
	neg := float32(math.Inf(-1))
	for i, l := range logits {
		if l < threshold {
			logits[i] = neg
		}
	}
}

// topP keeps the smallest set of highest-probability tokens whose cumulative
// mass reaches p and masks the rest. The scratch index and probability
// slices are reused across steps so a fixed-vocab row never reallocates.
type topP struct {
	p     float64
	idx   []int32
	probs []float64
}

func newTopP(p float32) *topP {
	return &topP{p: float64(p)}
}

func (t *topP) Process(_ []int32, logits []float32) {
	n := len(logits)
	if cap(t.idx) < n {
		t.idx = make([]int32, n)
		t.probs = make([]float64, n)
	}
	idx := t.idx[:n]
	probs := t.probs[:n]

	maxv := float32(math.Inf(-1))
	for _, l := range logits {
		if l > maxv {
			maxv = l
		}
	}
	if math.IsInf(float64(maxv), -1) {
		return
	}

	var sum float64
	for i, l := range logits {
		idx[i] = int32(i)
		e := math.Exp(float64(l - maxv))
		probs[i] = e
		sum += e
	}
	if sum <= 0 {
		return
	}

	sortByProbDesc(idx, probs)

	// Walk the sorted prefix until the cumulative mass reaches p. The first
	// element is always kept, even when it alone exceeds p.
	cut := n
	var cum float64
	for i := int32(0); int(i) < n; i++ {
		cum += probs[idx[i]] / sum
		if cum >= t.p {
			cut = int(i) + 1
			break
		}
	}

	neg := float32(math.Inf(-1))
	for i := cut; i < n; i++ {
		logits[idx[i]] = neg
	}
}

// sortByProbDesc sorts idx so that probs[idx[i]] descends. Ties keep the
// lower token id first so the cut point is stable across runs.
func sortByProbDesc(idx []int32, probs []float64) {
	slices.SortFunc(idx, func(a, b int32) int {
		switch {
		case probs[a] > probs[b]:
			return -1
		case probs[a] < probs[b]:
			return 1
		default:
			return int(a - b)
		}
	})
}

// MixCFG writes the classifier-free-guidance blend of a conditional and
// unconditional logits row into dst: cond + w*(cond-uncond). dst may alias
// cond. All three slices must have equal length.
func MixCFG(dst, cond, uncond []float32, w float32) {
	if len(dst) != len(cond) || len(cond) != len(uncond) {
		panic("sampling: cfg row length mismatch")
	}
	for i := range dst {
		dst[i] = cond[i] + w*(cond[i]-uncond[i])
	}
}
