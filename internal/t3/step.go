package t3

import (
	"fmt"

	"github.com/samcharles93/aria/internal/sampling"
)

// decodeStep runs one fused decode iteration: CFG mix, processor chain,
// sample, token write, embedding lookup, forward. i is the decode index;
// the sampled token lands in buffer slot i+1 and its embedding uses
// positional row i+1. Everything flows through the pinned buffers, so the
// scheduler can replay the forward from a captured step.
func (s *Session) decodeStep(i int) (int32, error) {
	ic := s.ic

	row := ic.logits.Row(0)
	if s.req.cfgWeight > 0 {
		sampling.MixCFG(ic.mixed, ic.logits.Row(0), ic.logits.Row(1), s.req.cfgWeight)
		row = ic.mixed
	}
	s.chain.Process(ic.tokens[:i+1], row)
	next := s.sampler.Sample(row)
	ic.tokens[i+1] = next

	s.embeds.Lookup(ic.stepEmbeds.Row(0), next, i+1)
	for b := 1; b < ic.batch; b++ {
		ic.stepEmbeds.SetRow(b, ic.stepEmbeds.Row(0))
	}
	pos := s.cache.Len()
	for b := range ic.positions {
		ic.positions[b] = int32(pos)
	}

	if err := s.sched.Step(pos); err != nil {
		return 0, fmt.Errorf("t3: decode step %d: %w", i, err)
	}
	if err := s.cache.Advance(1); err != nil {
		return 0, fmt.Errorf("t3: decode step %d: %w", i, err)
	}
	return next, nil
}

// scanStop returns the index of the first stop token, or -1.
func scanStop(tokens []int32, stop int32) int {
	for i, t := range tokens {
		if t == stop {
			return i
		}
	}
	return -1
}
