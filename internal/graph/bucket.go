// Package graph provides the captured-step machinery for the decode loop:
// sequence lengths are quantized to bucket boundaries, and for each bucket a
// replayable step closure can be captured against the pinned buffers so the
// per-step dispatch cost disappears. A binding guard protects every replay;
// when a pinned buffer moves the capture is discarded and rebuilt.
package graph

// NextBucket returns the smallest multiple of step strictly greater than
// pos, capped at limit. Quantizing to buckets keeps the number of captured
// shapes small: one capture serves every position below its boundary.
func NextBucket(pos, step, limit int) int {
	if step <= 0 {
		panic("graph: bucket step must be positive")
	}
	if pos < 0 {
		pos = 0
	}
	b := (pos/step + 1) * step
	if b > limit {
		return limit
	}
	return b
}
