package graph

import (
	"errors"
	"fmt"

	"github.com/samcharles93/aria/internal/logger"
	"github.com/samcharles93/aria/internal/metrics"
)

// DefaultWarmupRuns is how many eager steps a bucket serves before its
// first capture attempt. Early steps exercise lazy initialization paths
// that must not be recorded into a replayable closure.
const DefaultWarmupRuns = 3

// StepFunc runs one fixed-shape decode step against the pinned buffers.
type StepFunc func() error

// CaptureFunc builds a replayable step closure pre-bound to the current
// pinned buffers at one bucket length. Implementations return
// ErrCaptureUnsupported (or any other error) to decline; the scheduler then
// serves that bucket eagerly for the rest of the process.
type CaptureFunc func(bucket int) (StepFunc, error)

// Config wires a Scheduler.
type Config struct {
	// Step is the eager fixed-shape step. Required.
	Step StepFunc
	// Capture is the model's capture capability. Nil disables capture and
	// every step runs eagerly.
	Capture CaptureFunc
	// Bindings reports the current pinned-buffer bindings. Required when
	// Capture is set; the guard compares these against each handle.
	Bindings func() []Binding
	// BucketSize and Limit parameterize NextBucket.
	BucketSize int
	Limit      int
	// WarmupRuns overrides DefaultWarmupRuns when non-negative.
	WarmupRuns int

	Log logger.Logger
}

// Stats is a point-in-time snapshot of scheduler activity.
type Stats struct {
	Replays         int
	EagerSteps      int
	Captures        int
	GuardTrips      int
	CaptureFailures int
}

// Scheduler routes each decode step to a captured replay when a valid
// handle exists for the step's bucket, and to the eager step otherwise.
// It is not safe for concurrent use; the session's cache checkout already
// serializes callers.
type Scheduler struct {
	step       StepFunc
	capture    CaptureFunc
	bindings   func() []Binding
	bucketSize int
	limit      int
	warmupRuns int
	log        logger.Logger

	handles map[int]*Handle
	warmups map[int]int
	dead    map[int]bool
	stats   Stats
}

// NewScheduler validates cfg and returns a scheduler with no captures yet.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Step == nil {
		return nil, errors.New("graph: Config.Step is required")
	}
	if cfg.BucketSize <= 0 || cfg.Limit <= 0 {
		return nil, fmt.Errorf("graph: invalid bucketing %d/%d", cfg.BucketSize, cfg.Limit)
	}
	if cfg.Capture != nil && cfg.Bindings == nil {
		return nil, errors.New("graph: Config.Bindings is required with Capture")
	}
	warm := cfg.WarmupRuns
	if warm < 0 {
		warm = DefaultWarmupRuns
	}
	log := cfg.Log
	if log == nil {
		log = logger.Nop()
	}
	return &Scheduler{
		step:       cfg.Step,
		capture:    cfg.Capture,
		bindings:   cfg.Bindings,
		bucketSize: cfg.BucketSize,
		limit:      cfg.Limit,
		warmupRuns: warm,
		log:        log,
		handles:    make(map[int]*Handle),
		warmups:    make(map[int]int),
		dead:       make(map[int]bool),
	}, nil
}

// Step executes one decode step at total sequence position pos.
//
// The fast path replays the bucket's captured handle after its guard
// passes. A guard trip discards the handle and re-captures against the
// current bindings in the same call. A missing handle runs eagerly until
// the bucket has served its warmup runs, then captures. Capture errors
// park the bucket on the eager path permanently; they never fail the step.
func (s *Scheduler) Step(pos int) error {
	if s.capture == nil {
		return s.eager()
	}
	bucket := NextBucket(pos, s.bucketSize, s.limit)
	if h := s.handles[bucket]; h != nil {
		if err := h.Guard(s.bindings()); err != nil {
			s.stats.GuardTrips++
			metrics.GuardTrips.Inc()
			s.log.Debug("discarding captured step", "bucket", bucket, "reason", err)
			delete(s.handles, bucket)
		} else {
			return s.replay(h)
		}
	}
	if s.dead[bucket] {
		return s.eager()
	}
	if s.warmups[bucket] < s.warmupRuns {
		s.warmups[bucket]++
		return s.eager()
	}

	run, err := s.capture(bucket)
	if err != nil {
		s.dead[bucket] = true
		s.stats.CaptureFailures++
		metrics.GraphCaptureFailures.Inc()
		if errors.Is(err, ErrCaptureUnsupported) {
			s.log.Debug("step capture unsupported", "bucket", bucket)
		} else {
			s.log.Warn("step capture failed, bucket stays eager", "bucket", bucket, "error", err)
		}
		return s.eager()
	}
	h := &Handle{Bucket: bucket, Bindings: s.bindings(), run: run}
	s.handles[bucket] = h
	s.stats.Captures++
	metrics.GraphCaptures.Inc()
	s.log.Debug("captured step", "bucket", bucket, "bindings", len(h.Bindings))
	return s.replay(h)
}

func (s *Scheduler) eager() error {
	s.stats.EagerSteps++
	metrics.DecodeSteps.WithLabelValues(metrics.PathEager).Inc()
	return s.step()
}

func (s *Scheduler) replay(h *Handle) error {
	s.stats.Replays++
	metrics.DecodeSteps.WithLabelValues(metrics.PathReplay).Inc()
	return h.Replay()
}

// Stats returns a snapshot of activity since construction.
func (s *Scheduler) Stats() Stats { return s.stats }
