package graph

import (
	"errors"
	"fmt"
	"unsafe"
)

var (
	// ErrGuardMismatch is returned by Guard when a pinned buffer no longer
	// matches what the handle was captured against.
	ErrGuardMismatch = errors.New("graph: binding guard mismatch")
	// ErrCaptureUnsupported is returned by capture callbacks that cannot
	// build a replayable step for the requested bucket.
	ErrCaptureUnsupported = errors.New("graph: capture unsupported")
)

// Binding records the identity of one pinned buffer: its name, base address
// and element count. A captured step is only valid while every binding it
// was recorded with still resolves identically.
type Binding struct {
	Name string
	Addr uintptr
	Len  int
}

// Bind derives the binding for a pinned slice.
func Bind[T any](name string, s []T) Binding {
	return Binding{
		Name: name,
		Addr: uintptr(unsafe.Pointer(unsafe.SliceData(s))),
		Len:  len(s),
	}
}

// Handle is one captured, replayable step for a single bucket length.
type Handle struct {
	Bucket   int
	Bindings []Binding

	run StepFunc
}

// Guard checks the recorded bindings against the current ones. Any
// difference means a pinned buffer was re-allocated since capture and the
// handle must not replay.
func (h *Handle) Guard(current []Binding) error {
	if len(current) != len(h.Bindings) {
		return fmt.Errorf("%w: %d bindings recorded, %d current", ErrGuardMismatch, len(h.Bindings), len(current))
	}
	for i, b := range h.Bindings {
		if b != current[i] {
			return fmt.Errorf("%w: %s", ErrGuardMismatch, b.Name)
		}
	}
	return nil
}

// Replay executes the captured step. Callers must pass Guard first.
func (h *Handle) Replay() error { return h.run() }
