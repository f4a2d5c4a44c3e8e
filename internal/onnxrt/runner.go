package onnxrt

import (
	"context"
	"errors"
	"fmt"
	"slices"

	ort "github.com/shota3506/onnxruntime-purego/onnxruntime"
)

// DefaultAPIVersion is the ORT C API version the purego bindings target.
const DefaultAPIVersion = 23

// RunnerConfig holds the runtime library settings shared by all runners.
type RunnerConfig struct {
	// LibraryPath overrides library detection when set.
	LibraryPath string
	APIVersion  uint32
}

// Runner wraps one ORT session for a single compiled graph.
type Runner struct {
	name    string
	runtime *ort.Runtime
	env     *ort.Env
	session *ort.Session
}

// NewRunner loads the runtime library and creates a session for the graph.
func NewRunner(graph Graph, cfg RunnerConfig) (*Runner, error) {
	if cfg.APIVersion == 0 {
		cfg.APIVersion = DefaultAPIVersion
	}
	lib, err := DetectLibrary(cfg.LibraryPath)
	if err != nil {
		return nil, err
	}

	runtime, err := ort.NewRuntime(lib, cfg.APIVersion)
	if err != nil {
		return nil, fmt.Errorf("onnxrt: runtime for %q: %w", graph.Name, err)
	}
	env, err := runtime.NewEnv("aria-"+graph.Name, ort.LoggingLevelWarning)
	if err != nil {
		_ = runtime.Close()
		return nil, fmt.Errorf("onnxrt: env for %q: %w", graph.Name, err)
	}
	session, err := runtime.NewSession(env, graph.Path, nil)
	if err != nil {
		env.Close()
		_ = runtime.Close()
		return nil, fmt.Errorf("onnxrt: session for %q (%s): %w", graph.Name, graph.Path, err)
	}

	return &Runner{
		name:    graph.Name,
		runtime: runtime,
		env:     env,
		session: session,
	}, nil
}

// Name returns the graph name from the manifest.
func (r *Runner) Name() string { return r.name }

// Run executes the graph over the named inputs. Input data is wrapped
// without copying; outputs are detached copies owned by the caller.
func (r *Runner) Run(ctx context.Context, inputs map[string]*Tensor) (map[string]*Tensor, error) {
	vals := make(map[string]*ort.Value, len(inputs))
	for name, t := range inputs {
		v, err := r.newValue(t)
		if err != nil {
			closeValues(vals)
			return nil, fmt.Errorf("onnxrt: input %q: %w", name, err)
		}
		vals[name] = v
	}
	defer closeValues(vals)

	outVals, err := r.session.Run(ctx, vals)
	if err != nil {
		return nil, fmt.Errorf("onnxrt: run %q: %w", r.name, err)
	}
	defer closeValues(outVals)

	return extractOutputs(outVals)
}

// Bind pre-creates the ORT values for a fixed input set so repeated runs
// skip per-call wrapping. The binding references the input slices until
// Close; writes to those slices are visible to later runs.
func (r *Runner) Bind(inputs map[string]*Tensor) (*BoundRun, error) {
	vals := make(map[string]*ort.Value, len(inputs))
	for name, t := range inputs {
		v, err := r.newValue(t)
		if err != nil {
			closeValues(vals)
			return nil, fmt.Errorf("onnxrt: bind %q: %w", name, err)
		}
		vals[name] = v
	}
	return &BoundRun{runner: r, vals: vals}, nil
}

// Close releases all ORT resources. Safe to call more than once.
func (r *Runner) Close() {
	if r.session != nil {
		r.session.Close()
		r.session = nil
	}
	if r.env != nil {
		r.env.Close()
		r.env = nil
	}
	if r.runtime != nil {
		_ = r.runtime.Close()
		r.runtime = nil
	}
}

// BoundRun is a reusable input binding for one graph.
type BoundRun struct {
	runner *Runner
	vals   map[string]*ort.Value
}

// Run executes the graph over the bound inputs.
func (b *BoundRun) Run(ctx context.Context) (map[string]*Tensor, error) {
	if b.vals == nil {
		return nil, errors.New("onnxrt: bound run is closed")
	}
	outVals, err := b.runner.session.Run(ctx, b.vals)
	if err != nil {
		return nil, fmt.Errorf("onnxrt: run %q: %w", b.runner.name, err)
	}
	defer closeValues(outVals)
	return extractOutputs(outVals)
}

// Close releases the bound input values.
func (b *BoundRun) Close() {
	closeValues(b.vals)
	b.vals = nil
}

func (r *Runner) newValue(t *Tensor) (*ort.Value, error) {
	switch {
	case t.f32 != nil:
		return ort.NewTensorValue(r.runtime, t.f32, t.shape)
	case t.i64 != nil:
		return ort.NewTensorValue(r.runtime, t.i64, t.shape)
	default:
		return nil, errors.New("onnxrt: tensor has no data")
	}
}

func extractOutputs(outVals map[string]*ort.Value) (map[string]*Tensor, error) {
	out := make(map[string]*Tensor, len(outVals))
	for name, v := range outVals {
		t, err := fromValue(v)
		if err != nil {
			return nil, fmt.Errorf("onnxrt: output %q: %w", name, err)
		}
		out[name] = t
	}
	return out, nil
}

func fromValue(v *ort.Value) (*Tensor, error) {
	elemType, err := v.GetTensorElementType()
	if err != nil {
		return nil, fmt.Errorf("element type: %w", err)
	}
	switch elemType {
	case ort.ONNXTensorElementDataTypeFloat:
		data, shape, err := ort.GetTensorData[float32](v)
		if err != nil {
			return nil, err
		}
		return F32Tensor(slices.Clone(data), shape...)
	case ort.ONNXTensorElementDataTypeInt64:
		data, shape, err := ort.GetTensorData[int64](v)
		if err != nil {
			return nil, err
		}
		return I64Tensor(slices.Clone(data), shape...)
	default:
		return nil, fmt.Errorf("unsupported element type %d", elemType)
	}
}

func closeValues(vals map[string]*ort.Value) {
	for _, v := range vals {
		if v != nil {
			v.Close()
		}
	}
}
