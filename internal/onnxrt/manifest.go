// Package onnxrt adapts the compiled-graph collaborators: the transformer
// backbone and the vocoder run as ONNX Runtime sessions behind the decode
// core's model contracts. A model directory is described by a model.json
// manifest naming every graph file, the raw embedding table files and the
// fixed hyperparameters.
package onnxrt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/samcharles93/aria/internal/t3"
	"github.com/samcharles93/aria/internal/tensor"
)

// Graph names the adapters resolve from the manifest.
const (
	GraphPrefill = "prefill"
	GraphDecode  = "decode"
	GraphVocoder = "vocoder"
)

// Defaults applied when a manifest omits the optional fields. The marker
// tokens are the released model's layout (speech vocab 6563 with the start
// and stop markers in the top two slots); a manifest for a different vocab
// must spell its markers out or fail validation.
const (
	defaultSpeechStart = 6561
	defaultSpeechStop  = 6562
	defaultSampleRate  = 24000
)

// NodeInfo describes one declared graph input or output.
type NodeInfo struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
}

// Graph is one compiled graph entry with its file path resolved against the
// manifest directory.
type Graph struct {
	Name    string
	Path    string
	Inputs  []NodeInfo
	Outputs []NodeInfo
}

type manifestFile struct {
	Hyperparams struct {
		Layers      int   `json:"layers"`
		Heads       int   `json:"heads"`
		HeadDim     int   `json:"head_dim"`
		Dim         int   `json:"dim"`
		TextVocab   int   `json:"text_vocab"`
		SpeechVocab int   `json:"speech_vocab"`
		SpeechStart int32 `json:"speech_start_token"`
		SpeechStop  int32 `json:"speech_stop_token"`
		TextStart   int32 `json:"start_text_token"`
		TextStop    int32 `json:"stop_text_token"`
	} `json:"hyperparams"`
	SampleRate int `json:"sample_rate"`
	Tables     struct {
		Speech   string `json:"speech"`
		Text     string `json:"text"`
		Position string `json:"position"`
	} `json:"tables"`
	Graphs []struct {
		Name     string     `json:"name"`
		Filename string     `json:"filename"`
		Inputs   []NodeInfo `json:"inputs"`
		Outputs  []NodeInfo `json:"outputs"`
	} `json:"graphs"`
}

// Manifest is a parsed and validated model.json.
type Manifest struct {
	Dir         string
	Hyperparams t3.Hyperparams
	SampleRate  int

	tables struct {
		speech   string
		text     string
		position string
	}
	graphs map[string]Graph
	order  []string
}

// LoadManifest reads and validates a model.json. Graph files must exist;
// table entries are optional at load time and checked by the consumers that
// need them.
func LoadManifest(path string) (*Manifest, error) {
	if path == "" {
		return nil, errors.New("onnxrt: manifest path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("onnxrt: read manifest: %w", err)
	}
	var mf manifestFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("onnxrt: decode manifest: %w", err)
	}
	if len(mf.Graphs) == 0 {
		return nil, errors.New("onnxrt: manifest has no graphs")
	}

	hp := t3.Hyperparams{
		Layers:         mf.Hyperparams.Layers,
		Heads:          mf.Hyperparams.Heads,
		HeadDim:        mf.Hyperparams.HeadDim,
		Dim:            mf.Hyperparams.Dim,
		TextVocab:      mf.Hyperparams.TextVocab,
		SpeechVocab:    mf.Hyperparams.SpeechVocab,
		BOSToken:       mf.Hyperparams.SpeechStart,
		EOSToken:       mf.Hyperparams.SpeechStop,
		StartTextToken: mf.Hyperparams.TextStart,
		StopTextToken:  mf.Hyperparams.TextStop,
	}
	if hp.BOSToken == 0 && hp.EOSToken == 0 {
		hp.BOSToken = defaultSpeechStart
		hp.EOSToken = defaultSpeechStop
	}
	if err := hp.Validate(); err != nil {
		return nil, fmt.Errorf("onnxrt: manifest hyperparams: %w", err)
	}
	if mf.SampleRate == 0 {
		mf.SampleRate = defaultSampleRate
	}
	if mf.SampleRate < 0 {
		return nil, fmt.Errorf("onnxrt: invalid sample rate %d", mf.SampleRate)
	}

	baseDir := filepath.Dir(path)
	m := &Manifest{
		Dir:         baseDir,
		Hyperparams: hp,
		SampleRate:  mf.SampleRate,
		graphs:      make(map[string]Graph, len(mf.Graphs)),
		order:       make([]string, 0, len(mf.Graphs)),
	}

	for _, g := range mf.Graphs {
		if g.Name == "" {
			return nil, errors.New("onnxrt: manifest graph has empty name")
		}
		if g.Filename == "" {
			return nil, fmt.Errorf("onnxrt: manifest graph %q has empty filename", g.Name)
		}
		if _, exists := m.graphs[g.Name]; exists {
			return nil, fmt.Errorf("onnxrt: duplicate graph name %q", g.Name)
		}
		graphPath := resolvePath(baseDir, g.Filename)
		if _, err := os.Stat(graphPath); err != nil {
			return nil, fmt.Errorf("onnxrt: graph file for %q: %w", g.Name, err)
		}
		m.graphs[g.Name] = Graph{
			Name:    g.Name,
			Path:    graphPath,
			Inputs:  append([]NodeInfo(nil), g.Inputs...),
			Outputs: append([]NodeInfo(nil), g.Outputs...),
		}
		m.order = append(m.order, g.Name)
	}

	m.tables.speech = resolveOptional(baseDir, mf.Tables.Speech)
	m.tables.text = resolveOptional(baseDir, mf.Tables.Text)
	m.tables.position = resolveOptional(baseDir, mf.Tables.Position)
	return m, nil
}

func resolvePath(baseDir, name string) string {
	if filepath.IsAbs(name) {
		return filepath.Clean(name)
	}
	return filepath.Clean(filepath.Join(baseDir, name))
}

func resolveOptional(baseDir, name string) string {
	if name == "" {
		return ""
	}
	return resolvePath(baseDir, name)
}

// Graph looks up one graph entry by name.
func (m *Manifest) Graph(name string) (Graph, bool) {
	g, ok := m.graphs[name]
	return g, ok
}

// Graphs returns every graph in manifest order.
func (m *Manifest) Graphs() []Graph {
	out := make([]Graph, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.graphs[name])
	}
	return out
}

// loadTable reads a raw row-major little-endian float32 table file sized
// rows x cols.
func loadTable(path string, rows, cols int) (tensor.Mat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tensor.Mat{}, fmt.Errorf("onnxrt: read table: %w", err)
	}
	want := rows * cols * 4
	if len(data) != want {
		return tensor.Mat{}, fmt.Errorf("onnxrt: table %s is %d bytes, want %d (%dx%d f32)",
			filepath.Base(path), len(data), want, rows, cols)
	}
	out := make([]float32, rows*cols)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return tensor.NewMatFromData(rows, cols, out), nil
}
