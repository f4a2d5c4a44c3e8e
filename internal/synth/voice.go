package synth

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/samcharles93/aria/internal/t3"
	"github.com/samcharles93/aria/internal/tensor"
)

// VoiceFileName is the descriptor every voice directory carries.
const VoiceFileName = "voice.json"

// Voice is a loaded voice-conditioning bundle: pre-encoded speaker rows
// plus optional voice-prompt speech tokens.
type Voice struct {
	Name         string
	Speaker      tensor.Mat
	PromptTokens []int32
	Exaggeration float32
}

// voiceFile is the on-disk descriptor. The speaker file holds
// speaker_rows × dim little-endian float32 values.
type voiceFile struct {
	Name         string  `json:"name"`
	SpeakerRows  int     `json:"speaker_rows"`
	SpeakerFile  string  `json:"speaker_file"`
	PromptTokens []int32 `json:"prompt_tokens"`
	Exaggeration float32 `json:"exaggeration"`
}

// LoadVoice reads a voice directory. dim is the backbone embedding width
// the speaker rows must match.
func LoadVoice(dir string, dim int) (*Voice, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("synth: voice dim %d out of range", dim)
	}
	path := filepath.Join(dir, VoiceFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("synth: read voice descriptor: %w", err)
	}
	var vf voiceFile
	if err := json.Unmarshal(data, &vf); err != nil {
		return nil, fmt.Errorf("synth: parse %s: %w", path, err)
	}
	v := &Voice{
		Name:         vf.Name,
		PromptTokens: vf.PromptTokens,
		Exaggeration: vf.Exaggeration,
	}
	if v.Name == "" {
		v.Name = filepath.Base(dir)
	}
	if vf.SpeakerRows < 0 {
		return nil, fmt.Errorf("synth: voice %s: speaker_rows %d out of range", v.Name, vf.SpeakerRows)
	}
	if vf.SpeakerRows > 0 {
		name := vf.SpeakerFile
		if name == "" {
			name = "speaker.bin"
		}
		v.Speaker, err = readSpeaker(filepath.Join(dir, name), vf.SpeakerRows, dim)
		if err != nil {
			return nil, fmt.Errorf("synth: voice %s: %w", v.Name, err)
		}
	}
	return v, nil
}

// check validates the bundle against the backbone geometry. Prompt token
// range is re-checked at seed time; this catches mismatches at wiring.
func (v *Voice) check(hp t3.Hyperparams) error {
	if v.Speaker.R > 0 && v.Speaker.C != hp.Dim {
		return fmt.Errorf("synth: voice %s speaker width %d, backbone dim %d", v.Name, v.Speaker.C, hp.Dim)
	}
	for _, tok := range v.PromptTokens {
		if tok < 0 || int(tok) >= hp.SpeechVocab {
			return fmt.Errorf("synth: voice %s prompt token %d outside vocab %d", v.Name, tok, hp.SpeechVocab)
		}
	}
	return nil
}

func readSpeaker(path string, rows, cols int) (tensor.Mat, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return tensor.Mat{}, fmt.Errorf("read speaker file: %w", err)
	}
	if want := rows * cols * 4; len(raw) != want {
		return tensor.Mat{}, fmt.Errorf("speaker file %s is %d bytes, want %d", filepath.Base(path), len(raw), want)
	}
	vals := make([]float32, rows*cols)
	for i := range vals {
		vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return tensor.NewMatFromData(rows, cols, vals), nil
}
