package synth

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/samcharles93/aria/internal/t3"
)

func writeVoiceDir(t *testing.T, descriptor string, speaker []float32) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, VoiceFileName), []byte(descriptor), 0o644); err != nil {
		t.Fatalf("write descriptor: %v", err)
	}
	if speaker != nil {
		raw := make([]byte, 4*len(speaker))
		for i, v := range speaker {
			binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
		}
		if err := os.WriteFile(filepath.Join(dir, "speaker.bin"), raw, 0o644); err != nil {
			t.Fatalf("write speaker: %v", err)
		}
	}
	return dir
}

func TestLoadVoice(t *testing.T) {
	speaker := []float32{0.5, -1, 2, 0, 1, 1.5, -0.25, 3}
	dir := writeVoiceDir(t, `{
		"name": "narrator",
		"speaker_rows": 2,
		"prompt_tokens": [4, 5, 6],
		"exaggeration": 0.5
	}`, speaker)

	v, err := LoadVoice(dir, 4)
	if err != nil {
		t.Fatalf("LoadVoice: %v", err)
	}
	if v.Name != "narrator" {
		t.Errorf("name = %q", v.Name)
	}
	if v.Speaker.R != 2 || v.Speaker.C != 4 {
		t.Fatalf("speaker shape %dx%d, want 2x4", v.Speaker.R, v.Speaker.C)
	}
	for i, want := range speaker {
		if got := v.Speaker.Data[i]; got != want {
			t.Errorf("speaker[%d] = %f, want %f", i, got, want)
		}
	}
	if len(v.PromptTokens) != 3 || v.PromptTokens[0] != 4 {
		t.Errorf("prompt tokens = %v", v.PromptTokens)
	}
	if v.Exaggeration != 0.5 {
		t.Errorf("exaggeration = %f", v.Exaggeration)
	}
}

func TestLoadVoiceDefaultsNameToDir(t *testing.T) {
	dir := writeVoiceDir(t, `{"speaker_rows": 0}`, nil)
	v, err := LoadVoice(dir, 4)
	if err != nil {
		t.Fatalf("LoadVoice: %v", err)
	}
	if v.Name != filepath.Base(dir) {
		t.Errorf("name = %q, want %q", v.Name, filepath.Base(dir))
	}
	if v.Speaker.R != 0 {
		t.Errorf("expected no speaker rows, got %d", v.Speaker.R)
	}
}

func TestLoadVoiceErrors(t *testing.T) {
	t.Run("missing descriptor", func(t *testing.T) {
		if _, err := LoadVoice(t.TempDir(), 4); err == nil {
			t.Errorf("expected error")
		}
	})
	t.Run("bad json", func(t *testing.T) {
		dir := writeVoiceDir(t, `{`, nil)
		if _, err := LoadVoice(dir, 4); err == nil {
			t.Errorf("expected error")
		}
	})
	t.Run("negative rows", func(t *testing.T) {
		dir := writeVoiceDir(t, `{"speaker_rows": -1}`, nil)
		if _, err := LoadVoice(dir, 4); err == nil {
			t.Errorf("expected error")
		}
	})
	t.Run("truncated speaker file", func(t *testing.T) {
		dir := writeVoiceDir(t, `{"speaker_rows": 2}`, []float32{1, 2, 3})
		if _, err := LoadVoice(dir, 4); err == nil {
			t.Errorf("expected error")
		}
	})
	t.Run("missing speaker file", func(t *testing.T) {
		dir := writeVoiceDir(t, `{"speaker_rows": 1}`, nil)
		if _, err := LoadVoice(dir, 4); err == nil {
			t.Errorf("expected error")
		}
	})
	t.Run("bad dim", func(t *testing.T) {
		dir := writeVoiceDir(t, `{"speaker_rows": 0}`, nil)
		if _, err := LoadVoice(dir, 0); err == nil {
			t.Errorf("expected error")
		}
	})
}

func TestVoiceCheck(t *testing.T) {
	hp := t3.Hyperparams{
		Layers: 1, Heads: 1, HeadDim: 2, Dim: 4,
		TextVocab: 64, SpeechVocab: 12,
		BOSToken: 10, EOSToken: 11,
	}
	speaker := []float32{1, 2, 3, 4}
	dir := writeVoiceDir(t, `{"speaker_rows": 1, "prompt_tokens": [3]}`, speaker)
	v, err := LoadVoice(dir, 4)
	if err != nil {
		t.Fatalf("LoadVoice: %v", err)
	}
	if err := v.check(hp); err != nil {
		t.Fatalf("check: %v", err)
	}

	v.PromptTokens = []int32{12}
	if err := v.check(hp); err == nil {
		t.Errorf("expected error for out-of-vocab prompt token")
	}
	v.PromptTokens = nil

	narrow := hp
	narrow.Dim = 3
	if err := v.check(narrow); err == nil {
		t.Errorf("expected error for speaker width mismatch")
	}
}
