package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveText(t *testing.T) {
	t.Run("text flag wins", func(t *testing.T) {
		got, err := resolveText("hello", "")
		if err != nil {
			t.Fatalf("resolveText returned error: %v", err)
		}
		if got != "hello" {
			t.Fatalf("unexpected text: %q", got)
		}
	})

	t.Run("text and file are exclusive", func(t *testing.T) {
		if _, err := resolveText("hello", "some.txt"); err == nil {
			t.Fatal("expected error for both sources")
		}
	})

	t.Run("neither source errors", func(t *testing.T) {
		if _, err := resolveText("", ""); err == nil {
			t.Fatal("expected error for no source")
		}
	})

	t.Run("reads from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "in.txt")
		if err := os.WriteFile(path, []byte("from a file"), 0o644); err != nil {
			t.Fatalf("write input: %v", err)
		}
		got, err := resolveText("", path)
		if err != nil {
			t.Fatalf("resolveText returned error: %v", err)
		}
		if got != "from a file" {
			t.Fatalf("unexpected text: %q", got)
		}
	})

	t.Run("blank file content errors", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "blank.txt")
		if err := os.WriteFile(path, []byte("  \n\t "), 0o644); err != nil {
			t.Fatalf("write input: %v", err)
		}
		if _, err := resolveText("", path); err == nil {
			t.Fatal("expected error for blank input")
		}
	})

	t.Run("missing file errors", func(t *testing.T) {
		if _, err := resolveText("", filepath.Join(t.TempDir(), "missing.txt")); err == nil {
			t.Fatal("expected error for missing file")
		}
	})
}

func TestSamplingOptions(t *testing.T) {
	opts := samplingOptions(0.7, 0.9, 0.1, 1.3, 0.4, 512, 7)
	if opts.Temperature == nil || *opts.Temperature != float32(0.7) {
		t.Fatalf("temperature = %v", opts.Temperature)
	}
	if opts.TopP == nil || *opts.TopP != float32(0.9) {
		t.Fatalf("top_p = %v", opts.TopP)
	}
	if opts.MinP == nil || *opts.MinP != float32(0.1) {
		t.Fatalf("min_p = %v", opts.MinP)
	}
	if opts.RepetitionPenalty == nil || *opts.RepetitionPenalty != float32(1.3) {
		t.Fatalf("repetition_penalty = %v", opts.RepetitionPenalty)
	}
	if opts.CFGWeight == nil || *opts.CFGWeight != float32(0.4) {
		t.Fatalf("cfg_weight = %v", opts.CFGWeight)
	}
	if opts.MaxNewTokens == nil || *opts.MaxNewTokens != 512 {
		t.Fatalf("max_new_tokens = %v", opts.MaxNewTokens)
	}
	if opts.Seed == nil || *opts.Seed != 7 {
		t.Fatalf("seed = %v", opts.Seed)
	}
}

func TestSamplingOptionsRandomSeed(t *testing.T) {
	opts := samplingOptions(0.8, 1.0, 0.05, 1.2, 0.5, 1000, -1)
	if opts.Seed != nil {
		t.Fatalf("seed sentinel should leave Seed nil, got %v", *opts.Seed)
	}
}
