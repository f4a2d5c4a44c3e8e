package t3

import (
	"errors"
	"slices"
	"testing"

	"github.com/samcharles93/aria/internal/tensor"
)

func TestEnsureTextMarkers(t *testing.T) {
	const start, stop = 1, 2
	cases := []struct {
		name string
		in   []int32
		want []int32
	}{
		{"empty", nil, []int32{start, stop}},
		{"bare", []int32{5, 6}, []int32{start, 5, 6, stop}},
		{"missing stop", []int32{start, 5, 6}, []int32{start, 5, 6, stop}},
		{"missing start", []int32{5, 6, stop}, []int32{start, 5, 6, stop}},
		{"complete", []int32{start, 5, 6, stop}, []int32{start, 5, 6, stop}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ensureTextMarkers(tc.in, start, stop)
			if !slices.Equal(got, tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEnsureTextMarkersDoesNotMutateInput(t *testing.T) {
	in := []int32{5, 6}
	_ = ensureTextMarkers(in, 1, 2)
	if !slices.Equal(in, []int32{5, 6}) {
		t.Fatalf("input mutated: %v", in)
	}
}

func TestSeedLen(t *testing.T) {
	spk := tensor.NewMat(3, 8)
	cond := Conditioning{
		Speaker:            spk,
		PromptSpeechTokens: []int32{4, 5},
	}
	text := []int32{1, 7, 2}
	// 3 speaker + 3 text + 2 prompt speech + BOS.
	if got := seedLen(cond, text); got != 9 {
		t.Fatalf("seedLen = %d, want 9", got)
	}
	if got := seedLen(Conditioning{}, text); got != 4 {
		t.Fatalf("seedLen without conditioning = %d, want 4", got)
	}
}

func rowEqual(t *testing.T, got, want []float32, what string) {
	t.Helper()
	for j := range want {
		if got[j] != want[j] {
			t.Fatalf("%s: col %d got %v want %v", what, j, got[j], want[j])
		}
	}
}

func rowZero(t *testing.T, row []float32, what string) {
	t.Helper()
	for j, v := range row {
		if v != 0 {
			t.Fatalf("%s: col %d = %v, want 0", what, j, v)
		}
	}
}

func TestBuildSeedEmbeddingLayout(t *testing.T) {
	m := newStubModel(false)
	ec, err := NewEmbeddingCache(m)
	if err != nil {
		t.Fatalf("NewEmbeddingCache: %v", err)
	}

	spk := tensor.NewMat(2, 8)
	for i := 0; i < spk.R; i++ {
		for j := 0; j < spk.C; j++ {
			spk.Row(i)[j] = float32(i*10 + j)
		}
	}
	cond := Conditioning{
		Speaker:            spk,
		PromptSpeechTokens: []int32{4, 5, 6},
	}
	text := ensureTextMarkers([]int32{8, 9}, m.hp.StartTextToken, m.hp.StopTextToken)

	dst := tensor.NewMat(MaxPromptLen, m.hp.Dim)
	n, err := buildSeedEmbedding(m, ec, cond, text, &dst, 1)
	if err != nil {
		t.Fatalf("buildSeedEmbedding: %v", err)
	}
	// 2 speaker + 4 text + 3 prompt + BOS.
	if n != 10 {
		t.Fatalf("prompt length = %d, want 10", n)
	}

	rowEqual(t, dst.Row(0), spk.Row(0), "speaker row 0")
	rowEqual(t, dst.Row(1), spk.Row(1), "speaker row 1")

	var want [8]float32
	for i, tok := range text {
		if err := m.TextEmbedding(want[:], tok, i); err != nil {
			t.Fatalf("text embedding: %v", err)
		}
		rowEqual(t, dst.Row(2+i), want[:], "text row")
	}

	// Voice-prompt speech restarts positional rows at zero.
	for i, tok := range cond.PromptSpeechTokens {
		ec.Lookup(want[:], tok, i)
		rowEqual(t, dst.Row(6+i), want[:], "prompt speech row")
	}

	ec.Lookup(want[:], m.hp.BOSToken, 0)
	rowEqual(t, dst.Row(9), want[:], "bos row")

	rowZero(t, dst.Row(10), "first padding row")
	rowZero(t, dst.Row(MaxPromptLen-1), "last padding row")
}

func TestBuildSeedEmbeddingCFGBlanksText(t *testing.T) {
	m := newStubModel(false)
	ec, err := NewEmbeddingCache(m)
	if err != nil {
		t.Fatalf("NewEmbeddingCache: %v", err)
	}

	spk := tensor.NewMat(1, 8)
	for j := 0; j < spk.C; j++ {
		spk.Row(0)[j] = float32(j + 1)
	}
	cond := Conditioning{Speaker: spk, PromptSpeechTokens: []int32{3}}
	text := []int32{1, 8, 2}

	dst := tensor.NewMat(2*MaxPromptLen, m.hp.Dim)
	n, err := buildSeedEmbedding(m, ec, cond, text, &dst, 2)
	if err != nil {
		t.Fatalf("buildSeedEmbedding: %v", err)
	}
	if n != 6 {
		t.Fatalf("prompt length = %d, want 6", n)
	}

	base := MaxPromptLen
	rowEqual(t, dst.Row(base), spk.Row(0), "uncond speaker row")
	for i := range text {
		rowZero(t, dst.Row(base+1+i), "uncond text row")
	}
	var want [8]float32
	ec.Lookup(want[:], 3, 0)
	rowEqual(t, dst.Row(base+4), want[:], "uncond prompt speech row")
	ec.Lookup(want[:], m.hp.BOSToken, 0)
	rowEqual(t, dst.Row(base+5), want[:], "uncond bos row")

	// Both blocks share the same real length and padding.
	rowZero(t, dst.Row(base+6), "uncond padding row")
}

func TestBuildSeedEmbeddingStaleBufferCleared(t *testing.T) {
	m := newStubModel(false)
	ec, err := NewEmbeddingCache(m)
	if err != nil {
		t.Fatalf("NewEmbeddingCache: %v", err)
	}

	dst := tensor.NewMat(MaxPromptLen, m.hp.Dim)
	for i := range dst.Data {
		dst.Data[i] = 99
	}
	text := []int32{1, 2}
	if _, err := buildSeedEmbedding(m, ec, Conditioning{}, text, &dst, 1); err != nil {
		t.Fatalf("buildSeedEmbedding: %v", err)
	}
	rowZero(t, dst.Row(3), "padding row after reuse")
}

func TestBuildSeedEmbeddingOverflow(t *testing.T) {
	m := newStubModel(false)
	ec, err := NewEmbeddingCache(m)
	if err != nil {
		t.Fatalf("NewEmbeddingCache: %v", err)
	}

	long := make([]int32, MaxPromptLen)
	for i := range long {
		long[i] = 3
	}
	dst := tensor.NewMat(MaxPromptLen, m.hp.Dim)
	_, err = buildSeedEmbedding(m, ec, Conditioning{}, long, &dst, 1)
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("err = %v, want ErrBudgetExceeded", err)
	}
}

func TestBuildSeedEmbeddingValidation(t *testing.T) {
	m := newStubModel(false)
	ec, err := NewEmbeddingCache(m)
	if err != nil {
		t.Fatalf("NewEmbeddingCache: %v", err)
	}
	dst := tensor.NewMat(MaxPromptLen, m.hp.Dim)

	narrow := Conditioning{Speaker: tensor.NewMat(1, 4)}
	if _, err := buildSeedEmbedding(m, ec, narrow, []int32{1, 2}, &dst, 1); err == nil {
		t.Error("narrow speaker rows accepted")
	}

	bad := Conditioning{PromptSpeechTokens: []int32{int32(m.hp.SpeechVocab)}}
	if _, err := buildSeedEmbedding(m, ec, bad, []int32{1, 2}, &dst, 1); err == nil {
		t.Error("out-of-vocab prompt speech token accepted")
	}
}
