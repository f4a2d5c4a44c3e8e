package t3

import (
	"fmt"

	"github.com/samcharles93/aria/internal/tensor"
)

// Conditioning is the immutable per-request conditioning bundle. Speaker
// rows arrive pre-encoded from the voice assets; the decode core never runs
// the conditioning encoder itself.
type Conditioning struct {
	// Speaker holds the encoded speaker conditioning rows (rows × Dim). A
	// zero Mat means no speaker conditioning.
	Speaker tensor.Mat
	// PromptSpeechTokens are optional voice-prompt speech tokens embedded
	// ahead of BOS at seed time.
	PromptSpeechTokens []int32
	// Exaggeration is the emotion scalar Speaker was encoded with, carried
	// for logging and adapters.
	Exaggeration float32
	// TextTokens is the tokenized text. Missing start/stop markers are
	// inserted during INIT.
	TextTokens []int32
}

// ensureTextMarkers returns tokens with the start and stop text markers
// present, inserting whichever is missing. The input slice is not modified.
func ensureTextMarkers(tokens []int32, start, stop int32) []int32 {
	needStart := len(tokens) == 0 || tokens[0] != start
	needStop := len(tokens) == 0 || tokens[len(tokens)-1] != stop
	if !needStart && !needStop {
		return tokens
	}
	out := make([]int32, 0, len(tokens)+2)
	if needStart {
		out = append(out, start)
	}
	out = append(out, tokens...)
	if needStop {
		out = append(out, stop)
	}
	return out
}

// seedLen returns the unpadded prompt length: speaker rows, text rows,
// prompt speech rows, BOS.
func seedLen(cond Conditioning, text []int32) int {
	return cond.Speaker.R + len(text) + len(cond.PromptSpeechTokens) + 1
}

// buildSeedEmbedding fills dst (batch blocks of MaxPromptLen rows) with the
// prompt embedding and returns the real prompt length. Batch row 0 is the
// conditional sequence speaker+text+prompt+BOS; under CFG batch row 1
// repeats it with the text rows left zero. Padding rows stay zero.
//
// The voice-prompt speech tokens take positional rows 0..n-1 inside the
// conditioning segment; the generated stream restarts at positional row 0
// on BOS.
func buildSeedEmbedding(m Model, ec *EmbeddingCache, cond Conditioning, text []int32, dst *tensor.Mat, batch int) (int, error) {
	hp := m.Hyperparams()
	n := seedLen(cond, text)
	if n > MaxPromptLen {
		return 0, fmt.Errorf("%w: prompt needs %d rows, window is %d", ErrBudgetExceeded, n, MaxPromptLen)
	}
	if cond.Speaker.R > 0 && cond.Speaker.C != hp.Dim {
		return 0, fmt.Errorf("t3: speaker rows are %d wide, model dim is %d", cond.Speaker.C, hp.Dim)
	}
	for i, tok := range cond.PromptSpeechTokens {
		if tok < 0 || int(tok) >= hp.SpeechVocab {
			return 0, fmt.Errorf("t3: prompt speech token %d (index %d) outside vocab %d", tok, i, hp.SpeechVocab)
		}
	}

	clear(dst.Data)
	for b := 0; b < batch; b++ {
		row := b * MaxPromptLen
		for i := 0; i < cond.Speaker.R; i++ {
			cond.Speaker.RowTo(dst.Row(row), i)
			row++
		}
		for i, tok := range text {
			if b == 0 {
				if err := m.TextEmbedding(dst.Row(row), tok, i); err != nil {
					return 0, fmt.Errorf("t3: text embedding at %d: %w", i, err)
				}
			}
			row++
		}
		for i, tok := range cond.PromptSpeechTokens {
			ec.Lookup(dst.Row(row), tok, i)
			row++
		}
		ec.Lookup(dst.Row(row), hp.BOSToken, 0)
	}
	return n, nil
}
