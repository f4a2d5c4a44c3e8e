// Package textproc prepares raw text for synthesis: punctuation
// normalization, sentence-boundary chunking, and the tokenizer adapter
// the CLI uses to turn text into backbone token IDs.
package textproc

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// puncReplacements folds punctuation the speech model rarely saw in
// training onto close equivalents it renders well. Order matters: each
// pair applies to the output of the one before it.
var puncReplacements = [...][2]string{
	{"...", ", "},
	{"…", ", "},
	{":", ","},
	{" - ", ", "},
	{";", ", "},
	{"—", "-"},
	{"–", "-"},
	{" ,", ","},
	{"“", `"`},
	{"”", `"`},
	{"‘", "'"},
	{"’", "'"},
}

// sentenceEnders are the marks accepted as already closing a sentence.
const sentenceEnders = ".!?-,"

// Normalize cleans text up ahead of tokenization. The first letter is
// capitalized, whitespace runs collapse to single spaces, smart quotes
// and dashes fold to ASCII, and text without terminal punctuation gains
// a full stop. Input that is empty or all whitespace comes back empty.
func Normalize(text string) string {
	if r, size := utf8.DecodeRuneInString(text); unicode.IsLower(r) {
		text = string(unicode.ToUpper(r)) + text[size:]
	}
	text = strings.Join(strings.Fields(text), " ")
	for _, rep := range puncReplacements {
		text = strings.ReplaceAll(text, rep[0], rep[1])
	}
	text = strings.TrimRight(text, " ")
	if text == "" {
		return ""
	}
	if last, _ := utf8.DecodeLastRuneInString(text); !strings.ContainsRune(sentenceEnders, last) {
		text += "."
	}
	return text
}
