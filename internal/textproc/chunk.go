package textproc

import (
	"strings"
	"unicode/utf8"
)

// SplitChunks breaks text into chunks of at most maxChars characters
// for piecewise synthesis. Chunks end on sentence boundaries where
// possible; a sentence over the budget is split at word boundaries and
// mid-word only when a single word still does not fit. maxChars <= 0
// returns the whole text as one chunk.
func SplitChunks(text string, maxChars int) []string {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	if text == "" {
		return nil
	}
	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return []string{text}
	}

	var chunks []string
	var cur strings.Builder
	curLen := 0
	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curLen = 0
		}
	}
	add := func(part string, n int) {
		if curLen > 0 && curLen+1+n > maxChars {
			flush()
		}
		if curLen > 0 {
			cur.WriteByte(' ')
			curLen++
		}
		cur.WriteString(part)
		curLen += n
	}
	for _, sent := range splitSentences(text) {
		if n := utf8.RuneCountInString(sent); n <= maxChars {
			add(sent, n)
			continue
		}
		for _, part := range splitWords(sent, maxChars) {
			add(part, utf8.RuneCountInString(part))
		}
	}
	flush()
	return chunks
}

// splitSentences cuts text into sentences. A run of terminal
// punctuation closes a sentence when followed by whitespace or the end
// of the text; blank lines close one unconditionally. Abbreviation
// detection is not attempted.
func splitSentences(text string) []string {
	var sents []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.Join(strings.Fields(para), " ")
		if para == "" {
			continue
		}
		start := 0
		for i := 0; i < len(para); {
			if !isSentenceEnd(para[i]) {
				i++
				continue
			}
			j := i + 1
			for j < len(para) && isSentenceEnd(para[j]) {
				j++
			}
			if j < len(para) && (para[j] == '"' || para[j] == '\'') {
				j++
			}
			if j < len(para) && para[j] != ' ' {
				i = j
				continue
			}
			sents = append(sents, para[start:j])
			for j < len(para) && para[j] == ' ' {
				j++
			}
			start, i = j, j
		}
		if start < len(para) {
			sents = append(sents, para[start:])
		}
	}
	return sents
}

func isSentenceEnd(c byte) bool {
	return c == '.' || c == '!' || c == '?'
}

// splitWords packs the words of an oversize sentence into parts of at
// most maxChars, hard-splitting any word that alone exceeds the budget.
func splitWords(sent string, maxChars int) []string {
	var parts []string
	var cur strings.Builder
	curLen := 0
	flush := func() {
		if cur.Len() > 0 {
			parts = append(parts, cur.String())
			cur.Reset()
			curLen = 0
		}
	}
	for _, word := range strings.Fields(sent) {
		n := utf8.RuneCountInString(word)
		if n > maxChars {
			flush()
			rs := []rune(word)
			for len(rs) > maxChars {
				parts = append(parts, string(rs[:maxChars]))
				rs = rs[maxChars:]
			}
			if len(rs) > 0 {
				cur.WriteString(string(rs))
				curLen = len(rs)
			}
			continue
		}
		if curLen > 0 && curLen+1+n > maxChars {
			flush()
		}
		if curLen > 0 {
			cur.WriteByte(' ')
			curLen++
		}
		cur.WriteString(word)
		curLen += n
	}
	flush()
	return parts
}
