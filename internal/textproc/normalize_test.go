package textproc

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"whitespace only", "   \n\t ", ""},
		{"capitalizes first letter", "hello world.", "Hello world."},
		{"keeps existing capital", "Hello world.", "Hello world."},
		{"adds terminal period", "hello world", "Hello world."},
		{"keeps question mark", "ready?", "Ready?"},
		{"keeps exclamation", "go!", "Go!"},
		{"keeps trailing hyphen", "wait-", "Wait-"},
		{"keeps trailing comma", "so,", "So,"},
		{"collapses whitespace", "too   many\n\nspaces.", "Too many spaces."},
		{"ellipsis becomes pause", "wait... what", "Wait,  what."},
		{"unicode ellipsis", "wait… what", "Wait,  what."},
		{"trailing ellipsis", "and then...", "And then,"},
		{"colon becomes comma", "note: this", "Note, this."},
		{"semicolon becomes pause", "first; second", "First,  second."},
		{"spaced hyphen becomes pause", "one - two", "One, two."},
		{"em dash folds to hyphen", "pre—post", "Pre-post."},
		{"en dash folds to hyphen", "1–2", "1-2."},
		{"smart double quotes", "she said “hi”", `She said "hi".`},
		{"smart single quotes", "it’s ‘fine’", "It's 'fine'."},
		{"space before comma", "well , ok", "Well, ok."},
		{"unicode first letter", "über alles", "Über alles."},
		{"leading space blocks capitalization", " hello", "hello."},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Normalize(tc.in); got != tc.want {
				t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
