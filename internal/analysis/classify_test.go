package analysis

import "testing"

func TestParseClassification(t *testing.T) {
	cases := []struct {
		name  string
		in    string
		class string
		rest  string
	}{
		{"uppercase tag", "[GOOD] Your glucose stayed flat.", "good", "Your glucose stayed flat."},
		{"lowercase tag", "[concerning] Spike of 85 mg/dL.", "concerning", "Spike of 85 mg/dL."},
		{"mixed case", "[Bad] Sustained high after the meal.", "bad", "Sustained high after the meal."},
		{"no space after tag", "[good]steady", "good", "steady"},
		{"tag only", "[bad]", "bad", ""},
		{"leading whitespace", "  [GOOD] indented reply", "good", "indented reply"},
		{"unknown tag", "[great] nice work", "", "[great] nice work"},
		{"padded tag", "[ good ] text", "", "[ good ] text"},
		{"unterminated tag", "[good steady", "", "[good steady"},
		{"no tag", "Flat morning overall.", "", "Flat morning overall."},
		{"tag mid-text", "Verdict: [good] ok", "", "Verdict: [good] ok"},
		{"empty", "", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			class, rest := ParseClassification(tc.in)
			if class != tc.class || rest != tc.rest {
				t.Fatalf("ParseClassification(%q) = %q, %q, want %q, %q", tc.in, class, rest, tc.class, tc.rest)
			}
		})
	}
}
