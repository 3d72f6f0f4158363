package analysis

import (
	"strings"

	"github.com/tzaczek/GlucoseMonitor-sub000/internal/model"
)

// ParseClassification splits a leading classification tag off an analysis
// text. The tag is [good], [concerning] or [bad] in any letter case, optionally
// preceded by whitespace. A well-formed tag is stripped along with the
// whitespace that follows it; anything else leaves the text byte-for-byte
// unmodified with an empty classification. The strip is all or nothing, a
// malformed tag is never partially removed.
func ParseClassification(text string) (classification, remainder string) {
	trimmed := strings.TrimLeft(text, " \t\r\n")
	if !strings.HasPrefix(trimmed, "[") {
		return "", text
	}
	end := strings.IndexByte(trimmed, ']')
	if end < 0 {
		return "", text
	}
	switch tag := strings.ToLower(trimmed[1:end]); tag {
	case model.ClassGood, model.ClassConcerning, model.ClassBad:
		return tag, strings.TrimLeft(trimmed[end+1:], " \t\r\n")
	default:
		return "", text
	}
}
