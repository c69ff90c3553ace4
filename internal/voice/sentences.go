package voice

import (
	"regexp"
	"strings"
)

var sentenceRe = regexp.MustCompile(`[^.!?]+[.!?]+["']?|[^.!?]+$`)

// SplitSentences cuts text after each run of sentence-ending punctuation,
// keeping a closing quote with its sentence. Blank pieces are dropped.
func SplitSentences(text string) []string {
	matches := sentenceRe.FindAllString(text, -1)
	if len(matches) == 0 {
		matches = []string{text}
	}

	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if s := strings.TrimSpace(m); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var preferredVoices = []string{"Google", "Samantha", "Victoria"}

// SelectVoice picks a known good voice by name, then the first voice of the
// requested language. ok is false when the engine default should be used.
func SelectVoice(voices []Voice, lang string) (Voice, bool) {
	for _, v := range voices {
		for _, name := range preferredVoices {
			if strings.Contains(v.Name, name) {
				return v, true
			}
		}
	}

	primary := strings.ToLower(lang)
	if i := strings.IndexAny(primary, "-_"); i > 0 {
		primary = primary[:i]
	}
	if primary == "" {
		return Voice{}, false
	}
	for _, v := range voices {
		if strings.HasPrefix(strings.ToLower(v.Lang), primary) {
			return v, true
		}
	}
	return Voice{}, false
}
