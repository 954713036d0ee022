package segmenter

import (
	"strings"
	"unicode"
)

var disfluencies = map[string]bool{
	"um": true, "uh": true, "hmm": true, "ah": true, "er": true, "erm": true, "mm": true,
}

var sentenceEnders = map[string]bool{
	"right": true, "okay": true, "ok": true, "correct": true, "thanks": true,
	"please": true, "sure": true, "yes": true, "no": true,
}

var strongEnders = map[string]bool{
	"right": true, "okay": true, "correct": true, "thanks": true, "please": true,
}

var conjunctions = map[string]bool{
	"and": true, "but": true, "so": true, "because": true, "however": true,
}

// conjunctionMinIndex is the first word index at which a conjunction counts
// as a clause boundary.
const conjunctionMinIndex = 8

// filterDisfluencies drops filler tokens and normalizes whitespace to single
// spaces. The result grows monotonically as the raw transcript grows, so
// offsets into it stay valid between calls.
func filterDisfluencies(transcript string) string {
	words := strings.Fields(transcript)
	kept := words[:0]
	for _, w := range words {
		if disfluencies[normalizeWord(w)] {
			continue
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, " ")
}

func normalizeWord(w string) string {
	return strings.ToLower(strings.TrimFunc(w, func(r rune) bool {
		return unicode.IsPunct(r)
	}))
}

func countWords(s string) int {
	return len(strings.Fields(s))
}

// wordEnd returns the byte offset just past the nth word of s (1-based).
// If s has fewer than n words it returns len(s).
func wordEnd(s string, n int) int {
	count := 0
	inWord := false
	for i, r := range s {
		if unicode.IsSpace(r) {
			if inWord {
				inWord = false
				if count == n {
					return i
				}
			}
			continue
		}
		if !inWord {
			inWord = true
			count++
		}
	}
	return len(s)
}

// sharedWordPrefix returns the length of the longest run of whole words
// that prev and next start with. Both are filtered text.
func sharedWordPrefix(prev, next string) int {
	n := 0
	for n < len(prev) && n < len(next) && prev[n] == next[n] {
		n++
	}
	if (n == len(prev) || prev[n] == ' ') && (n == len(next) || next[n] == ' ') {
		return n
	}
	return strings.LastIndexByte(next[:n], ' ') + 1
}

func lastWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return normalizeWord(fields[len(fields)-1])
}

// softCue reports the grammar cue that justifies a cut once the soft limit
// is reached.
func softCue(buffer string) Reason {
	if sentenceEnders[lastWord(buffer)] {
		return ReasonSoftEnder
	}
	fields := strings.Fields(buffer)
	for i := conjunctionMinIndex; i < len(fields)-1; i++ {
		if conjunctions[normalizeWord(fields[i])] {
			return ReasonSoftConjunction
		}
	}
	return ""
}

func strongCue(buffer string) bool {
	trimmed := strings.TrimSpace(buffer)
	if strings.HasSuffix(trimmed, "?") {
		return true
	}
	return strongEnders[lastWord(trimmed)]
}
