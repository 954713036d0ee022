package controller

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

const (
	emptyUtterance   = "I need a moment to process that."
	defaultUtterance = "Let me consider that."
	noteEmpty        = "The controller returned an empty response."
	noteBestGuess    = "[controller output was not valid JSON, best guess used]"
)

// Output is the model's answer before it is checked and completed.
type Output struct {
	Decision     string  `json:"decision"`
	Utterance    string  `json:"next_english_utterance"`
	MemoryUpdate string  `json:"memory_update"`
	Notes        *string `json:"notes_for_user"`
}

var (
	reDecision  = regexp.MustCompile(`(?i)"?decision"?\s*[:=]\s*"?(continue|request_clarification|stop)"?`)
	reUtterance = regexp.MustCompile(`"?next_english_utterance"?\s*[:=]\s*"([^"]+)"`)
	reMemory    = regexp.MustCompile(`"?memory_update"?\s*[:=]\s*"([^"]+)"`)
	reNotes     = regexp.MustCompile(`"?notes_for_user"?\s*[:=]\s*"([^"]+)"`)
	reSentence  = regexp.MustCompile(`^[^.!?]+[.!?]`)
)

// ParseOutput reads controller text. It never fails: JSON is decoded
// directly when possible, then repaired, and as a last resort the fields
// are picked out of the text.
func ParseOutput(text string) Output {
	text = stripFences(text)
	if text == "" {
		notes := noteEmpty
		return Output{Decision: DecisionContinue, Utterance: emptyUtterance, Notes: &notes}
	}

	var out Output
	if err := json.Unmarshal([]byte(text), &out); err == nil {
		return out
	}
	if block := jsonBlock(text); block != "" {
		if err := unmarshalJSON([]byte(block), &out); err == nil {
			return out
		}
	}
	return bestEffort(text)
}

// unmarshalJSON retries syntax errors after running the input through
// jsonrepair.
func unmarshalJSON(data []byte, v any) error {
	err := json.Unmarshal(data, v)
	if err == nil {
		return nil
	}
	if _, ok := err.(*json.SyntaxError); ok {
		fixed, err := jsonrepair.JSONRepair(string(data))
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(fixed), v)
	}
	return err
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// jsonBlock returns text from the first '{' to the last '}', or to the end
// when the object was cut off.
func jsonBlock(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	end := strings.LastIndexByte(s, '}')
	if end < start {
		return s[start:]
	}
	return s[start : end+1]
}

func bestEffort(text string) Output {
	out := Output{Decision: DecisionContinue}
	if m := reDecision.FindStringSubmatch(text); m != nil {
		out.Decision = strings.ToLower(m[1])
	}
	switch m := reUtterance.FindStringSubmatch(text); {
	case m != nil:
		out.Utterance = m[1]
	case reSentence.MatchString(text):
		out.Utterance = strings.TrimSpace(reSentence.FindString(text))
	default:
		out.Utterance = strings.TrimSpace(text)
	}
	if m := reMemory.FindStringSubmatch(text); m != nil {
		out.MemoryUpdate = m[1]
	}
	notes := noteBestGuess
	if m := reNotes.FindStringSubmatch(text); m != nil {
		notes = m[1] + " " + noteBestGuess
	}
	out.Notes = &notes
	return out
}
