package controller

import (
	"fmt"
	"strings"
)

// maxTurns caps how many recent turns go into one prompt.
const maxTurns = 10

// SystemInstruction frames the three parties and the JSON contract.
const SystemInstruction = `You are the strategy controller for a voice proxy.

There are three parties:
1. THE AGENT is a voice AI speaking on the call as the principal.
2. THE COUNTERPART is the other party on the call.
3. THE PRINCIPAL is the human operator steering the agent with directives.

You write what the AGENT says next TO THE COUNTERPART.

` + guardrailsSection + `

Output JSON only, with no text before or after it:
{
  "decision": "continue" | "request_clarification" | "stop",
  "next_english_utterance": "what the agent says next, 1-2 sentences",
  "memory_update": "updated summary of agreements, disagreements, open questions and the counterpart's conditions",
  "notes_for_user": "optional short note for the operator, or null"
}`

// guardrailsSection is shared by every controller prompt.
const guardrailsSection = `RULES:
- Never invent facts. If something is not in the pinned context or memory, say you don't know or will check.
- Keep utterances short, one or two sentences, so turn-taking stays natural.
- Be polite, and firm when disagreeing.
- When the goal is met or the principal says goodbye, set decision to "stop".
- Keep memory_update concise and keep every number, date and term exactly.`

// SummarizeInstruction condenses a long pinned context.
const SummarizeInstruction = `You condense a source-of-truth document for a negotiation.

- Keep every number, date, price, quantity and contract term.
- Keep hard constraints, meaning things that cannot be agreed to.
- Use short bullet points and stay under 1500 tokens.
- Reply with the summary text only.`

// BuildPrompt lays out the sections the controller model reads.
func BuildPrompt(req Request) string {
	turns := req.LatestTurns
	if len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	turnsText := "(No recent turns)"
	if len(turns) > 0 {
		turnsText = strings.Join(turns, "\n")
	}
	memory := req.Memory
	if strings.TrimSpace(memory) == "" {
		memory = "(Empty)"
	}
	pinned := req.PinnedContext
	if strings.TrimSpace(pinned) == "" {
		pinned = "(None)"
	}

	return fmt.Sprintf(`=== PINNED CONTEXT ===
%s

=== CURRENT MEMORY ===
%s

=== RECENT CONVERSATION ===
%s

=== USER DIRECTIVE ===
%s

Respond in JSON.`, pinned, memory, turnsText, req.Directive.Instruction())
}

func buildSummarizePrompt(text string) string {
	return "Summarize the following source-of-truth document:\n\n---\n" + text + "\n---"
}
