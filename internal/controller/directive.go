package controller

import "strings"

// Directive is the operator's instruction for the next turn. Values outside
// the known set are passed to the model as free text.
type Directive string

const (
	DirectiveAgree              Directive = "AGREE"
	DirectiveDisagree           Directive = "DISAGREE"
	DirectiveNeedTime           Directive = "NEED_TIME"
	DirectiveRepeat             Directive = "REPEAT"
	DirectiveProposeAlternative Directive = "PROPOSE_ALTERNATIVE"
	DirectiveAskBottomLine      Directive = "ASK_BOTTOM_LINE"
	DirectiveSayGoodbye         Directive = "SAY_GOODBYE"
	DirectiveGoalMet            Directive = "GOAL_MET"
	DirectiveContinue           Directive = "CONTINUE"
)

var directiveInstructions = map[Directive]string{
	DirectiveAgree:              "Express agreement with what the counterpart just said.",
	DirectiveDisagree:           "Disagree with the counterpart politely but firmly.",
	DirectiveNeedTime:           "Tell the counterpart you need some time to consider.",
	DirectiveRepeat:             "Ask the counterpart to repeat or clarify their last point.",
	DirectiveProposeAlternative: "Suggest a different option to the counterpart.",
	DirectiveAskBottomLine:      "Probe the counterpart for their minimum acceptable terms.",
	DirectiveSayGoodbye:         "Begin ending the conversation politely.",
	DirectiveGoalMet:            "The goal is achieved. Wrap up the conversation positively.",
	DirectiveContinue:           "Respond naturally and keep the conversation moving toward the goal.",
}

// ParseDirective normalizes a button id. Free text is kept as typed.
func ParseDirective(s string) Directive {
	s = strings.TrimSpace(s)
	if d := Directive(strings.ToUpper(s)); directiveInstructions[d] != "" {
		return d
	}
	return Directive(s)
}

// Known reports whether d is one of the fixed directives.
func (d Directive) Known() bool {
	_, ok := directiveInstructions[d]
	return ok
}

// Instruction is the sentence the prompt carries for d.
func (d Directive) Instruction() string {
	if s, ok := directiveInstructions[d]; ok {
		return string(d) + ": " + s
	}
	return "Free-form instruction from the principal: " + string(d)
}

// Ends reports whether d asks to close the conversation.
func (d Directive) Ends() bool {
	return d == DirectiveSayGoodbye || d == DirectiveGoalMet
}
