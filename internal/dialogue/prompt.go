package dialogue

import (
	"regexp"

	"github.com/google/uuid"
)

// Step names what the engine does with the next message once a matcher
// selects it. Steps are plain data so a pending prompt can be inspected.
type Step string

const (
	StepRoute       Step = "route"        // treat the message as a new top-level request
	StepQuit        Step = "quit"         // say goodbye and drop the conversation
	StepResolve     Step = "resolve"      // the message names the bug for the pending action
	StepTitle       Step = "title"        // the message is the title of the bug being reported
	StepUrgency     Step = "urgency"      // the message is the urgency of the bug being reported
	StepCollectLine Step = "collect_line" // append the message to the text being collected
	StepCollectDone Step = "collect_done" // hand the collected text to its purpose
	StepFallbackYes Step = "fallback_yes" // report the unclassified text as a bug
	StepFallbackNo  Step = "fallback_no"  // the user declined to report it
)

// MatchKind is how a Matcher tests a message.
type MatchKind int

const (
	MatchQuit MatchKind = iota
	MatchPattern
	MatchDefault
)

// Matcher is one candidate answer to a prompt.
type Matcher struct {
	Kind    MatchKind
	Pattern *regexp.Regexp
	Next    Step
}

var (
	quitPattern = regexp.MustCompile(`(?i)^/quit$`)
	donePattern = regexp.MustCompile(`(?i)^/done$`)

	yesPattern = regexp.MustCompile(`(?i)^(yes|yea|yup|yep|ya|sure|ok|y|yeah|yah)`)
	// yesGuard is yesPattern without the bare "y"; it recognizes an answer
	// to a question that was never asked.
	yesGuard  = regexp.MustCompile(`(?i)^(yes|yea|yup|yep|ya|sure|ok|yeah|yah)`)
	noPattern = regexp.MustCompile(`(?i)^(quit|cancel|end|stop|done|exit|nevermind|never mind|no|nah|nope|n)`)
)

// On builds a pattern matcher.
func On(re *regexp.Regexp, next Step) Matcher {
	return Matcher{Kind: MatchPattern, Pattern: re, Next: next}
}

// Default builds the catch-all matcher.
func Default(next Step) Matcher {
	return Matcher{Kind: MatchDefault, Next: next}
}

func (m Matcher) matches(text string) bool {
	switch m.Kind {
	case MatchQuit:
		return quitPattern.MatchString(text)
	case MatchPattern:
		return m.Pattern.MatchString(text)
	}
	return true
}

// Prompt is a question waiting for the user's next message.
type Prompt struct {
	ID       string
	Text     string
	Matchers []Matcher
}

// newPrompt puts the quit matcher first and guarantees a trailing default.
func newPrompt(text string, matchers ...Matcher) *Prompt {
	ms := make([]Matcher, 0, len(matchers)+2)
	ms = append(ms, Matcher{Kind: MatchQuit, Next: StepQuit})
	ms = append(ms, matchers...)
	if ms[len(ms)-1].Kind != MatchDefault {
		ms = append(ms, Default(StepRoute))
	}
	return &Prompt{ID: uuid.NewString(), Text: text, Matchers: ms}
}

// Match returns the first matcher that accepts text.
func (p *Prompt) Match(text string) Matcher {
	for _, m := range p.Matchers {
		if m.matches(text) {
			return m
		}
	}
	return p.Matchers[len(p.Matchers)-1]
}
