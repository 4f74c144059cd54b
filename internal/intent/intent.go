// Package intent defines the classified purpose of an inbound chat message
// and the classifiers that produce it.
package intent

import (
	"context"
	"strings"

	"github.com/joescharf/bugbot/internal/models"
)

// Kind names an intent.
type Kind string

const (
	KindReport      Kind = "report"
	KindComment     Kind = "comment"
	KindInfo        Kind = "info"
	KindSubscribe   Kind = "subscribe"
	KindUnsubscribe Kind = "unsubscribe"
	KindList        Kind = "list"
	KindHelp        Kind = "help"
	KindSmalltalk   Kind = "smalltalk"
	KindPrompt      Kind = "prompt"
	KindFallback    Kind = "fallback"
)

// Intent is one of the concrete intent types below. Each carries only the
// entities relevant to it.
type Intent interface {
	Kind() Kind
}

// Report asks to file a new bug.
type Report struct {
	Title   string
	Urgency models.Urgency
}

// Comment asks to comment on a bug.
type Comment struct{ Title string }

// Info asks for details about a bug.
type Info struct{ Title string }

// Subscribe asks to follow a bug.
type Subscribe struct{ Title string }

// Unsubscribe asks to stop following a bug.
type Unsubscribe struct{ Title string }

// List asks for every tracked bug.
type List struct{}

// Help asks what the bot can do.
type Help struct{}

// Smalltalk is chit-chat; Reply is what to answer.
type Smalltalk struct{ Reply string }

// Prompt is an empty or content-free message.
type Prompt struct{}

// Fallback is anything unclassified.
type Fallback struct{}

func (Report) Kind() Kind      { return KindReport }
func (Comment) Kind() Kind     { return KindComment }
func (Info) Kind() Kind        { return KindInfo }
func (Subscribe) Kind() Kind   { return KindSubscribe }
func (Unsubscribe) Kind() Kind { return KindUnsubscribe }
func (List) Kind() Kind        { return KindList }
func (Help) Kind() Kind        { return KindHelp }
func (Smalltalk) Kind() Kind   { return KindSmalltalk }
func (Prompt) Kind() Kind      { return KindPrompt }
func (Fallback) Kind() Kind    { return KindFallback }

// Title returns the recognized bug title entity, if the intent carries one.
func Title(in Intent) string {
	switch v := in.(type) {
	case Report:
		return v.Title
	case Comment:
		return v.Title
	case Info:
		return v.Title
	case Subscribe:
		return v.Title
	case Unsubscribe:
		return v.Title
	}
	return ""
}

// Classifier turns free text into intents. Implementations are external
// collaborators of the dialogue engine.
type Classifier interface {
	// Classify returns the intent of a top-level message.
	Classify(ctx context.Context, text string) (Intent, error)
	// ClassifyUrgency recognizes only an urgency; it returns "" when the
	// text names none.
	ClassifyUrgency(ctx context.Context, text string) (models.Urgency, error)
}

// FromKind builds an intent of the given kind with an optional title entity.
func FromKind(kind Kind, title string, urgency models.Urgency, reply string) Intent {
	switch kind {
	case KindReport:
		return Report{Title: title, Urgency: urgency}
	case KindComment:
		return Comment{Title: title}
	case KindInfo:
		return Info{Title: title}
	case KindSubscribe:
		return Subscribe{Title: title}
	case KindUnsubscribe:
		return Unsubscribe{Title: title}
	case KindList:
		return List{}
	case KindHelp:
		return Help{}
	case KindSmalltalk:
		if reply == "" {
			return Fallback{}
		}
		return Smalltalk{Reply: reply}
	case KindPrompt:
		return Prompt{}
	}
	return Fallback{}
}

// commands map slash commands one to one onto intents, bypassing classification.
var commands = map[string]Kind{
	"/report":      KindReport,
	"/view":        KindInfo,
	"/info":        KindInfo,
	"/subscribe":   KindSubscribe,
	"/unsubscribe": KindUnsubscribe,
	"/comment":     KindComment,
	"/list":        KindList,
	"/help":        KindHelp,
}

// Command parses a slash command. Text after the command becomes the title
// entity, so "/view Login broken" is Info{Title: "Login broken"}.
func Command(text string) (Intent, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil, false
	}
	name, rest, _ := strings.Cut(text, " ")
	kind, ok := commands[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	return FromKind(kind, strings.TrimSpace(rest), "", ""), true
}

// NormalizeUrgency maps free text onto an urgency, or "" if none is named.
// Negated phrases are checked before the words they contain.
func NormalizeUrgency(text string) models.Urgency {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return ""
	}

	lowPhrases := []string{"not urgent", "not important", "no rush", "whenever", "not very"}
	for _, kw := range lowPhrases {
		if strings.Contains(lower, kw) {
			return models.UrgencyLow
		}
	}

	table := []struct {
		urgency  models.Urgency
		keywords []string
	}{
		{models.UrgencyCritical, []string{"critical", "blocker", "emergency", "asap", "showstopper", "p0"}},
		{models.UrgencyHigh, []string{"high", "urgent", "important", "severe", "very", "p1"}},
		{models.UrgencyMedium, []string{"medium", "normal", "moderate", "average", "mid", "p2"}},
		{models.UrgencyLow, []string{"low", "minor", "trivial", "cosmetic", "p3"}},
	}
	for _, row := range table {
		for _, kw := range row.keywords {
			if containsWord(lower, kw) {
				return row.urgency
			}
		}
	}
	return ""
}

// containsWord reports whether kw appears in s delimited by non-letters.
func containsWord(s, kw string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], kw)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(kw)
		if (start == 0 || !isLetter(s[start-1])) && (end == len(s) || !isLetter(s[end])) {
			return true
		}
		i = start + 1
	}
}

func isLetter(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}
