package intent

import (
	"context"
	"regexp"
	"strings"

	"github.com/joescharf/bugbot/internal/models"
)

// KeywordClassifier classifies messages with keyword heuristics. It needs no
// network access and is the default classifier.
type KeywordClassifier struct{}

// NewKeywordClassifier returns the heuristic classifier.
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{}
}

var (
	quotedTitle = regexp.MustCompile(`["“”]([^"“”]+)["“”]`)
	namedTitle  = regexp.MustCompile(`(?i)\b(?:titled|called|named)\s+(.+)$`)
)

var smalltalkReplies = []struct {
	keywords []string
	reply    string
}{
	{[]string{"thank you", "thanks", "thx"}, "You're welcome!"},
	{[]string{"how are you"}, "I'm doing great, thanks for asking! Squashing bugs keeps me busy."},
	{[]string{"who are you", "what are you"}, "I'm a bot that helps you report and keep track of bugs."},
	{[]string{"hello", "hi", "hey", "good morning", "good afternoon", "good evening"}, "Hi there!"},
	{[]string{"bye", "goodbye", "see you"}, "Bye for now!"},
	{[]string{"i love you", "you're great", "you are great", "awesome"}, "Aww, that's sweet of you! ❤️"},
}

// Classify implements Classifier.
func (k *KeywordClassifier) Classify(_ context.Context, text string) (Intent, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Prompt{}, nil
	}
	if in, ok := Command(text); ok {
		return in, nil
	}

	lower := strings.ToLower(text)
	title := extractTitle(text)

	// Multi-word phrases first, then single words. Unsubscribe is checked
	// before subscribe because it contains it.
	switch {
	case containsAny(lower, "what can you do", "how do you work", "help"):
		return Help{}, nil
	case containsAny(lower, "unsubscribe", "stop following", "stop watching", "mute"):
		return Unsubscribe{Title: title}, nil
	case containsAny(lower, "subscribe", "follow", "watch", "notify me", "keep me posted"):
		return Subscribe{Title: title}, nil
	case containsAny(lower, "comment", "reply to", "add a note"):
		return Comment{Title: title}, nil
	case containsAny(lower, "list", "all bugs", "all the bugs", "every bug", "show bugs"):
		return List{}, nil
	case containsAny(lower, "report", "file a bug", "new bug", "found a bug", "log a bug", "open a bug", "file a new"):
		return Report{Title: title, Urgency: reportUrgency(lower)}, nil
	case containsAny(lower, "view", "info", "details", "tell me about", "show me", "status of", "look at"):
		return Info{Title: title}, nil
	}

	for _, st := range smalltalkReplies {
		for _, kw := range st.keywords {
			if containsWord(lower, kw) {
				return Smalltalk{Reply: st.reply}, nil
			}
		}
	}
	return Fallback{}, nil
}

// ClassifyUrgency implements Classifier.
func (k *KeywordClassifier) ClassifyUrgency(_ context.Context, text string) (models.Urgency, error) {
	return NormalizeUrgency(text), nil
}

// reportUrgency only recognizes urgency phrased as such in a report request,
// so "report a bug about the list view" does not pick up stray words.
func reportUrgency(lower string) models.Urgency {
	for _, marker := range []string{"urgent", "critical", "important", "minor", "trivial", "priority", "urgency"} {
		if strings.Contains(lower, marker) {
			return NormalizeUrgency(lower)
		}
	}
	return ""
}

func extractTitle(text string) string {
	if m := quotedTitle.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := namedTitle.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(strings.TrimRight(m[1], ".!?"))
	}
	return ""
}

func containsAny(s string, keywords ...string) bool {
	for _, kw := range keywords {
		if containsWord(s, kw) {
			return true
		}
	}
	return false
}
