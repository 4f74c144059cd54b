package dialogue

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/joescharf/bugbot/internal/models"
)

// phrases maps a phrase key to interchangeable wordings. The first wording of
// each key is the plain one.
var phrases = map[string][]string{
	"ok":                  {"OK.", "Alright.", "Sure thing."},
	"sorry":               {"Sorry", "Apologies", "Oops"},
	"did not":             {"didn't", "couldn't"},
	"understand":          {"understand", "catch"},
	"bug":                 {"bug", "bug report", "issue"},
	"do you want":         {"do you want", "would you like"},
	"report a bug":        {"report a bug", "file a bug report"},
	"bye":                 {"Bye!", "See you later!", "Talk to you soon!"},
	"sorry to see you go": {"Sorry to see you go.", "Come back anytime."},
	"done":                {"done", "finished"},
	"how can I help":      {"How can I help", "What can I do for you"},
	"describe bug":        {"Please describe the bug.", "Tell me what went wrong.", "What happened?"},
	"creating":            {"Creating", "Filing"},
	"right now there is":  {"Right now there is", "Currently there is"},
	"right now there are": {"Right now there are", "Currently there are"},
}

// speech picks a random wording for a phrase key.
type speech struct {
	pick func(n int) int
}

func newSpeech(pick func(n int) int) speech {
	if pick == nil {
		pick = rand.IntN
	}
	return speech{pick: pick}
}

func (s speech) get(key string) string {
	options, ok := phrases[key]
	if !ok {
		return key
	}
	return options[s.pick(len(options))]
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// mention renders a user as a chat @mention when possible.
func mention(u models.UserRef) string {
	if u.PersonID != "" {
		return "<@personId:" + u.PersonID + ">"
	}
	return u.Display()
}

// quote renders multi-line text as a block quote, one "> " line per line.
func quote(text, indent string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = indent + "> " + line
	}
	return strings.Join(lines, "\n\n")
}

func bugLink(issue *models.Issue) string {
	return fmt.Sprintf("[Bug %s](%s)", issue.ID, issue.URL)
}

func titleLink(issue *models.Issue) string {
	return fmt.Sprintf("\"[%s](%s)\"", issue.Title, issue.URL)
}
