package dialogue

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/joescharf/bugbot/internal/intent"
	"github.com/joescharf/bugbot/internal/models"
	"github.com/joescharf/bugbot/internal/store"
	"github.com/joescharf/bugbot/internal/tracker"
)

const resetCommand = "/reset"

// route handles a top-level message.
func (t *turn) route(text string) {
	switch {
	case text == resetCommand:
		// Pushes earlier messages off screen in demos. State is untouched.
		t.say(strings.Repeat(" \n\n", 50))
		return
	case quitPattern.MatchString(text), donePattern.MatchString(text):
		t.say(t.phrase("ok"))
		return
	}

	in, err := t.e.classifier.Classify(t.ctx, text)
	if err != nil {
		t.e.log.Warn("classification failed", zap.String("text", text), zap.Error(err))
		in = intent.Fallback{}
	}
	t.e.log.Debug("intent routed",
		zap.String("conversation", t.conv.ID),
		zap.String("intent", string(in.Kind())),
		zap.String("title", intent.Title(in)))

	switch v := in.(type) {
	case intent.Prompt:
		t.next(t.phrase("how can I help") + ", " + mention(t.owner()) + "?")
	case intent.Smalltalk:
		t.say(v.Reply)
	case intent.Help:
		t.help()
	case intent.List:
		if !t.e.allowList {
			t.fallback(text)
			return
		}
		t.list()
	case intent.Report:
		t.startReport(v, false)
	case intent.Comment:
		t.resolve(ActionComment, v.Title)
	case intent.Info:
		t.resolve(ActionInfo, v.Title)
	case intent.Subscribe:
		t.resolve(ActionSubscribe, v.Title)
	case intent.Unsubscribe:
		t.resolve(ActionUnsubscribe, v.Title)
	default:
		t.fallback(text)
	}
}

// fallback offers to report unclassified text as a new bug. Text that starts
// like "yes" answers a question nobody asked and ends the conversation.
func (t *turn) fallback(text string) {
	if yesGuard.MatchString(text) {
		return
	}
	t.st.Verbatim = text
	t.ask(fmt.Sprintf("%s to %s titled \"%s\"?",
		capitalize(t.phrase("do you want")), t.phrase("report a bug"), text),
		On(yesPattern, StepFallbackYes),
		On(noPattern, StepFallbackNo),
		Default(StepRoute),
	)
}

func (t *turn) help() {
	list, cmds := "", "`/report`, `/view`, `/subscribe`, `/unsubscribe` "
	if t.e.allowList {
		list = " - Listing all the bugs currently being tracked\n\n"
		cmds = "`/report`, `/view`, `/subscribe`, `/unsubscribe`, `/list` "
	}
	t.say("I can help you file, view, and stay up-to-date with bug reports very easily.")
	t.say("Here's a full list of everything that I can help you with:")
	t.say(" - Reporting a new bug\n\n" +
		" - Viewing information about an existing bug\n\n" +
		" - Subscribing to changes to an existing bug\n\n" +
		" - Unsubscribing to changes to an existing bug\n\n" +
		list +
		" - Commenting on an existing bug")
	t.say("You can access these functions directly by typing " + cmds + "and `/comment`.")
	t.say("You can also just talk to me. For example, say \"I want to report a very important bug about my computer\".")
	t.say("*(Note: If at any time, you want to quit talking with me, just type `/quit`).*")
}

func (t *turn) list() {
	bugs := t.e.svc.List()
	n := len(bugs)

	var b strings.Builder
	if n == 1 {
		b.WriteString(t.phrase("right now there is") + " 1 bug being tracked:")
	} else {
		fmt.Fprintf(&b, "%s %d bugs being tracked", t.phrase("right now there are"), n)
		if n == 0 {
			b.WriteString(".")
		} else {
			b.WriteString(":")
		}
	}
	t.say(b.String())
	if n == 0 {
		return
	}

	items := make([]string, 0, n)
	for _, bug := range bugs {
		items = append(items, fmt.Sprintf(" - [%s](%s)", bug.Title, bug.URL))
	}
	t.say(strings.Join(items, "\n\n"))
}

// startReport begins filling a new bug from the entities in in. keep retains
// a draft title supplied by an earlier step.
func (t *turn) startReport(in intent.Report, keep bool) {
	if !keep {
		t.st.Draft.Title = ""
	}
	t.st.Draft.Description = ""
	t.st.Draft.Urgency = ""
	if in.Title != "" {
		t.st.Draft.Title = in.Title
	}
	if in.Urgency != "" {
		t.st.Draft.Urgency = in.Urgency
	}
	t.reportNext()
}

// reportNext asks for the first missing field of the draft.
func (t *turn) reportNext() {
	d := &t.st.Draft
	switch {
	case d.Title == "":
		t.ask(fmt.Sprintf("What %s to title this %s?", t.phrase("do you want"), t.phrase("bug")),
			Default(StepTitle))
	case d.Urgency == "":
		t.ask(fmt.Sprintf("How urgent is this %s?", t.phrase("bug")), Default(StepUrgency))
	default:
		t.say(t.phrase("describe bug"))
		t.collect(PurposeDescription)
	}
}

// urgency accepts an answer to the urgency prompt p, re-asking p unchanged
// when no urgency is recognized.
func (t *turn) urgency(text string, p *Prompt) {
	u, err := t.e.classifier.ClassifyUrgency(t.ctx, text)
	if err != nil {
		t.e.log.Warn("urgency classification failed", zap.String("text", text), zap.Error(err))
	}
	if u == "" {
		t.say(fmt.Sprintf("%s, I %s %s that.", t.phrase("sorry"), t.phrase("did not"), t.phrase("understand")))
		t.repeat(p)
		return
	}
	t.st.Draft.Urgency = u
	t.reportNext()
}

func (t *turn) fileReport() {
	if !t.live() {
		return
	}
	d := t.st.Draft
	d.Reporter = t.owner()
	t.say(fmt.Sprintf("%s a %s urgency bug report titled \"%s\"...", t.phrase("creating"), d.Urgency, d.Title))

	issue, err := t.e.svc.Report(t.ctx, d)
	if err != nil {
		t.e.log.Error("report bug failed", zap.String("title", d.Title), zap.Error(err))
		t.say(fmt.Sprintf("%s, I %s file that %s.", t.phrase("sorry"), t.phrase("did not"), t.phrase("bug")))
		return
	}
	t.st.Draft = tracker.Draft{}
	t.st.Bug = issue
	t.say("Subscribing you to any changes...")
	t.next(fmt.Sprintf("Here's a link to your newly created bug: %s.", bugLink(issue)))
}

// collect starts gathering lines until /done.
func (t *turn) collect(p Purpose) {
	t.st.Purpose = p
	t.st.Lines = nil
	t.ask(fmt.Sprintf("*(Type `/done` when you're %s).*", t.phrase("done")),
		On(donePattern, StepCollectDone),
		Default(StepCollectLine),
	)
}

func (t *turn) collected(text string) {
	t.st.Lines = nil
	switch t.st.Purpose {
	case PurposeDescription:
		t.st.Draft.Description = text
		t.fileReport()
	case PurposeComment, PurposeReply:
		t.addComment(text)
	}
}

// addComment comments on the bug under discussion. A comment on a closed bug
// is dropped without a word.
func (t *turn) addComment(text string) {
	if text == "" {
		t.next(t.phrase("ok") + " Not adding any comments.")
		return
	}
	if t.st.Bug == nil || !t.live() {
		return
	}

	issue, err := t.e.svc.Get(t.st.Bug.ID)
	if err != nil {
		t.gone(err)
		return
	}
	t.st.Bug = issue
	if !issue.Open {
		t.wait()
		return
	}

	t.say("Commenting...")
	added, err := t.e.svc.Comment(t.ctx, issue.ID, t.owner(), text)
	if err != nil {
		t.gone(err)
		return
	}
	if !added {
		t.wait()
		return
	}
	t.next("Done!")
}

// gone reports that the bug under discussion disappeared and forgets it.
func (t *turn) gone(err error) {
	if !errors.Is(err, store.ErrNotFound) {
		t.e.log.Error("bug mutation failed", zap.Error(err))
	}
	t.st.Bug = nil
	t.next(fmt.Sprintf("%s, that %s no longer exists.", t.phrase("sorry"), t.phrase("bug")))
}

// resolve finds the bug an action applies to: a title in the message wins,
// then the bug already under discussion, and otherwise the user is asked.
func (t *turn) resolve(a Action, title string) {
	t.st.Action = a
	switch {
	case title != "":
		t.st.Bug = nil
		t.lookup(title)
	case t.st.Bug != nil:
		t.say(fmt.Sprintf("Assuming you want to %s the current bug (%s, %s)...",
			a.verb(), bugLink(t.st.Bug), titleLink(t.st.Bug)))
		t.perform()
	default:
		t.askBug()
	}
}

func (t *turn) askBug() {
	t.ask(fmt.Sprintf("What %s %s %s?", t.phrase("bug"), t.phrase("do you want"), t.st.Action.wish()),
		Default(StepResolve))
}

// lookup resolves text as a bug id, link or title. Not finding anything asks
// again; several bugs with the same title bind the first one reported.
func (t *turn) lookup(text string) {
	m := t.e.svc.Find(text)
	if !m.Found() {
		t.say(fmt.Sprintf("%s, I %s find a %s with an ID, link, or title of \"%s\" in my database.",
			t.phrase("sorry"), t.phrase("did not"), t.phrase("bug"), text))
		t.askBug()
		return
	}
	t.st.Bug = m.First()
	if m.Ambiguous() {
		t.say(fmt.Sprintf("There are %d bugs titled \"%s\". I'll use the first one reported, %s.",
			len(m.Issues), text, bugLink(t.st.Bug)))
	}
	t.perform()
}

// perform runs the pending action on the bound bug.
func (t *turn) perform() {
	switch t.st.Action {
	case ActionComment:
		t.say("You can type your comment now.")
		t.collect(PurposeComment)
	case ActionInfo:
		issue, err := t.e.svc.Get(t.st.Bug.ID)
		if err != nil {
			t.gone(err)
			return
		}
		t.st.Bug = issue
		t.next(t.e.renderInfo(issue))
	case ActionSubscribe:
		t.subscribe()
	case ActionUnsubscribe:
		t.unsubscribe()
	}
}

func (t *turn) subscribe() {
	if !t.live() {
		return
	}
	added, err := t.e.svc.Subscribe(t.ctx, t.st.Bug.ID, t.owner())
	if err != nil {
		t.gone(err)
		return
	}
	if !added {
		t.next(fmt.Sprintf("You are already subscribed to this %s.", t.phrase("bug")))
		return
	}
	t.say("Subscribing you to any changes...")
	t.next("Done!")
}

func (t *turn) unsubscribe() {
	if !t.live() {
		return
	}
	removed, err := t.e.svc.Unsubscribe(t.ctx, t.st.Bug.ID, t.owner())
	if err != nil {
		t.gone(err)
		return
	}
	if !removed {
		t.next(fmt.Sprintf("You are already unsubscribed from this %s.", t.phrase("bug")))
		return
	}
	t.say("Unsubscribing you from any changes...")
	t.next("Done!")
}

func (e *Engine) renderInfo(issue *models.Issue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s:\n\n", bugLink(issue))
	fmt.Fprintf(&b, " - Title: %s\n\n", issue.Title)
	b.WriteString(" - Description:\n\n")
	b.WriteString(quote(issue.Description, "   ") + "\n\n")
	fmt.Fprintf(&b, " - Status: %s\n\n", issue.Status())
	fmt.Fprintf(&b, " - Urgency: %s\n\n", issue.Urgency.Title())
	fmt.Fprintf(&b, " - Date opened: %s", issue.DateOpened.Format(e.dateLayout))
	return b.String()
}
