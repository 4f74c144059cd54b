// Package dialogue runs the multi-turn conversations between BugBot and chat
// users. A conversation only ever waits on a Prompt, which lists as data what
// each possible answer leads to; no goroutine is parked per conversation.
package dialogue

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/joescharf/bugbot/internal/conversation"
	"github.com/joescharf/bugbot/internal/intent"
	"github.com/joescharf/bugbot/internal/models"
	"github.com/joescharf/bugbot/internal/tracker"
)

// Messenger delivers bot messages to a chat user.
type Messenger interface {
	Send(ctx context.Context, to models.UserRef, text string) error
}

// Purpose is what collected multi-line text is for.
type Purpose string

const (
	PurposeDescription Purpose = "description"
	PurposeComment     Purpose = "comment"
	PurposeReply       Purpose = "reply"
)

// Action is a bug action that needs the bug under discussion.
type Action string

const (
	ActionComment     Action = "comment"
	ActionInfo        Action = "info"
	ActionSubscribe   Action = "subscribe"
	ActionUnsubscribe Action = "unsubscribe"
)

// verb is how an action reads in "assuming you want to ...".
func (a Action) verb() string {
	switch a {
	case ActionComment:
		return "comment on"
	case ActionInfo:
		return "get information about"
	case ActionSubscribe:
		return "subscribe to"
	case ActionUnsubscribe:
		return "unsubscribe from"
	}
	return string(a)
}

// wish is how an action reads in "what bug do you want ...".
func (a Action) wish() string {
	if a == ActionInfo {
		return "more information about"
	}
	return "to " + a.verb()
}

// State is the context of one conversation. It is only touched while the
// conversation's turn lock is held.
type State struct {
	Bug     *models.Issue // the bug under discussion
	Pending *Prompt

	Action   Action        // waiting for a bug reference on behalf of this action
	Draft    tracker.Draft // the bug being reported
	Purpose  Purpose
	Lines    []string
	Verbatim string // unclassified text offered as a bug title
}

// Registry is the conversation registry the engine runs on.
type Registry = conversation.Registry[*State]

// Conversation is one user's conversation.
type Conversation = conversation.Conversation[*State]

// Config configures an Engine.
type Config struct {
	BotName    string
	AllowList  bool
	DateLayout string
	// Pick returns a random int in [0, n); it chooses between wordings.
	Pick   func(n int) int
	Logger *zap.Logger
}

// Engine routes inbound chat messages and delivers notifications. It
// implements tracker.Notifier.
type Engine struct {
	svc        *tracker.Service
	registry   *Registry
	classifier intent.Classifier
	messenger  Messenger

	allowList  bool
	dateLayout string
	mentions   []*regexp.Regexp
	speech     speech
	log        *zap.Logger
}

var _ tracker.Notifier = (*Engine)(nil)

// New creates an engine. The caller attaches it to svc as its notifier.
func New(svc *tracker.Service, registry *Registry, classifier intent.Classifier, messenger Messenger, cfg Config) *Engine {
	e := &Engine{
		svc:        svc,
		registry:   registry,
		classifier: classifier,
		messenger:  messenger,
		allowList:  cfg.AllowList,
		dateLayout: cfg.DateLayout,
		speech:     newSpeech(cfg.Pick),
		log:        cfg.Logger,
	}
	if e.dateLayout == "" {
		e.dateLayout = models.DefaultDateLayout
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if cfg.BotName != "" {
		name := regexp.QuoteMeta(cfg.BotName)
		e.mentions = []*regexp.Regexp{
			regexp.MustCompile(`\b` + name + ` `),
			regexp.MustCompile(` ` + name + `\b`),
			regexp.MustCompile(`\b` + name + `\b`),
		}
	}
	return e
}

// StripMention removes @mentions of the bot from text.
func (e *Engine) StripMention(text string) string {
	for _, re := range e.mentions {
		text = re.ReplaceAllString(text, "")
	}
	return strings.TrimSpace(text)
}

// Handle processes one inbound message from a chat user. If the user has a
// conversation waiting on a prompt, the message answers it; otherwise a new
// conversation starts and the message is routed by intent.
func (e *Engine) Handle(ctx context.Context, from models.UserRef, text string) error {
	key := from.Key()
	if key == "" {
		return conversation.ErrNoIdentity
	}
	text = e.StripMention(text)

	if conv := e.registry.Active(key); conv != nil {
		conv.Lock()
		if e.registry.IsActive(conv) && conv.State.Pending != nil {
			e.registry.Touch(conv)
			t := e.turn(ctx, conv)
			t.answer(text)
			e.settle(conv)
			conv.Unlock()
			return nil
		}
		conv.Unlock()
	}

	conv := e.registry.New(from, &State{})
	conv.Lock()
	defer conv.Unlock()
	if err := e.registry.Start(conv); err != nil {
		return err
	}
	e.turn(ctx, conv).route(text)
	e.settle(conv)
	return nil
}

// settle ends a conversation that has nothing left to ask.
func (e *Engine) settle(conv *Conversation) {
	if conv.State.Pending == nil {
		e.registry.Finish(conv)
	}
}

// turn is the handling of one message within one locked conversation.
type turn struct {
	ctx  context.Context
	e    *Engine
	conv *Conversation
	st   *State
}

func (e *Engine) turn(ctx context.Context, conv *Conversation) *turn {
	return &turn{ctx: ctx, e: e, conv: conv, st: conv.State}
}

// live reports whether this conversation may still act. A conversation that
// was interrupted, timed out or stopped never resumes.
func (t *turn) live() bool {
	return t.e.registry.IsActive(t.conv)
}

func (t *turn) owner() models.UserRef { return t.conv.Owner }

func (t *turn) phrase(key string) string { return t.e.speech.get(key) }

// say sends text to the conversation owner.
func (t *turn) say(text string) {
	if !t.live() {
		return
	}
	if err := t.e.messenger.Send(t.ctx, t.owner(), text); err != nil {
		t.e.log.Warn("send message failed",
			zap.String("conversation", t.conv.ID),
			zap.String("to", t.owner().Key()),
			zap.Error(err))
	}
}

// ask says text and waits for the next message.
func (t *turn) ask(text string, matchers ...Matcher) {
	if !t.live() {
		return
	}
	t.say(text)
	t.st.Pending = newPrompt(text, matchers...)
}

// wait keeps the conversation and its context for the next top-level message
// without saying anything.
func (t *turn) wait() {
	if !t.live() {
		return
	}
	t.st.Pending = newPrompt("")
}

// next asks text and then routes whatever comes back as a new request.
func (t *turn) next(text string) {
	t.ask(text, Default(StepRoute))
}

// repeat re-issues the pending prompt unchanged.
func (t *turn) repeat(p *Prompt) {
	if !t.live() {
		return
	}
	t.say(p.Text)
	t.st.Pending = p
}

// answer feeds text to the pending prompt.
func (t *turn) answer(text string) {
	p := t.st.Pending
	t.st.Pending = nil
	m := p.Match(text)
	t.e.log.Debug("prompt answered",
		zap.String("conversation", t.conv.ID),
		zap.String("prompt", p.ID),
		zap.String("step", string(m.Next)))

	switch m.Next {
	case StepQuit:
		t.quit()
	case StepRoute:
		t.route(text)
	case StepResolve:
		t.lookup(text)
	case StepTitle:
		t.st.Draft.Title = text
		t.reportNext()
	case StepUrgency:
		t.urgency(text, p)
	case StepCollectLine:
		t.st.Lines = append(t.st.Lines, text)
		t.st.Pending = p
	case StepCollectDone:
		t.collected(strings.TrimSpace(strings.Join(t.st.Lines, "\n")))
	case StepFallbackYes:
		t.startReport(intent.Report{Title: t.st.Verbatim}, true)
	case StepFallbackNo:
		t.say(t.phrase("ok") + " " + t.phrase("bye"))
	}
}

// quit discards the conversation context.
func (t *turn) quit() {
	t.say(t.phrase("ok") + " " + t.phrase("sorry to see you go"))
	t.say(t.phrase("bye"))
	*t.st = State{}
}
