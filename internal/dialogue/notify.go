package dialogue

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/joescharf/bugbot/internal/models"
)

// NotifyComment takes over the subscriber's conversation, shows the comment
// and collects the subscriber's next message as a reply comment.
func (e *Engine) NotifyComment(ctx context.Context, to models.UserRef, comment models.Comment, issue *models.Issue) {
	if !to.IsChat() {
		return
	}
	conv, ok := e.takeOver(to, &State{Bug: issue})
	if !ok {
		return
	}
	defer conv.Unlock()

	t := e.turn(ctx, conv)
	t.say(fmt.Sprintf("%s commented on %s, %s:", mention(comment.Author), bugLink(issue), titleLink(issue)))
	t.say(quote(comment.Body, ""))
	t.say("*Messages you send now will become replies to this comment.*")
	t.collect(PurposeReply)
	e.settle(conv)
}

// NotifyClosed tells the subscriber the bug was closed.
func (e *Engine) NotifyClosed(ctx context.Context, to models.UserRef, issue *models.Issue) {
	e.announce(ctx, to, fmt.Sprintf("%s, %s, has been closed.", bugLink(issue), titleLink(issue)))
}

// NotifyDeleted tells the subscriber the bug was deleted.
func (e *Engine) NotifyDeleted(ctx context.Context, to models.UserRef, issue *models.Issue) {
	e.announce(ctx, to, fmt.Sprintf("Bug %s, \"%s\", has been deleted.", issue.ID, issue.Title))
}

// announce interrupts any conversation with the user and sends text.
func (e *Engine) announce(ctx context.Context, to models.UserRef, text string) {
	if !to.IsChat() {
		return
	}
	conv, ok := e.takeOver(to, &State{})
	if !ok {
		return
	}
	defer conv.Unlock()

	e.turn(ctx, conv).say(text)
	e.settle(conv)
}

// takeOver starts a fresh private conversation with to, stopping whatever
// conversation it had. The new conversation is returned locked.
func (e *Engine) takeOver(to models.UserRef, st *State) (*Conversation, bool) {
	conv := e.registry.New(to, st)
	conv.Lock()
	if err := e.registry.Start(conv); err != nil {
		conv.Unlock()
		e.log.Warn("notification not delivered", zap.String("to", to.Display()), zap.Error(err))
		return nil, false
	}
	return conv, true
}
