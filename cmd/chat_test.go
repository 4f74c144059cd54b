package cmd

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/bugbot/internal/conversation"
)

func setChatUser(t *testing.T, id, email, name string) {
	t.Helper()
	prevID, prevEmail, prevName, prevWeb := chatPersonID, chatEmail, chatName, chatWeb
	chatPersonID, chatEmail, chatName, chatWeb = id, email, name, false
	t.Cleanup(func() {
		chatPersonID, chatEmail, chatName, chatWeb = prevID, prevEmail, prevName, prevWeb
	})
}

func TestChatRun_ReportsBug(t *testing.T) {
	_, out := testEnv(t)
	setChatUser(t, "local", "ann@example.com", "Ann")

	in := strings.NewReader(strings.Join([]string{
		"/report Login broken",
		"high",
		"The button does nothing.",
		"/done",
	}, "\n") + "\n")
	require.NoError(t, chatRun(context.Background(), in))

	got := out.String()
	assert.Contains(t, got, "Chatting with BugBot as Ann")
	assert.Contains(t, got, "How urgent is this")
	assert.Contains(t, got, "bug report titled \"Login broken\"")
	assert.Contains(t, got, "Here's a link to your newly created bug")
}

func TestChatRun_Help(t *testing.T) {
	_, out := testEnv(t)
	setChatUser(t, "local", "", "Ann")

	require.NoError(t, chatRun(context.Background(), strings.NewReader("/help\n")))
	assert.Contains(t, out.String(), "I can help you file, view, and stay up-to-date")
}

func TestChatRun_RequiresIdentity(t *testing.T) {
	testEnv(t)
	setChatUser(t, "", "", "Nobody")

	err := chatRun(context.Background(), strings.NewReader(""))
	assert.ErrorIs(t, err, conversation.ErrNoIdentity)
}

func TestDefaultChatEmail(t *testing.T) {
	t.Setenv("USER", "ann")
	assert.Equal(t, "ann@localhost", defaultChatEmail())

	t.Setenv("USER", "")
	assert.Empty(t, defaultChatEmail())
}

func TestChatRun_OwnComments(t *testing.T) {
	script := strings.Join([]string{
		"/report Crash",
		"high",
		"It crashes.",
		"/done",
		"/comment Crash",
		"me too",
		"/done",
	}, "\n") + "\n"

	t.Run("with email", func(t *testing.T) {
		_, out := testEnv(t)
		setChatUser(t, "local", "ann@localhost", "Ann")

		require.NoError(t, chatRun(context.Background(), strings.NewReader(script)))
		assert.Contains(t, out.String(), "Done!")
		assert.NotContains(t, out.String(), "commented on")
	})

	t.Run("without email", func(t *testing.T) {
		_, out := testEnv(t)
		setChatUser(t, "local", "", "Ann")

		require.NoError(t, chatRun(context.Background(), strings.NewReader(script)))
		assert.Contains(t, out.String(), "commented on")
	})
}
