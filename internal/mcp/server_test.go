package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/bugbot/internal/conversation"
	"github.com/joescharf/bugbot/internal/dialogue"
	"github.com/joescharf/bugbot/internal/intent"
	"github.com/joescharf/bugbot/internal/models"
	"github.com/joescharf/bugbot/internal/outbox"
	"github.com/joescharf/bugbot/internal/store"
	"github.com/joescharf/bugbot/internal/tracker"
)

var ann = models.UserRef{PersonID: "p-ann", Email: "ann@example.com", Name: "Ann"}

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func newTestServer(t *testing.T, allowList bool) (*Server, *tracker.Service) {
	t.Helper()
	st, err := store.New(store.DefaultConfig())
	require.NoError(t, err)
	svc := tracker.New(st, nil)

	box, err := outbox.NewSQLiteOutbox(":memory:")
	require.NoError(t, err)
	require.NoError(t, box.Migrate(context.Background()))
	t.Cleanup(func() { _ = box.Close() })

	registry := conversation.NewRegistry[*dialogue.State](conversation.Config{})
	engine := dialogue.New(svc, registry, intent.NewKeywordClassifier(), box, dialogue.Config{
		BotName:   "BugBot",
		AllowList: allowList,
		Pick:      func(int) int { return 0 },
	})
	svc.Attach(engine)

	return NewServer(svc, engine, box, allowList, "test"), svc
}

func reportBug(t *testing.T, svc *tracker.Service, title string) *models.Issue {
	t.Helper()
	bug, err := svc.Report(context.Background(), tracker.Draft{
		Title:       title,
		Description: "steps to reproduce",
		Urgency:     models.UrgencyHigh,
		Reporter:    ann,
	})
	require.NoError(t, err)
	return bug
}

// callToolReq builds a CallToolRequest with the given arguments.
func callToolReq(name string, args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// resultText extracts the concatenated text from a CallToolResult.
func resultText(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	var b strings.Builder
	for _, c := range result.Content {
		tc, ok := c.(mcpgo.TextContent)
		if ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

// resultJSON parses the text result as JSON into the provided target.
func resultJSON(t *testing.T, result *mcpgo.CallToolResult, target any) {
	t.Helper()
	text := resultText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target), "result text: %s", text)
}

func send(t *testing.T, srv *Server, text string) []string {
	t.Helper()
	result, err := srv.handleSendMessage(context.Background(), callToolReq("bugbot_send_message", map[string]any{
		"person_id":    ann.PersonID,
		"person_email": ann.Email,
		"name":         ann.Name,
		"text":         text,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	return bodies(t, result)
}

func bodies(t *testing.T, result *mcpgo.CallToolResult) []string {
	t.Helper()
	var out messagesOut
	resultJSON(t, result, &out)
	msgs := make([]string, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, m.Body)
	}
	return msgs
}

// ---------------------------------------------------------------------------
// bugbot_send_message
// ---------------------------------------------------------------------------

func TestHandleSendMessage_ReportsBug(t *testing.T) {
	srv, svc := newTestServer(t, false)

	assert.Equal(t, []string{"How urgent is this bug?"}, send(t, srv, "BugBot /report Login broken"))
	assert.Equal(t, []string{
		"Please describe the bug.",
		"*(Type `/done` when you're done).*",
	}, send(t, srv, "critical"))
	assert.Empty(t, send(t, srv, "the button does nothing"))

	msgs := send(t, srv, "/done")
	require.Len(t, msgs, 3)
	assert.Equal(t, `Creating a critical urgency bug report titled "Login broken"...`, msgs[0])

	bugs := svc.List()
	require.Len(t, bugs, 1)
	assert.Equal(t, "the button does nothing", bugs[0].Description)
	assert.Equal(t, models.UrgencyCritical, bugs[0].Urgency)
	assert.Contains(t, msgs[2], bugs[0].URL)
}

func TestHandleSendMessage_MissingText(t *testing.T) {
	srv, _ := newTestServer(t, false)

	result, err := srv.handleSendMessage(context.Background(), callToolReq("bugbot_send_message", map[string]any{
		"person_id": "p-ann",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "text")
}

func TestHandleSendMessage_NoIdentity(t *testing.T) {
	srv, _ := newTestServer(t, false)

	result, err := srv.handleSendMessage(context.Background(), callToolReq("bugbot_send_message", map[string]any{
		"name": "Nobody",
		"text": "/help",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "person_id or person_email")
}

type failingChat struct{}

func (failingChat) Handle(context.Context, models.UserRef, string) error {
	return errors.New("classifier unavailable")
}

func TestHandleSendMessage_ChatError(t *testing.T) {
	_, svc := newTestServer(t, false)
	srv := NewServer(svc, failingChat{}, nil, false, "")

	result, err := srv.handleSendMessage(context.Background(), callToolReq("bugbot_send_message", map[string]any{
		"person_id": "p-ann",
		"text":      "hi",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "classifier unavailable")
}

// ---------------------------------------------------------------------------
// bugbot_pending_messages
// ---------------------------------------------------------------------------

func TestHandlePendingMessages_Notifications(t *testing.T) {
	srv, svc := newTestServer(t, false)
	bug := reportBug(t, svc, "Crash on save")

	_, err := svc.Close(context.Background(), bug.ID)
	require.NoError(t, err)

	req := callToolReq("bugbot_pending_messages", map[string]any{"person_id": "p-ann"})
	result, err := srv.handlePendingMessages(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError)
	msgs := bodies(t, result)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "has been closed.")

	// Drained messages are handed out once.
	result, err = srv.handlePendingMessages(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, bodies(t, result))
}

func TestHandlePendingMessages_NoIdentity(t *testing.T) {
	srv, _ := newTestServer(t, false)

	result, err := srv.handlePendingMessages(context.Background(), callToolReq("bugbot_pending_messages", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// ---------------------------------------------------------------------------
// bugbot_get_bug
// ---------------------------------------------------------------------------

func TestHandleGetBug(t *testing.T) {
	srv, svc := newTestServer(t, false)
	bug := reportBug(t, svc, "Crash on save")

	for name, ref := range map[string]string{
		"by id":    bug.ID,
		"by link":  bug.URL,
		"by title": "Crash on save",
	} {
		t.Run(name, func(t *testing.T) {
			result, err := srv.handleGetBug(context.Background(), callToolReq("bugbot_get_bug", map[string]any{"bug": ref}))
			require.NoError(t, err)
			require.False(t, result.IsError, resultText(t, result))

			var got models.Issue
			resultJSON(t, result, &got)
			assert.Equal(t, bug.ID, got.ID)
			assert.Equal(t, "Crash on save", got.Title)
			assert.True(t, got.Open)
			assert.Equal(t, []models.UserRef{ann}, got.Subscribers)
		})
	}
}

func TestHandleGetBug_NotFound(t *testing.T) {
	srv, _ := newTestServer(t, false)

	result, err := srv.handleGetBug(context.Background(), callToolReq("bugbot_get_bug", map[string]any{"bug": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "bug not found: nope")
}

func TestHandleGetBug_MissingArg(t *testing.T) {
	srv, _ := newTestServer(t, false)

	result, err := srv.handleGetBug(context.Background(), callToolReq("bugbot_get_bug", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// ---------------------------------------------------------------------------
// bugbot_list_bugs
// ---------------------------------------------------------------------------

func TestHandleListBugs(t *testing.T) {
	srv, svc := newTestServer(t, true)
	first := reportBug(t, svc, "First")
	second := reportBug(t, svc, "Second")
	_, err := svc.Close(context.Background(), first.ID)
	require.NoError(t, err)

	type bug struct {
		ID     string `json:"id"`
		Title  string `json:"title"`
		Status string `json:"status"`
	}

	result, err := srv.handleListBugs(context.Background(), callToolReq("bugbot_list_bugs", map[string]any{}))
	require.NoError(t, err)
	var all []bug
	resultJSON(t, result, &all)
	require.Len(t, all, 2)
	assert.Equal(t, first.ID, all[0].ID, "closing made First the most recently used")
	assert.Equal(t, "Closed", all[0].Status)

	result, err = srv.handleListBugs(context.Background(), callToolReq("bugbot_list_bugs", map[string]any{"open_only": true}))
	require.NoError(t, err)
	var open []bug
	resultJSON(t, result, &open)
	require.Len(t, open, 1)
	assert.Equal(t, second.ID, open[0].ID)
}

func TestHandleListBugs_Empty(t *testing.T) {
	srv, _ := newTestServer(t, true)

	result, err := srv.handleListBugs(context.Background(), callToolReq("bugbot_list_bugs", map[string]any{}))
	require.NoError(t, err)
	assert.Equal(t, "[]", resultText(t, result))
}

// ---------------------------------------------------------------------------
// Integration: tools/list through the mcp-go server
// ---------------------------------------------------------------------------

func listToolNames(t *testing.T, srv *Server) map[string]bool {
	t.Helper()
	reqJSON := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`)
	respMsg := srv.MCPServer().HandleMessage(context.Background(), reqJSON)
	require.NotNil(t, respMsg)

	respBytes, err := json.Marshal(respMsg)
	require.NoError(t, err)

	var rpcResp struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(respBytes, &rpcResp))

	names := make(map[string]bool)
	for _, tool := range rpcResp.Result.Tools {
		names[tool.Name] = true
	}
	return names
}

func TestMCPIntegration_ListTools(t *testing.T) {
	srv, _ := newTestServer(t, false)
	names := listToolNames(t, srv)

	for _, name := range []string{"bugbot_send_message", "bugbot_pending_messages", "bugbot_get_bug"} {
		assert.True(t, names[name], "expected tool %q to be registered", name)
	}
	assert.False(t, names["bugbot_list_bugs"], "listing is disabled")

	srv, _ = newTestServer(t, true)
	assert.True(t, listToolNames(t, srv)["bugbot_list_bugs"])
}

func TestMCPIntegration_CallTool(t *testing.T) {
	srv, svc := newTestServer(t, false)
	bug := reportBug(t, svc, "Crash on save")

	reqJSON := []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"bugbot_get_bug","arguments":{"bug":"` + bug.ID + `"}}}`)
	respMsg := srv.MCPServer().HandleMessage(context.Background(), reqJSON)
	require.NotNil(t, respMsg)

	respBytes, err := json.Marshal(respMsg)
	require.NoError(t, err)
	assert.Contains(t, string(respBytes), bug.ID)
	assert.Contains(t, string(respBytes), "Crash on save")
}
