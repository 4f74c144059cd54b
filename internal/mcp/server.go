// Package mcp exposes the BugBot conversational agent over the Model Context
// Protocol, so an MCP client can talk to the bot the way a chat user would.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/bugbot/internal/conversation"
	"github.com/joescharf/bugbot/internal/models"
	"github.com/joescharf/bugbot/internal/outbox"
	"github.com/joescharf/bugbot/internal/tracker"
)

// ChatHandler handles one inbound chat message.
type ChatHandler interface {
	Handle(ctx context.Context, from models.UserRef, text string) error
}

// Mailbox hands out the chat messages queued for a person.
type Mailbox interface {
	Drain(ctx context.Context, key string) ([]*outbox.Message, error)
}

// Server wraps the bug tracker and dialogue engine and exposes them as MCP
// tools.
type Server struct {
	svc       *tracker.Service
	chat      ChatHandler
	mailbox   Mailbox
	allowList bool
	version   string
}

// NewServer creates the MCP server wrapper with all required dependencies.
func NewServer(svc *tracker.Service, chat ChatHandler, mailbox Mailbox, allowList bool, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{
		svc:       svc,
		chat:      chat,
		mailbox:   mailbox,
		allowList: allowList,
		version:   version,
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("bugbot", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.sendMessageTool())
	srv.AddTool(s.pendingMessagesTool())
	srv.AddTool(s.getBugTool())
	if s.allowList {
		srv.AddTool(s.listBugsTool())
	}

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

type messageOut struct {
	ID   string `json:"id"`
	Body string `json:"body"`
	At   string `json:"created_at"`
}

type messagesOut struct {
	Messages []messageOut `json:"messages"`
}

// bugbot_send_message
func (s *Server) sendMessageTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("bugbot_send_message",
		mcp.WithDescription("Send a chat message to BugBot as the given person and return the bot's replies. "+
			"BugBot is conversational: it can report, view, comment on, subscribe to and unsubscribe from bugs. "+
			"Send /help to see what it can do and /quit to end a conversation."),
		mcp.WithString("text", mcp.Required(), mcp.Description("Message text")),
		mcp.WithString("person_id", mcp.Description("Chat person id (person_id or person_email is required)")),
		mcp.WithString("person_email", mcp.Description("Chat person email")),
		mcp.WithString("name", mcp.Description("Display name")),
	)
	return tool, s.handleSendMessage
}

func (s *Server) handleSendMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := request.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: text"), nil
	}
	from := userFrom(request)

	if err := s.chat.Handle(ctx, from, text); err != nil {
		if errors.Is(err, conversation.ErrNoIdentity) {
			return mcp.NewToolResultError("person_id or person_email is required"), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to handle message: %v", err)), nil
	}
	return s.drain(ctx, from.Key())
}

// bugbot_pending_messages
func (s *Server) pendingMessagesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("bugbot_pending_messages",
		mcp.WithDescription("Fetch messages BugBot queued for a person since the last call, "+
			"such as notifications about comments on, or closing of, subscribed bugs."),
		mcp.WithString("person_id", mcp.Description("Chat person id (person_id or person_email is required)")),
		mcp.WithString("person_email", mcp.Description("Chat person email")),
	)
	return tool, s.handlePendingMessages
}

func (s *Server) handlePendingMessages(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key := userFrom(request).Key()
	if key == "" {
		return mcp.NewToolResultError("person_id or person_email is required"), nil
	}
	return s.drain(ctx, key)
}

func (s *Server) drain(ctx context.Context, key string) (*mcp.CallToolResult, error) {
	msgs, err := s.mailbox.Drain(ctx, key)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read messages: %v", err)), nil
	}

	out := messagesOut{Messages: make([]messageOut, len(msgs))}
	for i, m := range msgs {
		out.Messages[i] = messageOut{ID: m.ID, Body: m.Body, At: m.CreatedAt.UTC().Format(time.RFC3339)}
	}
	return jsonResult(out)
}

// bugbot_get_bug
func (s *Server) getBugTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("bugbot_get_bug",
		mcp.WithDescription("Get a bug as JSON. Resolves the bug by id, bug link, or exact title; "+
			"when several bugs share a title the first one reported is returned."),
		mcp.WithString("bug", mcp.Required(), mcp.Description("Bug id, link, or title")),
	)
	return tool, s.handleGetBug
}

func (s *Server) handleGetBug(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireString("bug")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: bug"), nil
	}

	m := s.svc.Find(ref)
	if !m.Found() {
		return mcp.NewToolResultError(fmt.Sprintf("bug not found: %s", ref)), nil
	}
	return jsonResult(m.First())
}

// bugbot_list_bugs
func (s *Server) listBugsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("bugbot_list_bugs",
		mcp.WithDescription("List every tracked bug, most recently used first. Returns id, title, url, urgency and status."),
		mcp.WithBoolean("open_only", mcp.Description("Only list open bugs")),
	)
	return tool, s.handleListBugs
}

func (s *Server) handleListBugs(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	openOnly := request.GetBool("open_only", false)

	type bugOut struct {
		ID      string         `json:"id"`
		Title   string         `json:"title"`
		URL     string         `json:"url"`
		Urgency models.Urgency `json:"urgency"`
		Status  string         `json:"status"`
	}

	out := []bugOut{}
	for _, b := range s.svc.List() {
		if openOnly && !b.Open {
			continue
		}
		out = append(out, bugOut{ID: b.ID, Title: b.Title, URL: b.URL, Urgency: b.Urgency, Status: b.Status()})
	}
	return jsonResult(out)
}

func userFrom(request mcp.CallToolRequest) models.UserRef {
	return models.UserRef{
		PersonID: request.GetString("person_id", ""),
		Email:    request.GetString("person_email", ""),
		Name:     request.GetString("name", ""),
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
