// Package web is the browser and webhook front end: bug pages with comment,
// close and delete forms, plus JSON endpoints a messaging platform adapter
// uses to exchange chat messages with the dialogue engine.
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/joescharf/bugbot/internal/conversation"
	"github.com/joescharf/bugbot/internal/models"
	"github.com/joescharf/bugbot/internal/outbox"
	"github.com/joescharf/bugbot/internal/store"
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

// Config configures a Server. Chat and Mailbox are optional; without them the
// chat endpoints are not mounted.
type Config struct {
	Service    *tracker.Service
	Chat       ChatHandler
	Mailbox    Mailbox
	AllowList  bool
	DateLayout string
	Logger     *zap.Logger
}

// Server provides the HTTP handlers.
type Server struct {
	svc       *tracker.Service
	chat      ChatHandler
	mailbox   Mailbox
	allowList bool
	tmpl      *template.Template
	static    http.Handler
	log       *zap.Logger
}

// NewServer creates a new web server.
func NewServer(cfg Config) (*Server, error) {
	layout := cfg.DateLayout
	if layout == "" {
		layout = models.DefaultDateLayout
	}
	tmpl, err := parseTemplates(layout)
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	static, err := staticHandler()
	if err != nil {
		return nil, fmt.Errorf("static assets: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		svc:       cfg.Service,
		chat:      cfg.Chat,
		mailbox:   cfg.Mailbox,
		allowList: cfg.AllowList,
		tmpl:      tmpl,
		static:    static,
		log:       log,
	}, nil
}

// Router returns an http.Handler for all routes. Bug ids that do not match
// the configured id pattern fail the route match and get a 404.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/", s.home)
	r.Get("/healthz", s.healthz)
	r.Handle("/static/*", s.static)

	if s.allowList {
		r.Get("/bugs", s.listBugs)
	}
	bugRoute := fmt.Sprintf("/bugs/{id:%s}", s.svc.Store().IDPattern())
	r.Get(bugRoute, s.getBug)
	r.Post(bugRoute, s.postBug)

	if s.chat != nil && s.mailbox != nil {
		r.Post("/chat/messages", s.chatMessage)
		r.Get("/chat/outbox", s.chatOutbox)
	}

	r.NotFound(s.notFound)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		}
		if ww.Status() >= http.StatusInternalServerError {
			s.log.Warn("request failed", fields...)
			return
		}
		s.log.Debug("request", fields...)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// render executes a template into a buffer first so a template error never
// leaves a half-written page.
func (s *Server) render(w http.ResponseWriter, status int, name string, p page) {
	p.AllowList = s.allowList
	var buf bytes.Buffer
	if err := s.tmpl.ExecuteTemplate(&buf, name, p); err != nil {
		s.log.Error("render template", zap.String("template", name), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusNotFound, "notfound", page{Title: "Not found"})
}

// --- Pages ---

func (s *Server) home(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "home", page{Title: "Home"})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "bugs": s.svc.Store().Len()})
}

// BugSummary is one bug in the JSON listing.
type BugSummary struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	URL         string         `json:"url"`
	Urgency     models.Urgency `json:"urgency"`
	Status      string         `json:"status"`
	Subscribers int            `json:"subscribers"`
	Comments    int            `json:"comments"`
	DateOpened  time.Time      `json:"date_opened"`
}

// listBugs renders the bug table, or JSON when the client accepts it.
func (s *Server) listBugs(w http.ResponseWriter, r *http.Request) {
	bugs := s.svc.List()
	if !strings.Contains(r.Header.Get("Accept"), "application/json") {
		s.render(w, http.StatusOK, "list", page{Title: "Bugs", Bugs: bugs})
		return
	}
	out := make([]BugSummary, 0, len(bugs))
	for _, b := range bugs {
		out = append(out, BugSummary{
			ID:          b.ID,
			Title:       b.Title,
			URL:         b.URL,
			Urgency:     b.Urgency,
			Status:      b.Status(),
			Subscribers: len(b.Subscribers),
			Comments:    len(b.Comments),
			DateOpened:  b.DateOpened,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getBug(w http.ResponseWriter, r *http.Request) {
	bug, err := s.svc.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.notFound(w, r)
		return
	}
	s.render(w, http.StatusOK, "bug", page{Title: bug.Title, Bug: bug})
}

// postBug performs a form action. Comments and closes on a closed bug are
// accepted and ignored.
func (s *Server) postBug(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.svc.Get(id); err != nil {
		s.notFound(w, r)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	switch action := r.PostFormValue("action"); action {
	case "comment":
		author := strings.TrimSpace(r.PostFormValue("author"))
		body := strings.TrimSpace(r.PostFormValue("body"))
		if author == "" || body == "" {
			http.Error(w, "author and body are required", http.StatusBadRequest)
			return
		}
		if _, err := s.svc.Comment(ctx, id, models.UserRef{Name: author}, body); err != nil {
			s.mutationFailed(w, r, err)
			return
		}
		http.Redirect(w, r, r.URL.Path, http.StatusSeeOther)
	case "close":
		if _, err := s.svc.Close(ctx, id); err != nil {
			s.mutationFailed(w, r, err)
			return
		}
		http.Redirect(w, r, r.URL.Path, http.StatusSeeOther)
	case "delete":
		bug, err := s.svc.Delete(ctx, id)
		if err != nil {
			s.mutationFailed(w, r, err)
			return
		}
		s.render(w, http.StatusOK, "deleted", page{Title: "Bug deleted", Bug: bug})
	default:
		http.Error(w, fmt.Sprintf("unknown action %q", action), http.StatusBadRequest)
	}
}

func (s *Server) mutationFailed(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.notFound(w, r)
		return
	}
	s.log.Error("bug mutation failed", zap.String("path", r.URL.Path), zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

// --- Chat ---

type chatRequest struct {
	PersonID    string `json:"person_id"`
	PersonEmail string `json:"person_email"`
	Name        string `json:"name"`
	Text        string `json:"text"`
}

type chatResponse struct {
	Messages []*outbox.Message `json:"messages"`
}

func (s *Server) chatMessage(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	from := models.UserRef{PersonID: req.PersonID, Email: req.PersonEmail, Name: req.Name}
	if err := s.chat.Handle(r.Context(), from, req.Text); err != nil {
		if errors.Is(err, conversation.ErrNoIdentity) {
			writeError(w, http.StatusBadRequest, "person_id or person_email is required")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.drain(w, r, from.Key())
}

func (s *Server) chatOutbox(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from := models.UserRef{PersonID: q.Get("person_id"), Email: q.Get("person_email")}
	if from.Key() == "" {
		writeError(w, http.StatusBadRequest, "person_id or person_email is required")
		return
	}
	s.drain(w, r, from.Key())
}

func (s *Server) drain(w http.ResponseWriter, r *http.Request, key string) {
	msgs, err := s.mailbox.Drain(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Messages: msgs})
}
