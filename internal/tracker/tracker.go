// Package tracker is the single path through which both front ends mutate
// bugs. Every mutation that affects subscribers fans out to a Notifier.
package tracker

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/joescharf/bugbot/internal/models"
	"github.com/joescharf/bugbot/internal/store"
)

// Notifier delivers change notifications to one subscriber.
type Notifier interface {
	NotifyComment(ctx context.Context, to models.UserRef, comment models.Comment, issue *models.Issue)
	NotifyClosed(ctx context.Context, to models.UserRef, issue *models.Issue)
	NotifyDeleted(ctx context.Context, to models.UserRef, issue *models.Issue)
}

// Draft is a bug report that has not been filed yet.
type Draft struct {
	Title       string
	Description string
	Urgency     models.Urgency
	Reporter    models.UserRef
}

// Service mutates bugs and fans changes out to subscribers.
type Service struct {
	store    *store.Store
	notifier Notifier
	now      func() time.Time
	log      *zap.Logger
}

// New creates a service over st.
func New(st *store.Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: st, now: time.Now, log: log}
}

// Attach sets the notifier. It is called once while wiring the process,
// before any request is served.
func (s *Service) Attach(n Notifier) {
	s.notifier = n
}

// Store returns the underlying bug store.
func (s *Service) Store() *store.Store { return s.store }

// Get returns a bug by id.
func (s *Service) Get(id string) (*models.Issue, error) {
	return s.store.Get(id)
}

// Find resolves a free-text bug reference.
func (s *Service) Find(text string) store.Match {
	return s.store.FindByTitleOrReference(text)
}

// List returns every live bug, most recently used first.
func (s *Service) List() []*models.Issue {
	return s.store.List()
}

// Report files a new open bug with the reporter as its only subscriber.
func (s *Service) Report(_ context.Context, d Draft) (*models.Issue, error) {
	issue := &models.Issue{
		Title:       d.Title,
		Description: d.Description,
		Urgency:     d.Urgency,
		Open:        true,
		DateOpened:  s.now(),
		Comments:    []models.Comment{},
		Subscribers: []models.UserRef{d.Reporter},
		ReportedBy:  d.Reporter,
	}
	created, err := s.store.Create(issue)
	if err != nil {
		return nil, err
	}
	s.log.Info("bug reported",
		zap.String("id", created.ID),
		zap.String("title", created.Title),
		zap.String("urgency", string(created.Urgency)))
	return created, nil
}

// Comment appends a comment if the bug is open and notifies every subscriber
// other than the author. It reports whether the comment was added; comments
// on closed bugs are ignored without error.
func (s *Service) Comment(ctx context.Context, id string, author models.UserRef, body string) (bool, error) {
	comment := models.Comment{Author: author, Date: s.now(), Body: body}
	added := false
	issue, err := s.store.Update(id, func(rec *models.Issue) error {
		if !rec.Open {
			return nil
		}
		rec.Comments = append(rec.Comments, comment)
		added = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !added {
		return false, nil
	}

	for _, sub := range issue.Subscribers {
		if models.SameAuthor(comment.Author, sub) {
			continue
		}
		if s.notifier != nil {
			s.notifier.NotifyComment(ctx, sub, comment, issue)
		}
	}
	return true, nil
}

// Close marks an open bug closed and notifies subscribers. Closing a closed
// bug is a no-op that reports false.
func (s *Service) Close(ctx context.Context, id string) (bool, error) {
	closed := false
	issue, err := s.store.Update(id, func(rec *models.Issue) error {
		if rec.Open {
			rec.Open = false
			closed = true
		}
		return nil
	})
	if err != nil || !closed {
		return false, err
	}
	for _, sub := range issue.Subscribers {
		if s.notifier != nil {
			s.notifier.NotifyClosed(ctx, sub, issue)
		}
	}
	return true, nil
}

// Delete removes the bug and then notifies the subscribers it had when it was
// removed. It returns the removed record. Once the bug is gone every other
// mutation of it fails with store.ErrNotFound, so nobody can subscribe or
// comment while the deletion is announced.
func (s *Service) Delete(ctx context.Context, id string) (*models.Issue, error) {
	issue, err := s.store.Delete(id)
	if err != nil {
		return nil, err
	}
	for _, sub := range issue.Subscribers {
		if s.notifier != nil {
			s.notifier.NotifyDeleted(ctx, sub, issue)
		}
	}
	return issue, nil
}

// Subscribe adds user to the bug's subscribers. It reports false if the user
// was already subscribed.
func (s *Service) Subscribe(_ context.Context, id string, user models.UserRef) (bool, error) {
	added := false
	_, err := s.store.Update(id, func(rec *models.Issue) error {
		if rec.SubscriberIndex(user) >= 0 {
			return nil
		}
		rec.Subscribers = append(rec.Subscribers, user)
		added = true
		return nil
	})
	return added, err
}

// Unsubscribe removes user from the bug's subscribers. It reports false if
// the user was not subscribed.
func (s *Service) Unsubscribe(_ context.Context, id string, user models.UserRef) (bool, error) {
	removed := false
	_, err := s.store.Update(id, func(rec *models.Issue) error {
		idx := rec.SubscriberIndex(user)
		if idx < 0 {
			return nil
		}
		rec.Subscribers = append(rec.Subscribers[:idx], rec.Subscribers[idx+1:]...)
		removed = true
		return nil
	})
	return removed, err
}

// LogExpired returns a dispose hook that records bugs dropped by eviction.
func LogExpired(log *zap.Logger) store.DisposeFunc {
	return func(issue *models.Issue) {
		log.Info("bug expired",
			zap.String("id", issue.ID),
			zap.String("title", strings.TrimSpace(issue.Title)),
			zap.Bool("open", issue.Open),
			zap.Int("subscribers", len(issue.Subscribers)))
	}
}
