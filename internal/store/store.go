package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"

	"github.com/joescharf/bugbot/internal/models"
)

var (
	// ErrNotFound is returned when a bug id is unknown or its entry was evicted.
	ErrNotFound = errors.New("bug not found")
	// ErrIDExhausted is returned when no fresh id could be generated.
	ErrIDExhausted = errors.New("could not generate a unique bug id")
)

// maxIDAttempts bounds how often Create regenerates an id that collides with a live bug.
const maxIDAttempts = 16

// Config holds the limits of the store.
type Config struct {
	Max       int           // maximum number of live bugs
	MaxAge    time.Duration // time since last access after which a bug expires; 0 disables
	IDLength  int           // length of generated hex ids, must be even
	PublicURL string        // base URL bug links are built from
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Max:       1000,
		MaxAge:    7 * 24 * time.Hour,
		IDLength:  32,
		PublicURL: "http://localhost:8080",
	}
}

// Validate checks the configured limits.
func (c Config) Validate() error {
	if c.Max <= 0 {
		return fmt.Errorf("store max must be positive, got %d", c.Max)
	}
	if c.MaxAge < 0 {
		return fmt.Errorf("store max age must not be negative, got %s", c.MaxAge)
	}
	if c.IDLength <= 0 || c.IDLength%2 != 0 {
		return fmt.Errorf("bug id length must be a positive even number, got %d", c.IDLength)
	}
	return nil
}

// DisposeFunc is called exactly once for every bug evicted by capacity or age.
// It is never called for explicit deletes and never while store locks are held.
// The bug has already left the cache and the title index when the hook runs,
// so lookups by id, link or title from inside the hook no longer find it.
type DisposeFunc func(issue *models.Issue)

// Option configures a Store.
type Option func(*Store)

// WithDisposeHook attaches the eviction listener.
func WithDisposeHook(fn DisposeFunc) Option {
	return func(s *Store) { s.dispose = fn }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator replaces the random id source.
func WithIDGenerator(gen func(length int) (string, error)) Option {
	return func(s *Store) { s.newID = gen }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = l }
}

type entry struct {
	mu    sync.Mutex
	issue *models.Issue
	gone  bool // set under mu once the entry left the cache

	lastAccess time.Time // guarded by Store.mu
}

// Store is a bounded, recency-evicting in-memory bug store with a title index.
//
// Store.mu guards the LRU list, the title index and access times. Each entry
// has its own lock that serializes mutations of one bug; mutations on
// different bugs run in parallel. Lock order is Store.mu then entry.mu.
type Store struct {
	mu     sync.Mutex
	cfg    Config
	lru    *simplelru.LRU[string, *entry]
	titles map[string][]string

	idPattern  *regexp.Regexp
	urlPattern *regexp.Regexp

	dispose DisposeFunc
	now     func() time.Time
	newID   func(int) (string, error)
	log     *zap.Logger

	// removing is the id being deleted explicitly; its eviction callback
	// must not reach the dispose hook and leaves the final record in removed.
	removing string
	removed  *models.Issue
	evicted  []*models.Issue
}

// New creates a store with the given limits.
func New(cfg Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")

	s := &Store{
		cfg:    cfg,
		titles: make(map[string][]string),
		now:    time.Now,
		newID:  NewID,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	lru, err := simplelru.NewLRU[string, *entry](cfg.Max, s.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	s.lru = lru

	s.idPattern = regexp.MustCompile(fmt.Sprintf("^(%s)$", s.IDPattern()))
	host := cfg.PublicURL
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	s.urlPattern = regexp.MustCompile(fmt.Sprintf("^(?i:https?://)%s/bugs/(%s)/?$", regexp.QuoteMeta(host), s.IDPattern()))

	return s, nil
}

// IDPattern returns the regular expression (without anchors) bug ids match.
func (s *Store) IDPattern() string {
	return fmt.Sprintf("[a-z0-9]{%d}", s.cfg.IDLength)
}

// URL returns the public link to a bug.
func (s *Store) URL(id string) string {
	return s.cfg.PublicURL + "/bugs/" + id
}

// onEvict runs under s.mu whenever the LRU drops an entry.
func (s *Store) onEvict(id string, e *entry) {
	e.mu.Lock()
	e.gone = true
	snap := e.issue.Clone()
	e.mu.Unlock()

	s.unindex(snap.Title, id)
	if id == s.removing {
		s.removed = snap
		return
	}
	s.evicted = append(s.evicted, snap)
}

func (s *Store) unindex(title, id string) {
	ids := s.titles[title]
	ids = slices.DeleteFunc(ids, func(v string) bool { return v == id })
	if len(ids) == 0 {
		delete(s.titles, title)
		return
	}
	s.titles[title] = ids
}

// unlock releases s.mu and then hands evicted bugs to the dispose hook.
func (s *Store) unlock() {
	ev := s.evicted
	s.evicted = nil
	s.mu.Unlock()

	for _, issue := range ev {
		s.log.Debug("bug evicted",
			zap.String("id", issue.ID),
			zap.String("title", issue.Title),
			zap.Int("subscribers", len(issue.Subscribers)))
		if s.dispose != nil {
			s.dispose(issue)
		}
	}
}

func (s *Store) expired(e *entry) bool {
	return s.cfg.MaxAge > 0 && s.now().Sub(e.lastAccess) > s.cfg.MaxAge
}

// lookup must be called with s.mu held. A hit refreshes recency and the age clock.
func (s *Store) lookup(id string) (*entry, bool) {
	e, ok := s.lru.Get(id)
	if !ok {
		return nil, false
	}
	if s.expired(e) {
		s.lru.Remove(id)
		return nil, false
	}
	e.lastAccess = s.now()
	return e, true
}

// Create stores a copy of issue under a freshly generated id and returns the
// stored record. ID, URL and (when zero) DateOpened are assigned by the store.
func (s *Store) Create(issue *models.Issue) (*models.Issue, error) {
	s.mu.Lock()
	id, err := s.freshID()
	if err != nil {
		s.unlock()
		s.log.Error("bug id generation failed", zap.Int("length", s.cfg.IDLength), zap.Error(err))
		return nil, err
	}

	rec := issue.Clone()
	rec.ID = id
	rec.URL = s.URL(id)
	now := s.now()
	if rec.DateOpened.IsZero() {
		rec.DateOpened = now
	}

	s.lru.Add(id, &entry{issue: rec, lastAccess: now})
	s.titles[rec.Title] = append(s.titles[rec.Title], id)
	out := rec.Clone()
	s.unlock()

	return out, nil
}

// freshID must be called with s.mu held.
func (s *Store) freshID() (string, error) {
	for range maxIDAttempts {
		id, err := s.newID(s.cfg.IDLength)
		if err != nil {
			return "", fmt.Errorf("generate id: %w", err)
		}
		if !s.lru.Contains(id) {
			return id, nil
		}
	}
	return "", ErrIDExhausted
}

// Get returns a copy of the bug and marks it as recently used.
func (s *Store) Get(id string) (*models.Issue, error) {
	s.mu.Lock()
	e, ok := s.lookup(id)
	s.unlock()
	if !ok {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return nil, ErrNotFound
	}
	return e.issue.Clone(), nil
}

// Update applies fn to the live record while holding that record's lock and
// returns a copy of the result. ID and Title are fixed and changes fn makes to
// them are discarded. Existing comments are kept as they were and only
// comments appended past them survive; a closed bug stays closed. If fn
// returns an error the record may be partially modified by fn, so fn should
// validate before mutating.
func (s *Store) Update(id string, fn func(issue *models.Issue) error) (*models.Issue, error) {
	s.mu.Lock()
	e, ok := s.lookup(id)
	s.unlock()
	if !ok {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return nil, ErrNotFound
	}
	title, open := e.issue.Title, e.issue.Open
	comments := slices.Clone(e.issue.Comments)
	if err := fn(e.issue); err != nil {
		return nil, err
	}
	e.issue.ID = id
	e.issue.Title = title
	e.issue.Open = open && e.issue.Open
	if added := e.issue.Comments; len(added) > len(comments) {
		e.issue.Comments = append(comments, added[len(comments):]...)
	} else {
		e.issue.Comments = comments
	}
	return e.issue.Clone(), nil
}

// Delete removes a bug and its index entry without calling the dispose hook.
// It returns the removed record as of the moment it left the store: updates
// that got the record's lock first are included, later ones get ErrNotFound.
func (s *Store) Delete(id string) (*models.Issue, error) {
	s.mu.Lock()
	e, ok := s.lru.Peek(id)
	if !ok {
		s.unlock()
		return nil, ErrNotFound
	}
	if s.expired(e) {
		s.lru.Remove(id)
		s.unlock()
		return nil, ErrNotFound
	}

	s.removing = id
	s.lru.Remove(id)
	s.removing = ""
	snap := s.removed
	s.removed = nil
	s.unlock()

	return snap, nil
}

// Sweep evicts every entry whose age since last access exceeds MaxAge.
func (s *Store) Sweep() int {
	s.mu.Lock()
	n := s.sweepLocked()
	s.unlock()
	return n
}

func (s *Store) sweepLocked() int {
	if s.cfg.MaxAge <= 0 {
		return 0
	}
	n := 0
	for _, id := range s.lru.Keys() {
		if e, ok := s.lru.Peek(id); ok && s.expired(e) {
			s.lru.Remove(id)
			n++
		}
	}
	return n
}

// Run sweeps expired entries every interval until ctx is cancelled.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.log.Debug("swept expired bugs", zap.Int("count", n))
			}
		}
	}
}

// Len returns the number of entries currently held, including any not yet swept.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// All returns the live bugs, most recently used first. Iterating does not
// refresh recency. Expired entries are evicted before the snapshot is taken.
func (s *Store) All() iter.Seq[*models.Issue] {
	s.mu.Lock()
	s.sweepLocked()
	keys := s.lru.Keys()
	entries := make([]*entry, 0, len(keys))
	for _, id := range slices.Backward(keys) {
		if e, ok := s.lru.Peek(id); ok {
			entries = append(entries, e)
		}
	}
	s.unlock()

	return func(yield func(*models.Issue) bool) {
		for _, e := range entries {
			e.mu.Lock()
			gone := e.gone
			var snap *models.Issue
			if !gone {
				snap = e.issue.Clone()
			}
			e.mu.Unlock()
			if gone {
				continue
			}
			if !yield(snap) {
				return
			}
		}
	}
}

// List collects All into a slice.
func (s *Store) List() []*models.Issue {
	return slices.Collect(s.All())
}

// Match is the result of resolving a free-text bug reference.
type Match struct {
	Issues []*models.Issue // in insertion order for title matches
}

// Found reports whether at least one bug matched.
func (m Match) Found() bool { return len(m.Issues) > 0 }

// Ambiguous reports whether more than one bug matched.
func (m Match) Ambiguous() bool { return len(m.Issues) > 1 }

// First returns the earliest inserted match, or nil.
func (m Match) First() *models.Issue {
	if len(m.Issues) == 0 {
		return nil
	}
	return m.Issues[0]
}

// FindByTitleOrReference resolves text as a bug id, then as a bug URL, and
// finally as an exact title. Only the title lookup can yield several bugs.
func (s *Store) FindByTitleOrReference(text string) Match {
	text = strings.TrimSpace(text)
	if m := s.idPattern.FindStringSubmatch(text); m != nil {
		return s.matchID(m[1])
	}
	if m := s.urlPattern.FindStringSubmatch(text); m != nil {
		return s.matchID(m[1])
	}

	s.mu.Lock()
	ids := slices.Clone(s.titles[text])
	s.mu.Unlock()

	var out Match
	for _, id := range ids {
		if issue, err := s.Get(id); err == nil {
			out.Issues = append(out.Issues, issue)
		}
	}
	return out
}

func (s *Store) matchID(id string) Match {
	issue, err := s.Get(id)
	if err != nil {
		return Match{}
	}
	return Match{Issues: []*models.Issue{issue}}
}

// titleIDs returns the ids indexed under title, in insertion order.
func (s *Store) titleIDs(title string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.titles[title])
}
