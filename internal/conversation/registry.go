package conversation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joescharf/bugbot/internal/models"
)

// ErrNoIdentity is returned when a conversation owner has no chat identity.
var ErrNoIdentity = errors.New("conversation owner has no chat identity")

// StopReason records why a conversation ended.
type StopReason string

const (
	ReasonInterrupted StopReason = "interrupted"
	ReasonFinished    StopReason = "finished"
	ReasonTimedOut    StopReason = "timed_out"
	ReasonStopped     StopReason = "stopped"
)

// Conversation is one user's dialogue task. State is only touched while the
// conversation is locked; a stopped conversation must not be resumed.
type Conversation[S any] struct {
	ID    string
	Owner models.UserRef
	State S

	mu         sync.Mutex
	stopped    atomic.Bool
	lastActive atomic.Int64
}

// Lock serializes turns of the conversation.
func (c *Conversation[S]) Lock() { c.mu.Lock() }

// Unlock releases the turn lock.
func (c *Conversation[S]) Unlock() { c.mu.Unlock() }

// Stopped reports whether the conversation was stopped, finished or replaced.
func (c *Conversation[S]) Stopped() bool { return c.stopped.Load() }

// stop returns false if the conversation was already stopped.
func (c *Conversation[S]) stop() bool { return c.stopped.CompareAndSwap(false, true) }

func (c *Conversation[S]) touch(t time.Time) { c.lastActive.Store(t.UnixNano()) }

func (c *Conversation[S]) idleSince() time.Time { return time.Unix(0, c.lastActive.Load()) }

// Config configures a Registry.
type Config struct {
	Timeout time.Duration // idle time after which a conversation is stopped; 0 disables
	Now     func() time.Time
	Logger  *zap.Logger
}

// Registry maps a chat identity to its single active conversation.
// It never takes a conversation's turn lock, so it is safe to call while one is held.
type Registry[S any] struct {
	mu      sync.Mutex
	active  map[string]*Conversation[S]
	timeout time.Duration
	now     func() time.Time
	log     *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry[S any](cfg Config) *Registry[S] {
	r := &Registry[S]{
		active:  make(map[string]*Conversation[S]),
		timeout: cfg.Timeout,
		now:     cfg.Now,
		log:     cfg.Logger,
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	return r
}

// New builds a conversation for owner without installing it.
func (r *Registry[S]) New(owner models.UserRef, state S) *Conversation[S] {
	c := &Conversation[S]{
		ID:    uuid.NewString(),
		Owner: owner,
		State: state,
	}
	c.touch(r.now())
	return c
}

// Start installs c as the active conversation for its owner. Any conversation
// already active for that identity is stopped before the mapping is replaced.
func (r *Registry[S]) Start(c *Conversation[S]) error {
	key := c.Owner.Key()
	if key == "" {
		return ErrNoIdentity
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.active[key]; ok && prev != c {
		r.stopLocked(key, prev, ReasonInterrupted)
	}
	c.touch(r.now())
	r.active[key] = c
	return nil
}

// Active returns the live conversation for key, or nil.
func (r *Registry[S]) Active(key string) *Conversation[S] {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.active[key]
	if c == nil || c.Stopped() {
		return nil
	}
	return c
}

// IsActive reports whether c is still the live conversation for its owner.
func (r *Registry[S]) IsActive(c *Conversation[S]) bool {
	if c.Stopped() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[c.Owner.Key()] == c
}

// Touch records activity on c, postponing its timeout.
func (r *Registry[S]) Touch(c *Conversation[S]) {
	c.touch(r.now())
}

// Stop cancels the active conversation for key. It is idempotent.
func (r *Registry[S]) Stop(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.active[key]
	if !ok {
		return false
	}
	r.stopLocked(key, c, ReasonStopped)
	return true
}

// Finish ends c once it has nothing left to ask. The mapping is only removed
// if it still points at c.
func (r *Registry[S]) Finish(c *Conversation[S]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := c.Owner.Key()
	if r.active[key] == c {
		r.stopLocked(key, c, ReasonFinished)
		return
	}
	c.stop()
}

func (r *Registry[S]) stopLocked(key string, c *Conversation[S], reason StopReason) {
	delete(r.active, key)
	if c.stop() {
		r.log.Debug("conversation stopped",
			zap.String("conversation", c.ID),
			zap.String("owner", key),
			zap.String("reason", string(reason)))
	}
}

// Len returns the number of active conversations.
func (r *Registry[S]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Sweep stops every conversation idle for longer than the timeout.
func (r *Registry[S]) Sweep() int {
	if r.timeout <= 0 {
		return 0
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key, c := range r.active {
		if now.Sub(c.idleSince()) > r.timeout {
			r.stopLocked(key, c, ReasonTimedOut)
			n++
		}
	}
	return n
}

// Run sweeps idle conversations every interval until ctx is cancelled.
func (r *Registry[S]) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}
