package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/joescharf/bugbot/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var ann = models.UserRef{PersonID: "p-ann", Email: "ann@example.com", Name: "Ann"}

func TestStart_ReplacesAndStopsPrevious(t *testing.T) {
	r := NewRegistry[string](Config{})

	first := r.New(ann, "first")
	require.NoError(t, r.Start(first))
	assert.Same(t, first, r.Active(ann.Key()))

	second := r.New(ann, "second")
	require.NoError(t, r.Start(second))

	assert.True(t, first.Stopped(), "previous conversation is stopped before replacement")
	assert.False(t, r.IsActive(first))
	assert.True(t, r.IsActive(second))
	assert.Same(t, second, r.Active(ann.Key()))
	assert.Equal(t, 1, r.Len())
}

func TestStart_RequiresIdentity(t *testing.T) {
	r := NewRegistry[string](Config{})
	err := r.Start(r.New(models.UserRef{Name: "web only"}, ""))
	assert.ErrorIs(t, err, ErrNoIdentity)
	assert.Equal(t, 0, r.Len())
}

func TestStop_Idempotent(t *testing.T) {
	r := NewRegistry[string](Config{})
	c := r.New(ann, "")
	require.NoError(t, r.Start(c))

	assert.True(t, r.Stop(ann.Key()))
	assert.False(t, r.Stop(ann.Key()))
	assert.True(t, c.Stopped())
	assert.Nil(t, r.Active(ann.Key()))
}

func TestFinish_OnlyRemovesOwnMapping(t *testing.T) {
	r := NewRegistry[string](Config{})
	old := r.New(ann, "old")
	require.NoError(t, r.Start(old))
	replacement := r.New(ann, "new")
	require.NoError(t, r.Start(replacement))

	// A late finish from the replaced conversation must not drop the new one.
	r.Finish(old)
	assert.Same(t, replacement, r.Active(ann.Key()))

	r.Finish(replacement)
	assert.Nil(t, r.Active(ann.Key()))
	assert.True(t, replacement.Stopped())
}

func TestStart_ConcurrentLeavesExactlyOne(t *testing.T) {
	r := NewRegistry[int](Config{})
	convs := make([]*Conversation[int], 32)
	for i := range convs {
		convs[i] = r.New(ann, i)
	}

	var wg sync.WaitGroup
	for _, c := range convs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Start(c))
		}()
	}
	wg.Wait()

	live := 0
	for _, c := range convs {
		if !c.Stopped() {
			live++
			assert.Same(t, c, r.Active(ann.Key()))
		}
	}
	assert.Equal(t, 1, live)
	assert.Equal(t, 1, r.Len())
}

func TestSweep_StopsIdleConversations(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	r := NewRegistry[string](Config{Timeout: 10 * time.Minute, Now: clock})

	bo := models.UserRef{PersonID: "p-bo", Email: "bo@example.com"}
	idle := r.New(ann, "")
	require.NoError(t, r.Start(idle))
	now = now.Add(8 * time.Minute)
	busy := r.New(bo, "")
	require.NoError(t, r.Start(busy))

	now = now.Add(3 * time.Minute)
	assert.Equal(t, 1, r.Sweep())
	assert.True(t, idle.Stopped())
	assert.False(t, busy.Stopped())

	r.Touch(busy)
	now = now.Add(9 * time.Minute)
	assert.Equal(t, 0, r.Sweep(), "touch postpones the timeout")
}

func TestRun_StopsOnCancel(t *testing.T) {
	r := NewRegistry[string](Config{Timeout: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(3 * time.Millisecond)
	cancel()
	<-done
}
