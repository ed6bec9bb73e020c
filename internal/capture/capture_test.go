package capture

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"suis/internal/input"
)

type recorder struct {
	mu  sync.Mutex
	got []Transition
}

func (r *recorder) observe(tr Transition) {
	r.mu.Lock()
	r.got = append(r.got, tr)
	r.mu.Unlock()
}

func (r *recorder) kinds() []TransitionKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TransitionKind, len(r.got))
	for i, tr := range r.got {
		out[i] = tr.Kind
	}
	return out
}

func allValid(input.MethodID, input.HandlerID) bool { return true }

func TestRequestPromoteRelease(t *testing.T) {
	rec := &recorder{}
	tbl := New(rec.observe)

	require.NoError(t, tbl.Request(1, 10, 4))
	assert.Equal(t, Entry{State: Pending, Handler: 10, Frame: 4}, tbl.Get(1))
	assert.Equal(t, 0, tbl.Captured())

	promoted := tbl.Promote(5, allValid)
	require.Len(t, promoted, 1)
	assert.Equal(t, Entry{State: Captured, Handler: 10, Frame: 5}, tbl.Get(1))
	assert.Equal(t, 1, tbl.Captured())

	assert.ErrorIs(t, tbl.Release(1, 11), ErrNotCaptor)
	require.NoError(t, tbl.Release(1, 10))
	assert.Equal(t, Entry{}, tbl.Get(1))
	assert.Equal(t, 0, tbl.Captured())
	assert.ErrorIs(t, tbl.Release(1, 10), ErrNotCaptor)
	assert.ErrorIs(t, tbl.Release(99, 10), ErrNotCaptor)

	assert.Equal(t, []TransitionKind{Requested, Acquired, Released}, rec.kinds())
}

func TestFirstRequestWins(t *testing.T) {
	tbl := New(nil)
	require.NoError(t, tbl.Request(1, 10, 0))
	require.NoError(t, tbl.Request(1, 10, 0), "repeat is a no-op")
	assert.ErrorIs(t, tbl.Request(1, 11, 0), ErrAlreadyCaptured)

	tbl.Promote(1, allValid)
	assert.ErrorIs(t, tbl.Request(1, 11, 1), ErrAlreadyCaptured)
	assert.NoError(t, tbl.Request(1, 10, 1))
	assert.True(t, tbl.Get(1).HeldBy(10))
}

func TestPromoteDropsInvalid(t *testing.T) {
	tbl := New(nil)
	require.NoError(t, tbl.Request(1, 10, 0))
	require.NoError(t, tbl.Request(2, 11, 0))

	out := tbl.Promote(1, func(_ input.MethodID, h input.HandlerID) bool { return h != 11 })
	require.Len(t, out, 2)
	assert.True(t, tbl.Get(1).HeldBy(10))
	assert.Equal(t, Uncaptured, tbl.Get(2).State)
}

func TestCaptureIsExclusive(t *testing.T) {
	tbl := New(nil)
	assert.True(t, tbl.Capture(1, 10, 3))
	assert.False(t, tbl.Capture(1, 11, 3))
	assert.True(t, tbl.Capture(1, 10, 4), "re-capturing keeps the hold")
	assert.Equal(t, uint64(3), tbl.Get(1).Frame, "since frame is unchanged")

	// A dispatch-time capture overrides another handler's pending request.
	require.NoError(t, tbl.Request(2, 11, 3))
	assert.True(t, tbl.Capture(2, 10, 3))
	assert.True(t, tbl.Get(2).HeldBy(10))
	assert.Equal(t, 2, tbl.Captured())
}

func TestCaptureSupersedesPendingRequest(t *testing.T) {
	rec := &recorder{}
	tbl := New(rec.observe)
	require.NoError(t, tbl.Request(1, 11, 3))

	assert.True(t, tbl.Capture(1, 10, 3))
	assert.True(t, tbl.Get(1).HeldBy(10))

	rec.mu.Lock()
	got := append([]Transition(nil), rec.got...)
	rec.mu.Unlock()
	require.Len(t, got, 3)
	assert.Equal(t, Transition{Kind: Cleared, Method: 1, Handler: 11, Frame: 3, Reason: "superseded by input capture"}, got[1])
	assert.Equal(t, Acquired, got[2].Kind)

	// The requester capturing on input is an upgrade, not a supersession.
	require.NoError(t, tbl.Request(2, 10, 3))
	assert.True(t, tbl.Capture(2, 10, 3))
	assert.Equal(t, []TransitionKind{Requested, Cleared, Acquired, Requested, Acquired}, rec.kinds())
}

func TestGuardRejectsRemovedPairs(t *testing.T) {
	var mu sync.Mutex
	removed := map[input.HandlerID]bool{}
	tbl := New(nil)
	tbl.Guard(func(_ input.MethodID, h input.HandlerID) bool {
		mu.Lock()
		defer mu.Unlock()
		return !removed[h]
	})

	mu.Lock()
	removed[10] = true
	mu.Unlock()

	assert.ErrorIs(t, tbl.Request(1, 10, 1), input.ErrUnknownID)
	assert.False(t, tbl.Capture(1, 10, 1))
	assert.Equal(t, Entry{}, tbl.Get(1))

	// A live handler is not blocked by the refused request.
	require.NoError(t, tbl.Request(1, 11, 1))
	assert.Equal(t, Entry{State: Pending, Handler: 11, Frame: 1}, tbl.Get(1))
}

func TestConcurrentCaptureAtMostOne(t *testing.T) {
	tbl := New(nil)
	const handlers = 32
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []input.HandlerID
	)
	for h := 1; h <= handlers; h++ {
		wg.Add(1)
		go func(h input.HandlerID) {
			defer wg.Done()
			if tbl.Capture(7, h, 1) {
				mu.Lock()
				wins = append(wins, h)
				mu.Unlock()
			}
		}(input.HandlerID(h))
	}
	wg.Wait()

	require.Len(t, wins, 1)
	assert.True(t, tbl.Get(7).HeldBy(wins[0]))
	assert.Equal(t, 1, tbl.Captured())
}

func TestForget(t *testing.T) {
	rec := &recorder{}
	tbl := New(rec.observe)
	tbl.Capture(1, 10, 0)
	tbl.Capture(2, 10, 0)
	tbl.Capture(3, 11, 0)
	require.NoError(t, tbl.Request(4, 10, 0))

	freed := tbl.ForgetHandler(10, "handler removed")
	assert.Equal(t, []input.MethodID{1, 2, 4}, freed)
	assert.Equal(t, Uncaptured, tbl.Get(1).State)
	assert.True(t, tbl.Get(3).HeldBy(11))

	tbl.ForgetMethod(3)
	assert.Equal(t, Entry{}, tbl.Get(3))
	assert.Empty(t, tbl.Snapshot())
	assert.Equal(t, 0, tbl.Captured())

	tbl.ForgetMethod(3)
	assert.Equal(t, TransitionKind(Cleared), rec.got[len(rec.got)-1].Kind)
}

func TestClearAndSweep(t *testing.T) {
	tbl := New(nil)
	tbl.Capture(1, 10, 0)
	tbl.Capture(2, 11, 0)

	assert.False(t, tbl.ClearHeldBy(1, 11, "stale"))
	assert.True(t, tbl.ClearHeldBy(1, 10, "stale"))
	assert.False(t, tbl.Clear(1, "again"))

	out := tbl.Sweep(func(_ input.MethodID, h input.HandlerID) bool { return h != 11 }, "field destroyed")
	require.Len(t, out, 1)
	assert.Equal(t, "field destroyed", out[0].Reason)
	assert.Empty(t, tbl.Snapshot())
}

func TestEntryString(t *testing.T) {
	assert.Equal(t, "uncaptured", Entry{}.String())
	assert.Equal(t, "captured-by(handler-3, since 9)", Entry{State: Captured, Handler: 3, Frame: 9}.String())
	assert.Equal(t, "pending", Pending.String())
}
