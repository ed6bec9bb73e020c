package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"suis/internal/capture"
	"suis/internal/config"
	"suis/internal/dispatch"
	"suis/internal/field"
	"suis/internal/input"
	"suis/internal/logging"
	"suis/internal/store"
	"suis/internal/vmath"
)

type recorder struct {
	mu     sync.Mutex
	events []input.Event
	frames []uint64
	intent input.CaptureIntent
}

func (r *recorder) Input(_ context.Context, ev input.Event) (input.CaptureIntent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.intent, nil
}

func (r *recorder) Frame(info input.FrameInfo) {
	r.mu.Lock()
	r.frames = append(r.frames, info.Frame)
	r.mu.Unlock()
}

func (r *recorder) setIntent(i input.CaptureIntent) {
	r.mu.Lock()
	r.intent = i
	r.mu.Unlock()
}

func (r *recorder) received() []input.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]input.Event(nil), r.events...)
}

// gated answers with a capture intent once gate is closed.
type gated struct {
	gate chan struct{}
}

func (g *gated) Input(context.Context, input.Event) (input.CaptureIntent, error) {
	<-g.gate
	return input.Capture, nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Engine.HandlerTimeoutMs = 1000
	cfg.Engine.FrameTimeoutMs = 1000
	cfg.Metrics.Enabled = false
	return cfg
}

func newEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e, err := New(testConfig(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func step(t *testing.T, e *Engine) {
	t.Helper()
	_, err := e.Frame(context.Background())
	require.NoError(t, err)
}

func handlerAt(t *testing.T, e *Engine, f field.Field, r input.Receiver) input.HandlerID {
	t.Helper()
	id, err := e.CreateInputHandler(vmath.Pose{}, vmath.IdentityPose, f, r)
	require.NoError(t, err)
	return id
}

func tip(t *testing.T, e *Engine, raw []byte) input.MethodID {
	t.Helper()
	id, err := e.CreateTip(vmath.Pose{}, vmath.IdentityPose, 0.01, raw)
	require.NoError(t, err)
	return id
}

func TestScenarioBAC(t *testing.T) {
	e := newEngine(t, Options{})
	a := &recorder{intent: input.Capture}
	b := &recorder{}
	c := &recorder{}
	aID := handlerAt(t, e, field.Constant(0.5), a)
	bID := handlerAt(t, e, field.Constant(0.2), b)
	handlerAt(t, e, field.Constant(0.9), c)
	m := tip(t, e, nil)

	rep, err := e.Frame(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Deliveries, 2)
	assert.Equal(t, bID, rep.Deliveries[0].Handler)
	assert.Equal(t, aID, rep.Deliveries[1].Handler)
	assert.Empty(t, c.received())

	state, err := e.CaptureState(m)
	require.NoError(t, err)
	assert.True(t, state.HeldBy(aID))

	for i := 0; i < 3; i++ {
		rep, err = e.Frame(context.Background())
		require.NoError(t, err)
		require.Len(t, rep.Deliveries, 1)
		assert.Equal(t, aID, rep.Deliveries[0].Handler)
		assert.True(t, rep.Deliveries[0].ViaCapture)
	}
	assert.Len(t, b.received(), 1)
	assert.Empty(t, c.received())

	met := e.Metrics()
	assert.Equal(t, uint64(4), met.FramesTotal.Value())
	assert.Equal(t, uint64(5), met.DeliveriesTotal.Value())
	assert.Equal(t, uint64(3), met.CapturedDeliveries.Value())
	assert.Equal(t, uint64(1), met.CapturesTotal.Value())
	assert.Equal(t, int64(1), met.CapturedMethods.Value())
	assert.Equal(t, int64(3), met.LiveHandlers.Value())

	a.setIntent(input.Pass)
	require.NoError(t, e.Release(m, aID))
	assert.Equal(t, uint64(1), met.ReleasesTotal.Value())
	rep, err = e.Frame(context.Background())
	require.NoError(t, err)
	assert.Len(t, rep.Deliveries, 3)
	assert.Len(t, c.received(), 1)
}

func TestFieldDestroyedWhileCapturing(t *testing.T) {
	e := newEngine(t, Options{})
	sphere := field.NewSphere(vmath.V3(0, 0, 0), 1)
	h := &recorder{intent: input.Capture}
	other := &recorder{}
	hID := handlerAt(t, e, sphere, h)
	otherID := handlerAt(t, e, field.Constant(5), other)
	m := tip(t, e, nil)

	step(t, e)
	state, _ := e.CaptureState(m)
	require.True(t, state.HeldBy(hID))

	sphere.Destroy()

	// Cleared before any frame runs.
	state, err := e.CaptureState(m)
	require.NoError(t, err)
	assert.Equal(t, capture.Uncaptured, state.State)
	assert.Equal(t, uint64(1), e.Metrics().ClearedTotal.Value())

	rep, err := e.Frame(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Deliveries, 1)
	assert.Equal(t, otherID, rep.Deliveries[0].Handler)
	assert.Len(t, h.received(), 1)

	// The handler stays registered until removed.
	_, ok := e.Snapshot().Handler(hID)
	assert.True(t, ok)
}

func TestDeadFieldWithoutNotificationIsSwept(t *testing.T) {
	e := newEngine(t, Options{})
	alive := true
	var mu sync.Mutex
	f := &unobservable{alive: func() bool { mu.Lock(); defer mu.Unlock(); return alive }}
	hID := handlerAt(t, e, f, &recorder{intent: input.Capture})
	m := tip(t, e, nil)

	step(t, e)
	state, _ := e.CaptureState(m)
	require.True(t, state.HeldBy(hID))

	mu.Lock()
	alive = false
	mu.Unlock()

	// Nothing tells the engine; the next boundary notices.
	state, _ = e.CaptureState(m)
	assert.True(t, state.HeldBy(hID))
	step(t, e)
	state, _ = e.CaptureState(m)
	assert.Equal(t, capture.Uncaptured, state.State)
}

// fixed has no policy of its own, so the configured default applies.
type fixed float64

func (f fixed) Distance(vmath.Vec3) float64 { return float64(f) }
func (f fixed) Alive() bool                 { return true }

type unobservable struct {
	alive func() bool
}

func (u *unobservable) Distance(vmath.Vec3) float64 { return 0 }
func (u *unobservable) Alive() bool                 { return u.alive() }

func TestRemoveHandlerClearsCaptureImmediately(t *testing.T) {
	e := newEngine(t, Options{})
	hID := handlerAt(t, e, field.Constant(0.1), &recorder{intent: input.Capture})
	m := tip(t, e, nil)
	step(t, e)

	require.NoError(t, e.RemoveHandler(hID))
	state, err := e.CaptureState(m)
	require.NoError(t, err)
	assert.Equal(t, capture.Uncaptured, state.State)

	err = e.RemoveHandler(hID)
	assert.ErrorIs(t, err, input.ErrUnknownID)
	assert.ErrorIs(t, e.Capture(m, hID), input.ErrUnknownID)

	step(t, e)
	assert.Empty(t, e.Snapshot().Handlers)
}

func TestLateCaptureAfterHandlerRemoved(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.HandlerTimeoutMs = 10
	e, err := New(cfg, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	slow := &gated{gate: make(chan struct{})}
	slowID := handlerAt(t, e, field.Constant(0.1), slow)
	otherID := handlerAt(t, e, field.Constant(0.2), &recorder{})
	m := tip(t, e, nil)

	rep, err := e.Frame(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, rep.Deliveries)
	require.ErrorIs(t, rep.Deliveries[0].Err, dispatch.ErrTimeout)

	// The slow handler answers only after it has been removed.
	require.NoError(t, e.RemoveHandler(slowID))
	close(slow.gate)

	assert.Never(t, func() bool {
		st, _ := e.CaptureState(m)
		return st.State != capture.Uncaptured
	}, 100*time.Millisecond, 5*time.Millisecond, "a removed handler must not be left in the capture table")

	require.NoError(t, e.Capture(m, otherID))
	st, err := e.CaptureState(m)
	require.NoError(t, err)
	assert.Equal(t, otherID, st.Handler)

	// Requests naming a handler that is already gone are refused outright.
	assert.ErrorIs(t, e.Capture(m, slowID), input.ErrUnknownID)
}

func TestRemoveMethod(t *testing.T) {
	e := newEngine(t, Options{})
	hID := handlerAt(t, e, field.Constant(0.1), &recorder{intent: input.Capture})
	m := tip(t, e, nil)
	step(t, e)

	require.NoError(t, e.RemoveMethod(m))
	assert.Empty(t, e.Captures())

	_, err := e.CaptureState(m)
	assert.ErrorIs(t, err, input.ErrUnknownID)
	assert.ErrorIs(t, e.Release(m, hID), input.ErrUnknownID)
	assert.ErrorIs(t, e.SetRadius(m, 1), input.ErrUnknownID)

	rep, err := e.Frame(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Methods)
}

func TestOutOfBandCapture(t *testing.T) {
	e := newEngine(t, Options{})
	near := &recorder{}
	far := &recorder{}
	handlerAt(t, e, field.Constant(0.1), near)
	farID := handlerAt(t, e, field.Constant(3), far)
	otherID := handlerAt(t, e, field.Constant(4), &recorder{})
	m := tip(t, e, nil)
	step(t, e)

	require.NoError(t, e.Capture(m, farID))
	state, _ := e.CaptureState(m)
	assert.Equal(t, capture.Pending, state.State)

	// First request wins.
	assert.ErrorIs(t, e.Capture(m, otherID), capture.ErrAlreadyCaptured)
	// Repeating is harmless.
	assert.NoError(t, e.Capture(m, farID))

	rep, err := e.Frame(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Deliveries, 1)
	assert.Equal(t, farID, rep.Deliveries[0].Handler)
	assert.True(t, rep.Deliveries[0].ViaCapture)
	assert.Len(t, near.received(), 1)
	assert.Equal(t, uint64(1), e.Metrics().RequestedCapturesTotal.Value())

	state, _ = e.CaptureState(m)
	assert.Equal(t, capture.Entry{State: capture.Captured, Handler: farID, Frame: 2}, state)
}

func TestReleaseOnlyByCaptor(t *testing.T) {
	e := newEngine(t, Options{})
	aID := handlerAt(t, e, field.Constant(0.1), &recorder{intent: input.Capture})
	bID := handlerAt(t, e, field.Constant(0.2), &recorder{})
	m := tip(t, e, nil)
	step(t, e)

	assert.ErrorIs(t, e.Release(m, bID), capture.ErrNotCaptor)
	state, _ := e.CaptureState(m)
	assert.True(t, state.HeldBy(aID))
	assert.NoError(t, e.Release(m, aID))
	assert.ErrorIs(t, e.Release(m, aID), capture.ErrNotCaptor)
}

func TestDatamapValidation(t *testing.T) {
	e := newEngine(t, Options{})
	r := &recorder{}
	handlerAt(t, e, field.Constant(0.1), r)

	_, err := e.CreateTip(vmath.Pose{}, vmath.IdentityPose, 0.01, []byte(`[1, 2]`))
	assert.ErrorIs(t, err, input.ErrMapInvalid)

	m := tip(t, e, []byte(`{"tool": "brush", "pressure": 0.5}`))
	assert.ErrorIs(t, e.SetDatamap(m, []byte(`{"tool": null}`)), input.ErrMapInvalid)
	assert.Equal(t, uint64(2), e.Metrics().DatamapRejectionsTotal.Value())

	step(t, e)
	events := r.received()
	require.Len(t, events, 1)
	tool, ok := events[0].Datamap.String("tool")
	assert.True(t, ok)
	assert.Equal(t, "brush", tool)

	require.NoError(t, e.SetDatamap(m, []byte(`{"tool": "eraser"}`)))
	step(t, e)
	events = r.received()
	tool, _ = events[len(events)-1].Datamap.String("tool")
	assert.Equal(t, "eraser", tool)
}

func TestMutationsWaitForFrameBoundary(t *testing.T) {
	e := newEngine(t, Options{})
	r := &recorder{}
	handlerAt(t, e, field.Constant(0.1), r)
	m := tip(t, e, nil)
	assert.Empty(t, e.Snapshot().Methods)

	step(t, e)
	require.NoError(t, e.UpdateMethod(m, vmath.At(vmath.V3(1, 2, 3)), input.TipPayload(0.5), nil))
	got, _ := e.Snapshot().Method(m)
	assert.Equal(t, vmath.Vec3{}, got.Pose.Position)

	step(t, e)
	got, _ = e.Snapshot().Method(m)
	assert.Equal(t, vmath.V3(1, 2, 3), got.Pose.Position)
	assert.Equal(t, 0.5, got.Payload.Tip.Radius)

	err := e.UpdateMethod(m, vmath.IdentityPose, input.PointerPayload(input.Pointer{Direction: input.Forward}), nil)
	assert.ErrorIs(t, err, input.ErrWrongKind)
}

func TestParentPose(t *testing.T) {
	e := newEngine(t, Options{})
	parent := vmath.At(vmath.V3(1, 0, 0))
	m, err := e.CreateTip(parent, vmath.At(vmath.V3(0, 1, 0)), 0.01, nil)
	require.NoError(t, err)
	h, err := e.CreateInputHandler(parent, vmath.IdentityPose, field.Constant(0), &recorder{})
	require.NoError(t, err)
	step(t, e)

	got, ok := e.Snapshot().Method(m)
	require.True(t, ok)
	assert.True(t, got.Pose.Position.ApproxEqual(vmath.V3(1, 1, 0), 1e-9))
	hh, _ := e.Snapshot().Handler(h)
	assert.True(t, hh.Pose.Position.ApproxEqual(vmath.V3(1, 0, 0), 1e-9))

	require.NoError(t, e.MoveHandler(h, vmath.At(vmath.V3(0, 0, 5))))
	step(t, e)
	hh, _ = e.Snapshot().Handler(h)
	assert.Equal(t, vmath.V3(0, 0, 5), hh.Pose.Position)
}

func TestFrameEventsFollowInput(t *testing.T) {
	e := newEngine(t, Options{})
	r := &recorder{}
	handlerAt(t, e, field.Constant(0.1), r)
	tip(t, e, nil)
	step(t, e)
	step(t, e)

	// Frame events are queued behind input on the handler's mailbox.
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.frames) == 2
	}, 5*time.Second, time.Millisecond)
	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, []uint64{1, 2}, r.frames)
	assert.Len(t, r.events, 2)
}

func TestCancelledFrame(t *testing.T) {
	e := newEngine(t, Options{})
	handlerAt(t, e, field.Constant(0.1), &recorder{})
	tip(t, e, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := e.Frame(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, rep.Aborted)
	assert.Equal(t, uint64(1), e.Metrics().FramesAbortedTotal.Value())

	// The next frame proceeds normally.
	step(t, e)
	n, _ := e.LastFrame()
	assert.Equal(t, uint64(2), n)
}

func TestJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	e, err := New(testConfig(), Options{Journal: st})
	require.NoError(t, err)
	aID := handlerAt(t, e, field.Constant(0.5), &recorder{intent: input.Capture})
	bID := handlerAt(t, e, field.Constant(0.2), &recorder{})
	m := tip(t, e, nil)
	step(t, e)
	step(t, e)

	f, err := st.GetFrame(1)
	require.NoError(t, err)
	require.NotNil(t, f)
	require.Len(t, f.Deliveries, 2)
	assert.Equal(t, uint64(bID), f.Deliveries[0].Handler)
	assert.False(t, f.Deliveries[0].Captured)
	assert.Equal(t, uint64(aID), f.Deliveries[1].Handler)
	assert.True(t, f.Deliveries[1].Captured)
	assert.Equal(t, 1, f.Captures)

	f, err = st.GetFrame(2)
	require.NoError(t, err)
	require.Len(t, f.Deliveries, 1)
	assert.True(t, f.Deliveries[0].ViaCapture)

	require.NoError(t, e.Release(m, aID))
	require.NoError(t, e.Close())

	transitions, err := st.GetMethodTransitions(uint64(m))
	require.NoError(t, err)
	require.Len(t, transitions, 2)
	assert.Equal(t, "captured", transitions[0].Kind)
	assert.Equal(t, uint64(1), transitions[0].Frame)
	assert.Equal(t, "released", transitions[1].Kind)

	bad, err := st.VerifyAllFrames()
	require.NoError(t, err)
	assert.Empty(t, bad)

	// A new engine continues the numbering.
	e2, err := New(testConfig(), Options{Journal: st})
	require.NoError(t, err)
	defer e2.Close()
	rep, err := e2.Frame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rep.Frame)
}

func TestRun(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.FrameRate = 200
	e, err := New(cfg, Options{})
	require.NoError(t, err)
	defer e.Close()
	r := &recorder{}
	handlerAt(t, e, field.Constant(0.1), r)
	tip(t, e, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		n, _ := e.LastFrame()
		return n >= 3
	}, 5*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, e.Run(ctx), ErrAlreadyRunning)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
	assert.NotEmpty(t, r.received())
}

func TestApplyConfig(t *testing.T) {
	logger := logging.Discard()
	e := newEngine(t, Options{Logger: logger})

	// Inside a signed field the deeper handler wins.
	shallow := &recorder{}
	deep := &recorder{}
	handlerAt(t, e, fixed(-0.1), shallow)
	deepID := handlerAt(t, e, fixed(-0.5), deep)
	tip(t, e, nil)

	cfg := e.Config().Clone()
	cfg.Ranking.Policy = "signed"
	cfg.Logging.Level = "debug"
	require.NoError(t, e.ApplyConfig(cfg))
	assert.Equal(t, "signed", e.Config().Ranking.Policy)
	assert.Equal(t, logging.LevelDebug, logger.Level())

	rep, err := e.Frame(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, rep.Deliveries)
	assert.Equal(t, deepID, rep.Deliveries[0].Handler)

	bad := e.Config().Clone()
	bad.Engine.Workers = 0
	assert.ErrorIs(t, e.ApplyConfig(bad), config.ErrInvalidConfig)
	assert.Equal(t, "signed", e.Config().Ranking.Policy)
}

func TestSchemasFromConfig(t *testing.T) {
	dir := t.TempDir()
	schema := `{"type": "object", "required": ["grab"], "properties": {"grab": {"type": "number"}}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hand.json"), []byte(schema), 0600))

	cfg := testConfig()
	cfg.Datamap.Schemas = map[string]string{"hand": "hand.json"}
	e, err := New(cfg, Options{ConfigPath: filepath.Join(dir, "config.toml")})
	require.NoError(t, err)
	defer e.Close()

	_, err = e.CreateHand(vmath.Pose{}, vmath.IdentityPose, input.Hand{}, []byte(`{"pinch": 1}`))
	assert.ErrorIs(t, err, input.ErrMapInvalid)
	_, err = e.CreateHand(vmath.Pose{}, vmath.IdentityPose, input.Hand{}, []byte(`{"grab": 0.8}`))
	assert.NoError(t, err)

	// Other kinds are unconstrained.
	_, err = e.CreateTip(vmath.Pose{}, vmath.IdentityPose, 0, []byte(`{"pinch": 1}`))
	assert.NoError(t, err)

	cfg.Datamap.Schemas = map[string]string{"hand": "missing.json"}
	_, err = New(cfg, Options{ConfigPath: filepath.Join(dir, "config.toml")})
	assert.Error(t, err)
}

func TestClosedEngine(t *testing.T) {
	e, err := New(testConfig(), Options{})
	require.NoError(t, err)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err = e.Frame(context.Background())
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = e.CreateTip(vmath.Pose{}, vmath.IdentityPose, 0, nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, e.Run(context.Background()))
}
