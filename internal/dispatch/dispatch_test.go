package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"suis/internal/capture"
	"suis/internal/field"
	"suis/internal/input"
	"suis/internal/rank"
	"suis/internal/registry"
	"suis/internal/vmath"
)

type recorder struct {
	mu     sync.Mutex
	trace  []string
	events []input.Event
	answer func(input.Event) (input.CaptureIntent, error)
}

func (r *recorder) Input(_ context.Context, ev input.Event) (input.CaptureIntent, error) {
	r.mu.Lock()
	r.trace = append(r.trace, fmt.Sprintf("input:%d", ev.Frame))
	r.events = append(r.events, ev)
	answer := r.answer
	r.mu.Unlock()
	if answer != nil {
		return answer(ev)
	}
	return input.Pass, nil
}

func (r *recorder) Frame(info input.FrameInfo) {
	r.mu.Lock()
	r.trace = append(r.trace, fmt.Sprintf("frame:%d", info.Frame))
	r.mu.Unlock()
}

func (r *recorder) received() []input.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]input.Event(nil), r.events...)
}

func (r *recorder) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.trace...)
}

func capturing(input.Event) (input.CaptureIntent, error) { return input.Capture, nil }

type harness struct {
	t     *testing.T
	reg   *registry.Registry
	table *capture.Table
	disp  *Dispatcher
	frame uint64
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	if opts.HandlerTimeout == 0 {
		opts.HandlerTimeout = time.Second
	}
	if opts.FrameTimeout == 0 {
		opts.FrameTimeout = time.Second
	}
	table := capture.New(nil)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := New(table, rank.New(rank.DefaultOptions), opts, log)
	t.Cleanup(d.Close)
	return &harness{t: t, reg: registry.New(registry.Options{}), table: table, disp: d}
}

func (h *harness) handler(f field.Field, recv input.Receiver) input.HandlerID {
	h.t.Helper()
	id, err := h.reg.RegisterHandler(input.HandlerSpec{Pose: vmath.IdentityPose, Receiver: recv}, f)
	require.NoError(h.t, err)
	return id
}

func (h *harness) tip(p vmath.Vec3) input.MethodID {
	h.t.Helper()
	id, err := h.reg.RegisterMethod(input.MethodSpec{Pose: vmath.At(p), Payload: input.TipPayload(0)})
	require.NoError(h.t, err)
	return id
}

func (h *harness) step(ctx context.Context) (Report, error) {
	h.frame++
	h.reg.Commit()
	h.table.Promote(h.frame, nil)
	return h.disp.Step(ctx, input.FrameInfo{Frame: h.frame}, h.reg.Snapshot())
}

func (h *harness) mustStep() Report {
	h.t.Helper()
	rep, err := h.step(context.Background())
	require.NoError(h.t, err)
	return rep
}

func TestScenarioBAC(t *testing.T) {
	h := newHarness(t, Options{})
	a := &recorder{answer: capturing}
	b := &recorder{}
	c := &recorder{}
	aID := h.handler(field.Constant(0.5), a)
	bID := h.handler(field.Constant(0.2), b)
	h.handler(field.Constant(0.9), c)
	m := h.tip(vmath.Vec3{})

	rep := h.mustStep()
	require.Len(t, rep.Deliveries, 2)
	assert.Equal(t, bID, rep.Deliveries[0].Handler)
	assert.Equal(t, aID, rep.Deliveries[1].Handler)
	assert.Equal(t, []Capture{{Method: m, Handler: aID}}, rep.Captures)
	assert.Empty(t, c.received(), "C never receives the event")
	assert.Equal(t, capture.Entry{State: capture.Captured, Handler: aID, Frame: 1}, h.table.Get(m))

	for i := 0; i < 3; i++ {
		rep = h.mustStep()
		require.Len(t, rep.Deliveries, 1)
		assert.Equal(t, aID, rep.Deliveries[0].Handler)
		assert.True(t, rep.Deliveries[0].ViaCapture)
	}
	assert.Len(t, b.received(), 1)
	assert.Empty(t, c.received())

	last := a.received()[len(a.received())-1]
	assert.True(t, last.Captured)
	assert.Equal(t, uint64(1), last.CapturedSince)
	assert.Equal(t, 0.5, last.Distance)

	// Release hands the method back to ranking.
	require.NoError(t, h.table.Release(m, aID))
	a.mu.Lock()
	a.answer = nil
	a.mu.Unlock()
	rep = h.mustStep()
	require.Len(t, rep.Deliveries, 3)
	assert.Len(t, c.received(), 1)
}

func TestFrameAfterInput(t *testing.T) {
	h := newHarness(t, Options{Workers: 4})
	var recs []*recorder
	for i := 0; i < 4; i++ {
		r := &recorder{}
		recs = append(recs, r)
		h.handler(field.Constant(float64(i)), r)
	}
	for i := 0; i < 6; i++ {
		h.tip(vmath.V3(float64(i), 0, 0))
	}

	for i := 0; i < 5; i++ {
		rep := h.mustStep()
		assert.Equal(t, 4, rep.FrameEvents)
	}

	for i, r := range recs {
		lines := r.lines()
		require.NotEmpty(t, lines)
		for frame := 1; frame <= 5; frame++ {
			frameAt := indexOf(lines, fmt.Sprintf("frame:%d", frame))
			require.GreaterOrEqual(t, frameAt, 0, "handler %d missed frame %d", i, frame)
			for j, l := range lines {
				if l == fmt.Sprintf("input:%d", frame) {
					assert.Less(t, j, frameAt, "handler %d saw frame %d before its input", i, frame)
				}
			}
		}
	}
}

func TestHandlerFailureIsolated(t *testing.T) {
	h := newHarness(t, Options{})
	panics := &recorder{answer: func(input.Event) (input.CaptureIntent, error) { panic("boom") }}
	fails := &recorder{answer: func(input.Event) (input.CaptureIntent, error) {
		return input.Capture, errors.New("cannot")
	}}
	ok := &recorder{answer: capturing}
	h.handler(field.Constant(0.1), panics)
	h.handler(field.Constant(0.2), fails)
	okID := h.handler(field.Constant(0.3), ok)
	m := h.tip(vmath.Vec3{})

	rep := h.mustStep()
	require.Len(t, rep.Deliveries, 3)
	assert.Equal(t, 2, rep.Failures)
	assert.ErrorIs(t, rep.Deliveries[0].Err, input.ErrHandlerFailure)
	assert.Contains(t, rep.Deliveries[0].Err.Error(), "boom")
	assert.ErrorIs(t, rep.Deliveries[1].Err, input.ErrHandlerFailure)
	assert.Equal(t, input.Pass, rep.Deliveries[1].Intent, "failed deliveries never capture")
	assert.True(t, h.table.Get(m).HeldBy(okID))
}

func TestTimeoutBecomesDelayedCapture(t *testing.T) {
	h := newHarness(t, Options{HandlerTimeout: 5 * time.Millisecond, FrameTimeout: 10 * time.Millisecond})
	release := make(chan struct{})
	slow := &recorder{answer: func(input.Event) (input.CaptureIntent, error) {
		<-release
		return input.Capture, nil
	}}
	next := &recorder{}
	slowID := h.handler(field.Constant(0.1), slow)
	h.handler(field.Constant(0.2), next)
	m := h.tip(vmath.Vec3{})

	rep := h.mustStep()
	require.Len(t, rep.Deliveries, 2)
	assert.ErrorIs(t, rep.Deliveries[0].Err, ErrTimeout)
	assert.Len(t, next.received(), 1, "dispatch moved on to the next candidate")
	assert.Equal(t, capture.Uncaptured, h.table.Get(m).State)

	close(release)
	require.Eventually(t, func() bool {
		return h.table.Get(m).State == capture.Pending
	}, time.Second, time.Millisecond)

	h.mustStep()
	assert.Equal(t, capture.Entry{State: capture.Captured, Handler: slowID, Frame: 2}, h.table.Get(m))
}

func TestCancelledFrameKeepsState(t *testing.T) {
	h := newHarness(t, Options{})
	r := &recorder{answer: capturing}
	h.handler(field.Constant(0.1), r)
	m := h.tip(vmath.Vec3{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := h.step(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, rep.Aborted)
	assert.Zero(t, rep.FrameEvents)
	assert.Equal(t, capture.Uncaptured, h.table.Get(m).State)

	for _, l := range r.lines() {
		assert.False(t, strings.HasPrefix(l, "frame:"), "no frame event after abort")
	}
}

func TestCancelledMidFrameWritesNothing(t *testing.T) {
	h := newHarness(t, Options{Workers: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := &recorder{}
	rID := h.handler(field.Constant(0.1), r)
	first := h.tip(vmath.Vec3{})
	second := h.tip(vmath.V3(1, 0, 0))
	r.answer = func(ev input.Event) (input.CaptureIntent, error) {
		if ev.Method == second {
			cancel()
			return input.Pass, nil
		}
		return input.Capture, nil
	}

	rep, err := h.step(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, rep.Aborted)
	assert.Empty(t, rep.Captures)
	assert.Len(t, r.received(), 2, "both methods were delivered before the abort")
	assert.Equal(t, capture.Uncaptured, h.table.Get(first).State, "the first method's capture is not applied")
	for _, l := range r.lines() {
		assert.False(t, strings.HasPrefix(l, "frame:"), "no frame event after abort")
	}

	rep = h.mustStep()
	assert.Equal(t, []Capture{{Method: first, Handler: rID}}, rep.Captures)
	assert.Equal(t, capture.Entry{State: capture.Captured, Handler: rID, Frame: 2}, h.table.Get(first))
}

func TestFrameEventReachesHandlersPastDeadline(t *testing.T) {
	h := newHarness(t, Options{
		Workers:        1,
		MailboxSize:    1,
		HandlerTimeout: 5 * time.Millisecond,
		FrameTimeout:   20 * time.Millisecond,
	})
	block := make(chan struct{})
	defer close(block)
	stuck := &recorder{answer: func(input.Event) (input.CaptureIntent, error) {
		<-block
		return input.Pass, nil
	}}
	next := &recorder{}
	h.handler(field.Constant(0.1), stuck)
	h.handler(field.Constant(0.2), next)
	// The first tip occupies the stuck handler; the second fills its one-slot mailbox.
	h.tip(vmath.Vec3{})
	h.tip(vmath.V3(1, 0, 0))

	rep := h.mustStep()
	assert.Equal(t, 1, rep.FrameEvents, "only the stuck handler misses the frame event")
	require.Eventually(t, func() bool {
		return indexOf(next.lines(), "frame:1") >= 0
	}, time.Second, time.Millisecond)

	lines := next.lines()
	frameAt := indexOf(lines, "frame:1")
	for j, l := range lines {
		if l == "input:1" {
			assert.Less(t, j, frameAt)
		}
	}
}

func TestStaleCaptorFallsThrough(t *testing.T) {
	h := newHarness(t, Options{})
	sphere := field.NewSphere(vmath.Vec3{}, 1)
	holder := &recorder{answer: capturing}
	other := &recorder{}
	holderID := h.handler(sphere, holder)
	h.handler(field.Constant(5), other)
	m := h.tip(vmath.Vec3{})

	h.mustStep()
	require.True(t, h.table.Get(m).HeldBy(holderID))

	sphere.Destroy()
	rep := h.mustStep()
	require.Len(t, rep.Deliveries, 1)
	assert.False(t, rep.Deliveries[0].ViaCapture)
	assert.Len(t, other.received(), 1)
	assert.Equal(t, capture.Uncaptured, h.table.Get(m).State)
}

func TestFirstSeenStreak(t *testing.T) {
	h := newHarness(t, Options{})
	r := &recorder{}
	h.handler(field.Constant(1), r)
	h.tip(vmath.Vec3{})

	h.mustStep()
	h.mustStep()
	ev := r.received()
	require.Len(t, ev, 2)
	assert.Equal(t, uint64(1), ev[0].FirstSeen)
	assert.Equal(t, uint64(1), ev[1].FirstSeen)

	// The handler does not receive the method on frame 3, so the streak restarts.
	h.frame++
	h.mustStep()

	ev = r.received()
	assert.Equal(t, uint64(4), ev[len(ev)-1].FirstSeen)
}

func TestPointerRelativizedToHandler(t *testing.T) {
	h := newHarness(t, Options{})
	r := &recorder{}
	handlerPose := vmath.At(vmath.V3(0, 0, -5))
	_, err := h.reg.RegisterHandler(input.HandlerSpec{Pose: handlerPose, Receiver: r}, field.NewSphere(vmath.V3(0, 0, -5), 1))
	require.NoError(t, err)
	_, err = h.reg.RegisterMethod(input.MethodSpec{Pose: vmath.IdentityPose, Payload: input.PointerPayload(input.Pointer{})})
	require.NoError(t, err)

	h.mustStep()
	ev := r.received()
	require.Len(t, ev, 1)
	p := ev[0].Payload.Pointer
	assert.True(t, p.Origin.ApproxEqual(vmath.V3(0, 0, 5), 1e-9), "origin %+v", p.Origin)
	assert.True(t, p.Direction.ApproxEqual(vmath.V3(0, 0, -1), 1e-9))
	assert.Less(t, p.Deepest.Len(), 1.0, "deepest point lies inside the handler's sphere")
}

func TestMailboxFull(t *testing.T) {
	h := newHarness(t, Options{MailboxSize: 1, HandlerTimeout: time.Millisecond, FrameTimeout: time.Millisecond})
	block := make(chan struct{})
	defer close(block)
	r := &recorder{answer: func(input.Event) (input.CaptureIntent, error) {
		<-block
		return input.Pass, nil
	}}
	h.handler(field.Constant(1), r)
	h.tip(vmath.Vec3{})
	h.tip(vmath.V3(1, 0, 0))
	h.tip(vmath.V3(2, 0, 0))

	rep := h.mustStep()
	var full int
	for _, dl := range rep.Deliveries {
		if errors.Is(dl.Err, ErrMailboxFull) {
			full++
		}
	}
	assert.Positive(t, full)
}

func indexOf(lines []string, s string) int {
	for i, l := range lines {
		if l == s {
			return i
		}
	}
	return -1
}
