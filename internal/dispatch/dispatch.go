// Package dispatch runs one frame of input arbitration.
//
// For every live method the dispatcher either delivers straight to the handler that
// captured it, or ranks the active handlers and delivers in order until one captures.
// Methods are dispatched in parallel; once all are done the capture table writes of the
// frame are applied together and the frame lifecycle event goes to every handler and
// method listener. A frame that is cancelled part way writes nothing. Each handler has its own FIFO mailbox goroutine, so
// a handler is never called concurrently and never sees a frame event before that
// frame's input.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"suis/internal/capture"
	"suis/internal/input"
	"suis/internal/rank"
	"suis/internal/registry"
)

var (
	// ErrMailboxFull is the failure recorded when a handler's queue cannot take more work.
	ErrMailboxFull = errors.New("dispatch: handler mailbox full")

	// ErrTimeout is the failure recorded when a handler does not answer in time.
	ErrTimeout = errors.New("dispatch: handler timed out")
)

// Options tunes the dispatcher.
type Options struct {
	// Workers bounds how many methods are dispatched at once.
	Workers int
	// HandlerTimeout bounds one input delivery.
	HandlerTimeout time.Duration
	// FrameTimeout bounds how long the frame event waits for handlers to take it.
	FrameTimeout time.Duration
	MailboxSize  int
}

// DefaultOptions are used for zero fields.
var DefaultOptions = Options{
	Workers:        4,
	HandlerTimeout: 5 * time.Millisecond,
	FrameTimeout:   20 * time.Millisecond,
	MailboxSize:    64,
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultOptions.Workers
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = DefaultOptions.HandlerTimeout
	}
	if o.FrameTimeout <= 0 {
		o.FrameTimeout = DefaultOptions.FrameTimeout
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = DefaultOptions.MailboxSize
	}
	return o
}

// Delivery records one input event and its outcome.
type Delivery struct {
	Method   input.MethodID
	Handler  input.HandlerID
	Order    int
	Distance float64
	// ViaCapture is set when ranking was skipped because Handler held the method.
	ViaCapture bool
	Intent     input.CaptureIntent
	Latency    time.Duration
	Err        error
}

// Capture records a method captured during the frame.
type Capture struct {
	Method  input.MethodID
	Handler input.HandlerID
}

// Report summarizes one Step.
type Report struct {
	Frame       uint64
	Methods     int
	Deliveries  []Delivery
	Captures    []Capture
	Failures    int
	FrameEvents int
	// Aborted is set when the context ended before the frame event was sent.
	Aborted  bool
	Duration time.Duration
}

type methodResult struct {
	method     input.MethodID
	deliveries []Delivery
	captured   *Capture
	// stale is a captor whose field died; its hold is cleared when the frame completes.
	stale *input.HandlerID
}

type streak struct {
	first, last uint64
}

// Dispatcher delivers input for one frame at a time. Step must not be called
// concurrently with itself.
type Dispatcher struct {
	table  *capture.Table
	log    *slog.Logger
	ranker atomic.Pointer[rank.Ranker]
	opts   atomic.Pointer[Options]

	mu        sync.Mutex
	mailboxes map[input.HandlerID]*mailbox
	// seen tracks, per method, when each handler started receiving it without a gap.
	seen map[input.MethodID]map[input.HandlerID]streak
}

// New creates a dispatcher writing captures to table.
func New(table *capture.Table, ranker *rank.Ranker, opts Options, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		table:     table,
		log:       log,
		mailboxes: make(map[input.HandlerID]*mailbox),
		seen:      make(map[input.MethodID]map[input.HandlerID]streak),
	}
	d.SetRanker(ranker)
	d.Configure(opts)
	return d
}

// SetRanker swaps the ranker used from the next Step on.
func (d *Dispatcher) SetRanker(r *rank.Ranker) {
	if r == nil {
		r = rank.New(rank.DefaultOptions)
	}
	d.ranker.Store(r)
}

// Configure swaps the options used from the next Step on. Mailbox size only applies to
// mailboxes created afterwards.
func (d *Dispatcher) Configure(opts Options) {
	o := opts.withDefaults()
	d.opts.Store(&o)
}

// Options returns the current options.
func (d *Dispatcher) Options() Options { return *d.opts.Load() }

// Step dispatches frame info.Frame against snap. If ctx ends before every method is
// done, Step returns ctx.Err(), the capture table is left as it was and no frame event
// is sent.
func (d *Dispatcher) Step(ctx context.Context, info input.FrameInfo, snap *registry.Snapshot) (Report, error) {
	start := time.Now()
	opts := d.Options()
	ranker := d.ranker.Load()
	rep := Report{Frame: info.Frame, Methods: len(snap.Methods)}

	d.sync(snap, opts)

	results := make([]methodResult, len(snap.Methods))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i := range snap.Methods {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = d.dispatchMethod(gctx, info, snap, snap.Methods[i], ranker, opts)
			return gctx.Err()
		})
	}
	err := g.Wait()

	for _, r := range results {
		rep.Deliveries = append(rep.Deliveries, r.deliveries...)
	}
	for _, dl := range rep.Deliveries {
		if dl.Err != nil {
			rep.Failures++
		}
	}

	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		rep.Aborted = true
		rep.Duration = time.Since(start)
		return rep, fmt.Errorf("frame %d: %w", info.Frame, err)
	}

	rep.Captures = d.commit(info.Frame, results)
	rep.FrameEvents = d.emitFrame(info, snap, opts)
	rep.Duration = time.Since(start)
	return rep, nil
}

// commit applies the capture table writes of a completed frame.
func (d *Dispatcher) commit(frame uint64, results []methodResult) []Capture {
	var captures []Capture
	for _, r := range results {
		if r.stale != nil && d.table.ClearHeldBy(r.method, *r.stale, "captor inactive") {
			d.log.Debug("stale capture cleared", "method", r.method, "handler", *r.stale)
		}
		if r.captured == nil {
			continue
		}
		if d.table.Capture(r.captured.Method, r.captured.Handler, frame) {
			captures = append(captures, *r.captured)
			continue
		}
		d.log.Debug("capture intent not applied", "method", r.captured.Method, "handler", r.captured.Handler, "frame", frame)
	}
	return captures
}

// sync creates mailboxes for new handlers and retires those of removed ones.
func (d *Dispatcher) sync(snap *registry.Snapshot, opts Options) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, h := range snap.Handlers {
		if _, ok := d.mailboxes[h.ID]; !ok {
			d.mailboxes[h.ID] = newMailbox(h.ID, h.Receiver, opts.MailboxSize, d.log)
		}
	}
	for id, mb := range d.mailboxes {
		if _, ok := snap.Handler(id); !ok {
			mb.close()
			delete(d.mailboxes, id)
		}
	}

	for _, m := range snap.Methods {
		if _, ok := d.seen[m.ID]; !ok {
			d.seen[m.ID] = make(map[input.HandlerID]streak)
		}
	}
	for mid, hs := range d.seen {
		if _, ok := snap.Method(mid); !ok {
			delete(d.seen, mid)
			continue
		}
		for hid := range hs {
			if _, ok := snap.Handler(hid); !ok {
				delete(hs, hid)
			}
		}
	}
}

func (d *Dispatcher) mailbox(id input.HandlerID) *mailbox {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mailboxes[id]
}

func (d *Dispatcher) dispatchMethod(ctx context.Context, info input.FrameInfo, snap *registry.Snapshot, m input.Method, ranker *rank.Ranker, opts Options) methodResult {
	res := methodResult{method: m.ID}
	seen := d.visibility(m.ID)
	if seen == nil {
		seen = make(map[input.HandlerID]streak)
	}

	entry := d.table.Get(m.ID)
	if entry.State == capture.Captured {
		if h, ok := snap.Handler(entry.Handler); ok && h.Active() {
			c := captorCandidate(ranker, m, h)
			dl := d.deliver(ctx, info, m, c, 0, entry, seen, opts)
			res.deliveries = append(res.deliveries, dl)
			return res
		}
		stale := entry.Handler
		res.stale = &stale
	}

	for order, c := range ranker.Rank(m, snap.Handlers) {
		if ctx.Err() != nil {
			return res
		}
		dl := d.deliver(ctx, info, m, c, order, capture.Entry{}, seen, opts)
		res.deliveries = append(res.deliveries, dl)
		if dl.Err != nil || dl.Intent != input.Capture {
			continue
		}
		res.captured = &Capture{Method: m.ID, Handler: c.Handler.ID}
		break
	}
	return res
}

// captorCandidate measures the captor's field for the event even though ranking is skipped.
func captorCandidate(ranker *rank.Ranker, m input.Method, h input.Handler) rank.Candidate {
	if o := ranker.Rank(m, []input.Handler{h}); len(o) == 1 {
		return o[0]
	}
	return rank.Candidate{Handler: h, Distance: math.Inf(1), Signed: math.Inf(1), Reference: rank.Reference(m)}
}

func (d *Dispatcher) visibility(m input.MethodID) map[input.HandlerID]streak {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[m]
}

func (d *Dispatcher) deliver(ctx context.Context, info input.FrameInfo, m input.Method, c rank.Candidate, order int, held capture.Entry, seen map[input.HandlerID]streak, opts Options) Delivery {
	h := c.Handler
	dl := Delivery{Method: m.ID, Handler: h.ID, Order: order, Distance: c.Distance, ViaCapture: held.State == capture.Captured}

	// seen belongs to this method alone, so only this goroutine touches it.
	st, ok := seen[h.ID]
	if !ok || st.last+1 < info.Frame {
		st.first = info.Frame
	}
	st.last = info.Frame
	seen[h.ID] = st

	pose, payload := input.Relativize(m, h.Pose)
	if payload.Kind == input.KindPointer {
		payload.Pointer.Deepest = h.Pose.LocalPoint(c.Reference)
	}
	ev := input.Event{
		Frame:          info.Frame,
		Method:         m.ID,
		MethodUID:      m.UID,
		Handler:        h.ID,
		Kind:           m.Payload.Kind,
		Pose:           pose,
		Payload:        payload,
		Distance:       c.Distance,
		SignedDistance: c.Signed,
		Order:          order,
		Captured:       dl.ViaCapture,
		CapturedSince:  held.Frame,
		FirstSeen:      st.first,
		Datamap:        m.Datamap,
	}

	mb := d.mailbox(h.ID)
	if mb == nil {
		dl.Err = input.HandlerFailure(h.ID, ErrMailboxFull)
		return dl
	}

	hctx, cancel := context.WithTimeout(ctx, opts.HandlerTimeout)
	defer cancel()
	rp := newReply()
	j := job{ctx: hctx, ev: ev, reply: rp, late: d.lateCapture(m.ID, h.ID, info.Frame)}
	select {
	case mb.jobs <- j:
	default:
		dl.Err = input.HandlerFailure(h.ID, ErrMailboxFull)
		d.log.Warn("handler mailbox full", "handler", h.ID, "method", m.ID, "frame", info.Frame)
		return dl
	}

	timer := time.NewTimer(opts.HandlerTimeout)
	defer timer.Stop()

	var r result
	select {
	case r = <-rp.ch:
	case <-timer.C:
		if rp.abandon(true) {
			dl.Latency = opts.HandlerTimeout
			dl.Err = input.HandlerFailure(h.ID, ErrTimeout)
			d.log.Warn("handler timed out", "handler", h.ID, "method", m.ID, "frame", info.Frame, "timeout", opts.HandlerTimeout)
			return dl
		}
		r = <-rp.ch
	case <-ctx.Done():
		// A cancelled frame keeps its last committed state, so late answers are dropped.
		if rp.abandon(false) {
			dl.Err = input.HandlerFailure(h.ID, ctx.Err())
			return dl
		}
		r = <-rp.ch
	}

	dl.Intent, dl.Latency = r.intent, r.latency
	if r.err != nil {
		dl.Intent = input.Pass
		dl.Err = input.HandlerFailure(h.ID, r.err)
		d.log.Warn("handler failed", "handler", h.ID, "method", m.ID, "frame", info.Frame, "error", r.err)
	}
	return dl
}

// lateCapture turns a capture intent that arrived after its deadline into a request
// that takes effect at the next frame boundary.
func (d *Dispatcher) lateCapture(m input.MethodID, h input.HandlerID, frame uint64) func(result) {
	return func(r result) {
		if r.err != nil || r.intent != input.Capture {
			return
		}
		if err := d.table.Request(m, h, frame); err != nil {
			d.log.Debug("late capture dropped", "handler", h, "method", m, "frame", frame, "error", err)
			return
		}
		d.log.Debug("late capture queued", "handler", h, "method", m, "frame", frame)
	}
}

// emitFrame sends the lifecycle event to every handler and method listener and waits,
// bounded by FrameTimeout, for them to take it. Once the deadline passes the remaining
// handlers are still offered the event, but only where their mailbox has room.
func (d *Dispatcher) emitFrame(info input.FrameInfo, snap *registry.Snapshot, opts Options) int {
	deadline := time.NewTimer(opts.FrameTimeout)
	defer deadline.Stop()

	var (
		acks    []chan struct{}
		expired bool
		dropped []input.HandlerID
	)
	for _, h := range snap.Handlers {
		if _, ok := h.Receiver.(input.FrameListener); !ok {
			continue
		}
		mb := d.mailbox(h.ID)
		if mb == nil {
			continue
		}
		fi := info
		ack := make(chan struct{})
		j := job{frame: &fi, ack: ack}

		if !expired {
			select {
			case mb.jobs <- j:
				acks = append(acks, ack)
				continue
			case <-deadline.C:
				expired = true
			}
		}
		select {
		case mb.jobs <- j:
			acks = append(acks, ack)
		default:
			dropped = append(dropped, h.ID)
		}
	}
	if len(dropped) > 0 {
		d.log.Warn("frame event dropped", "frame", info.Frame, "handlers", dropped, "error", ErrMailboxFull)
	}

	sent := len(acks) + d.emitListeners(info, snap)
	if expired {
		return sent
	}
	for _, ack := range acks {
		select {
		case <-ack:
		case <-deadline.C:
			d.log.Warn("frame event not acknowledged in time", "frame", info.Frame, "timeout", opts.FrameTimeout)
			return sent
		}
	}
	return sent
}

func (d *Dispatcher) emitListeners(info input.FrameInfo, snap *registry.Snapshot) int {
	n := 0
	for _, m := range snap.Methods {
		if m.Listener == nil {
			continue
		}
		if err := safeFrame(m.Listener, info); err != nil {
			d.log.Warn("method frame listener failed", "method", m.ID, "frame", info.Frame, "error", err)
		}
		n++
	}
	return n
}

// Close stops every mailbox. Work still queued is dropped.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, mb := range d.mailboxes {
		mb.close()
		delete(d.mailboxes, id)
	}
}
