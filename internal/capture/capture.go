// Package capture tracks which input handler, if any, exclusively holds each input method.
//
// Entries are keyed by method id and locked individually, so dispatch for different
// methods can write concurrently. A method is held by at most one handler at a time.
// Capture is sticky: it lasts until the captor releases it or either side is removed.
package capture

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"suis/internal/input"
)

var (
	// ErrAlreadyCaptured is returned when a different handler holds or has requested the method.
	ErrAlreadyCaptured = errors.New("capture: method already captured")

	// ErrNotCaptor is returned when a handler releases a method it does not hold.
	ErrNotCaptor = errors.New("capture: handler does not hold the method")
)

// State is the state of one entry.
type State uint8

const (
	Uncaptured State = iota
	// Pending is an out-of-band request waiting for the next frame boundary.
	Pending
	Captured
)

func (s State) String() string {
	switch s {
	case Uncaptured:
		return "uncaptured"
	case Pending:
		return "pending"
	case Captured:
		return "captured"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Entry is the capture state of one method. Frame is the request frame for Pending
// and the frame capture began for Captured.
type Entry struct {
	State   State
	Handler input.HandlerID
	Frame   uint64
}

// HeldBy reports whether h holds the method.
func (e Entry) HeldBy(h input.HandlerID) bool {
	return e.State == Captured && e.Handler == h
}

func (e Entry) String() string {
	switch e.State {
	case Pending:
		return fmt.Sprintf("pending(%s, frame %d)", e.Handler, e.Frame)
	case Captured:
		return fmt.Sprintf("captured-by(%s, since %d)", e.Handler, e.Frame)
	default:
		return "uncaptured"
	}
}

// TransitionKind names a change to an entry.
type TransitionKind string

const (
	Requested TransitionKind = "requested"
	Acquired  TransitionKind = "captured"
	Released  TransitionKind = "released"
	Cleared   TransitionKind = "cleared"
)

// Transition records one change, for journaling and metrics.
type Transition struct {
	Kind    TransitionKind
	Method  input.MethodID
	Handler input.HandlerID
	Frame   uint64
	Reason  string
}

type slot struct {
	mu    sync.Mutex
	entry Entry
}

// Table is the capture table. The zero value is not usable; call New.
type Table struct {
	mu    sync.RWMutex
	slots map[input.MethodID]*slot

	frame    atomic.Uint64
	captured atomic.Int64
	observe  func(Transition)
	valid    func(input.MethodID, input.HandlerID) bool
}

// New creates an empty table. observe, if non-nil, is called for every transition
// outside of any table lock.
func New(observe func(Transition)) *Table {
	return &Table{
		slots:   make(map[input.MethodID]*slot),
		observe: observe,
	}
}

// Guard makes Request and Capture refuse a pair once valid reports false for it. valid
// runs under the entry lock, so it must not call back into the table. Call Guard before
// the table is shared.
func (t *Table) Guard(valid func(input.MethodID, input.HandlerID) bool) {
	t.valid = valid
}

func (t *Table) admits(m input.MethodID, h input.HandlerID) bool {
	return t.valid == nil || t.valid(m, h)
}

// Frame reports the frame transitions are currently stamped with.
func (t *Table) Frame() uint64 { return t.frame.Load() }

// Captured reports how many methods are currently held.
func (t *Table) Captured() int { return int(t.captured.Load()) }

func (t *Table) lookup(m input.MethodID) *slot {
	t.mu.RLock()
	s := t.slots[m]
	t.mu.RUnlock()
	return s
}

func (t *Table) slotFor(m input.MethodID) *slot {
	if s := t.lookup(m); s != nil {
		return s
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[m]
	if !ok {
		s = &slot{}
		t.slots[m] = s
	}
	return s
}

func (t *Table) emit(tr Transition) {
	if t.observe != nil {
		t.observe(tr)
	}
}

// set replaces the entry held in s, keeping the captured count in step. Caller holds s.mu.
func (t *Table) set(s *slot, e Entry) {
	was := s.entry.State == Captured
	now := e.State == Captured
	switch {
	case was && !now:
		t.captured.Add(-1)
	case !was && now:
		t.captured.Add(1)
	}
	s.entry = e
}

// Get returns the entry for m.
func (t *Table) Get(m input.MethodID) Entry {
	s := t.lookup(m)
	if s == nil {
		return Entry{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entry
}

// Request records an out-of-band capture request that takes effect at the next frame
// boundary. The first request wins; a method held or requested by another handler
// yields ErrAlreadyCaptured. Repeating a request, or requesting a method already held,
// is a no-op. A pair the guard no longer admits yields input.ErrUnknownID.
func (t *Table) Request(m input.MethodID, h input.HandlerID, frame uint64) error {
	s := t.slotFor(m)
	s.mu.Lock()
	e := s.entry
	switch {
	case !t.admits(m, h):
		s.mu.Unlock()
		return fmt.Errorf("%w: %s or %s was removed", input.ErrUnknownID, m, h)
	case e.State != Uncaptured && e.Handler == h:
		s.mu.Unlock()
		return nil
	case e.State != Uncaptured:
		s.mu.Unlock()
		return fmt.Errorf("%w: %s by %s", ErrAlreadyCaptured, m, e.Handler)
	}
	t.set(s, Entry{State: Pending, Handler: h, Frame: frame})
	s.mu.Unlock()

	t.emit(Transition{Kind: Requested, Method: m, Handler: h, Frame: frame})
	return nil
}

// Promote turns pending requests into captures at the start of frame. Requests whose
// method or handler is no longer valid are dropped.
func (t *Table) Promote(frame uint64, valid func(input.MethodID, input.HandlerID) bool) []Transition {
	t.frame.Store(frame)

	var out []Transition
	for _, m := range t.methods() {
		s := t.lookup(m)
		if s == nil {
			continue
		}
		s.mu.Lock()
		e := s.entry
		if e.State != Pending {
			s.mu.Unlock()
			continue
		}
		if valid != nil && !valid(m, e.Handler) {
			t.set(s, Entry{})
			out = append(out, Transition{Kind: Cleared, Method: m, Handler: e.Handler, Frame: frame, Reason: "request invalid at promotion"})
		} else {
			t.set(s, Entry{State: Captured, Handler: e.Handler, Frame: frame})
			out = append(out, Transition{Kind: Acquired, Method: m, Handler: e.Handler, Frame: frame, Reason: "request"})
		}
		s.mu.Unlock()
	}
	for _, tr := range out {
		t.emit(tr)
	}
	return out
}

// Capture is the dispatch-time write after h answered with a capture intent. It fails
// when another handler already holds the method or the guard no longer admits the pair.
// It overrides another handler's pending request, which is reported as cleared.
func (t *Table) Capture(m input.MethodID, h input.HandlerID, frame uint64) bool {
	s := t.slotFor(m)
	s.mu.Lock()
	e := s.entry
	if e.State == Captured {
		s.mu.Unlock()
		return e.Handler == h
	}
	if !t.admits(m, h) {
		s.mu.Unlock()
		return false
	}
	t.set(s, Entry{State: Captured, Handler: h, Frame: frame})
	s.mu.Unlock()

	if e.State == Pending && e.Handler != h {
		t.emit(Transition{Kind: Cleared, Method: m, Handler: e.Handler, Frame: frame, Reason: "superseded by input capture"})
	}
	t.emit(Transition{Kind: Acquired, Method: m, Handler: h, Frame: frame, Reason: "input"})
	return true
}

// Release gives up h's hold (or pending request) on m.
func (t *Table) Release(m input.MethodID, h input.HandlerID) error {
	s := t.lookup(m)
	if s == nil {
		return fmt.Errorf("%w: %s is not captured", ErrNotCaptor, m)
	}
	s.mu.Lock()
	e := s.entry
	if e.State == Uncaptured || e.Handler != h {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s on %s", ErrNotCaptor, h, m)
	}
	t.set(s, Entry{})
	s.mu.Unlock()

	t.emit(Transition{Kind: Released, Method: m, Handler: h, Frame: t.Frame()})
	return nil
}

// Clear resets m to Uncaptured.
func (t *Table) Clear(m input.MethodID, reason string) bool {
	s := t.lookup(m)
	if s == nil {
		return false
	}
	s.mu.Lock()
	e := s.entry
	if e.State == Uncaptured {
		s.mu.Unlock()
		return false
	}
	t.set(s, Entry{})
	s.mu.Unlock()

	t.emit(Transition{Kind: Cleared, Method: m, Handler: e.Handler, Frame: t.Frame(), Reason: reason})
	return true
}

// ClearHeldBy resets m only if h still holds it.
func (t *Table) ClearHeldBy(m input.MethodID, h input.HandlerID, reason string) bool {
	s := t.lookup(m)
	if s == nil {
		return false
	}
	s.mu.Lock()
	e := s.entry
	if e.State != Captured || e.Handler != h {
		s.mu.Unlock()
		return false
	}
	t.set(s, Entry{})
	s.mu.Unlock()

	t.emit(Transition{Kind: Cleared, Method: m, Handler: h, Frame: t.Frame(), Reason: reason})
	return true
}

// ForgetMethod drops every trace of m.
func (t *Table) ForgetMethod(m input.MethodID) {
	t.mu.Lock()
	s, ok := t.slots[m]
	delete(t.slots, m)
	t.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	e := s.entry
	t.set(s, Entry{})
	s.mu.Unlock()
	if e.State != Uncaptured {
		t.emit(Transition{Kind: Cleared, Method: m, Handler: e.Handler, Frame: t.Frame(), Reason: "method removed"})
	}
}

// ForgetHandler clears every entry held or requested by h and returns the affected methods.
func (t *Table) ForgetHandler(h input.HandlerID, reason string) []input.MethodID {
	var (
		freed []input.MethodID
		out   []Transition
	)
	for _, m := range t.methods() {
		s := t.lookup(m)
		if s == nil {
			continue
		}
		s.mu.Lock()
		if s.entry.State != Uncaptured && s.entry.Handler == h {
			t.set(s, Entry{})
			freed = append(freed, m)
			out = append(out, Transition{Kind: Cleared, Method: m, Handler: h, Frame: t.Frame(), Reason: reason})
		}
		s.mu.Unlock()
	}
	for _, tr := range out {
		t.emit(tr)
	}
	return freed
}

// Sweep clears entries for which valid reports false.
func (t *Table) Sweep(valid func(input.MethodID, input.HandlerID) bool, reason string) []Transition {
	var out []Transition
	for _, m := range t.methods() {
		s := t.lookup(m)
		if s == nil {
			continue
		}
		s.mu.Lock()
		e := s.entry
		if e.State != Uncaptured && !valid(m, e.Handler) {
			t.set(s, Entry{})
			out = append(out, Transition{Kind: Cleared, Method: m, Handler: e.Handler, Frame: t.Frame(), Reason: reason})
		}
		s.mu.Unlock()
	}
	for _, tr := range out {
		t.emit(tr)
	}
	return out
}

// Snapshot returns every non-empty entry.
func (t *Table) Snapshot() map[input.MethodID]Entry {
	out := make(map[input.MethodID]Entry)
	for _, m := range t.methods() {
		if e := t.Get(m); e.State != Uncaptured {
			out[m] = e
		}
	}
	return out
}

func (t *Table) methods() []input.MethodID {
	t.mu.RLock()
	ids := make([]input.MethodID, 0, len(t.slots))
	for m := range t.slots {
		ids = append(ids, m)
	}
	t.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
