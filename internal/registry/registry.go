// Package registry owns the canonical sets of input methods and input handlers.
//
// Mutations may arrive from any goroutine. Each one is validated immediately against
// the staged view (everything accepted so far, committed or not) and queued; Commit
// applies the queue in arrival order at the frame boundary and publishes a new
// immutable Snapshot, so a frame's dispatch never sees a half-applied change.
package registry

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"suis/internal/datamap"
	"suis/internal/field"
	"suis/internal/input"
	"suis/internal/vmath"
)

// ErrBufferFull is returned when more mutations are queued than a frame can hold.
var ErrBufferFull = errors.New("registry: mutation buffer full")

// DefaultBufferSize is used when Options.BufferSize is zero.
const DefaultBufferSize = 4096

type op uint8

const (
	opAddMethod op = iota + 1
	opAddHandler
	opUpdateMethod
	opSetDatamap
	opSetRadius
	opMoveHandler
	opRemoveMethod
	opRemoveHandler
)

type command struct {
	op      op
	method  input.Method
	handler input.Handler
	pose    vmath.Pose
	payload input.Payload
	datamap *datamap.Datamap
	radius  float64
}

// Options configures a Registry.
type Options struct {
	BufferSize int
	Limits     datamap.Limits
	// Schemas optionally constrain datamaps per method kind.
	Schemas   map[input.Kind]*datamap.Schema
	Telemetry Telemetry
}

// Changes summarizes one Commit.
type Changes struct {
	Applied         int
	AddedMethods    []input.MethodID
	AddedHandlers   []input.HandlerID
	RemovedMethods  []input.MethodID
	RemovedHandlers []input.HandlerID
}

// Empty reports whether the commit applied nothing.
func (c Changes) Empty() bool { return c.Applied == 0 }

// Registry holds live methods and handlers.
type Registry struct {
	mu             sync.Mutex
	nextMethod     uint64
	nextHandler    uint64
	stagedMethods  map[input.MethodID]input.Kind
	stagedHandlers map[input.HandlerID]struct{}
	limits         datamap.Limits
	schemas        map[input.Kind]*datamap.Schema

	buf *commandBuffer

	commitMu sync.Mutex
	methods  map[input.MethodID]input.Method
	handlers map[input.HandlerID]input.Handler
	version  uint64
	snap     atomic.Pointer[Snapshot]
}

// New creates an empty registry.
func New(opts Options) *Registry {
	size := opts.BufferSize
	if size == 0 {
		size = DefaultBufferSize
	}
	limits := opts.Limits
	if limits == (datamap.Limits{}) {
		limits = datamap.DefaultLimits
	}
	r := &Registry{
		stagedMethods:  make(map[input.MethodID]input.Kind),
		stagedHandlers: make(map[input.HandlerID]struct{}),
		limits:         limits,
		schemas:        copySchemas(opts.Schemas),
		buf:            newCommandBuffer(size, opts.Telemetry),
		methods:        make(map[input.MethodID]input.Method),
		handlers:       make(map[input.HandlerID]input.Handler),
	}
	r.snap.Store(emptySnapshot())
	return r
}

// SetDatamapRules replaces the datamap limits and schemas used for new mutations.
func (r *Registry) SetDatamapRules(limits datamap.Limits, schemas map[input.Kind]*datamap.Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limits == (datamap.Limits{}) {
		limits = datamap.DefaultLimits
	}
	r.limits = limits
	r.schemas = copySchemas(schemas)
}

// ParseDatamap validates raw as a datamap for a method of the given kind.
func (r *Registry) ParseDatamap(kind input.Kind, raw []byte) (*datamap.Datamap, error) {
	r.mu.Lock()
	limits, schema := r.limits, r.schemas[kind]
	r.mu.Unlock()

	m, err := limits.Parse(raw)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *Registry) checkDatamapLocked(kind input.Kind, m *datamap.Datamap) (*datamap.Datamap, error) {
	if m == nil {
		return datamap.Empty(), nil
	}
	if err := r.schemas[kind].Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

// RegisterMethod stages a new input method.
func (r *Registry) RegisterMethod(spec input.MethodSpec) (input.MethodID, error) {
	if err := input.ValidatePose(spec.Pose); err != nil {
		return 0, fmt.Errorf("register method: %w", err)
	}
	if err := spec.Payload.Validate(); err != nil {
		return 0, fmt.Errorf("register method: %w", err)
	}
	uid := spec.UID
	if uid == "" {
		uid = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	dm, err := r.checkDatamapLocked(spec.Payload.Kind, spec.Datamap)
	if err != nil {
		return 0, fmt.Errorf("register method: %w", err)
	}
	id := input.MethodID(r.nextMethod + 1)
	cmd := command{op: opAddMethod, method: input.Method{
		ID:       id,
		UID:      uid,
		Pose:     spec.Pose,
		Payload:  spec.Payload,
		Datamap:  dm,
		Listener: spec.Listener,
	}}
	if !r.buf.push(cmd) {
		return 0, fmt.Errorf("register method: %w", ErrBufferFull)
	}
	r.nextMethod++
	r.stagedMethods[id] = spec.Payload.Kind
	return id, nil
}

// RegisterHandler stages a new input handler guarded by f.
func (r *Registry) RegisterHandler(spec input.HandlerSpec, f field.Field) (input.HandlerID, error) {
	if f == nil {
		return 0, &input.Error{Op: "register handler", Entity: input.EntityField, Err: input.ErrUnknownID}
	}
	if spec.Receiver == nil {
		return 0, errors.New("register handler: nil receiver")
	}
	if err := input.ValidatePose(spec.Pose); err != nil {
		return 0, fmt.Errorf("register handler: %w", err)
	}
	uid := spec.UID
	if uid == "" {
		uid = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := input.HandlerID(r.nextHandler + 1)
	cmd := command{op: opAddHandler, handler: input.Handler{
		ID:       id,
		UID:      uid,
		Seq:      r.nextHandler + 1,
		Pose:     spec.Pose,
		Field:    f,
		Receiver: spec.Receiver,
	}}
	if !r.buf.push(cmd) {
		return 0, fmt.Errorf("register handler: %w", ErrBufferFull)
	}
	r.nextHandler++
	r.stagedHandlers[id] = struct{}{}
	return id, nil
}

// UpdateMethod replaces a method's pose and payload, and its datamap unless dm is nil.
// The payload kind cannot change.
func (r *Registry) UpdateMethod(id input.MethodID, pose vmath.Pose, payload input.Payload, dm *datamap.Datamap) error {
	if err := input.ValidatePose(pose); err != nil {
		return fmt.Errorf("update method: %w", err)
	}
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("update method: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	kind, ok := r.stagedMethods[id]
	if !ok {
		return input.UnknownMethod("update method", id)
	}
	if kind != payload.Kind {
		return &input.Error{Op: "update method", Entity: input.EntityMethod, ID: uint64(id),
			Err: fmt.Errorf("%w: %s is a %s", input.ErrWrongKind, id, kind)}
	}
	if dm != nil {
		if err := r.schemas[kind].Validate(dm); err != nil {
			return fmt.Errorf("update method: %w", err)
		}
	}
	return r.pushLocked("update method", command{op: opUpdateMethod, method: input.Method{ID: id}, pose: pose, payload: payload, datamap: dm})
}

// SetDatamap validates raw and stages it as the method's new datamap. A malformed map is
// rejected here and never becomes visible to handlers.
func (r *Registry) SetDatamap(id input.MethodID, raw []byte) error {
	r.mu.Lock()
	kind, ok := r.stagedMethods[id]
	limits, schema := r.limits, r.schemas[kind]
	r.mu.Unlock()
	if !ok {
		return input.UnknownMethod("set datamap", id)
	}

	m, err := limits.Parse(raw)
	if err == nil {
		err = schema.Validate(m)
	}
	if err != nil {
		return &input.Error{Op: "set datamap", Entity: input.EntityMethod, ID: uint64(id), Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stagedMethods[id]; !ok {
		return input.UnknownMethod("set datamap", id)
	}
	return r.pushLocked("set datamap", command{op: opSetDatamap, method: input.Method{ID: id}, datamap: m})
}

// SetRadius changes a tip's radius of influence.
func (r *Registry) SetRadius(id input.MethodID, radius float64) error {
	if math.IsNaN(radius) || math.IsInf(radius, 0) || radius < 0 {
		return fmt.Errorf("set radius: %w: radius %v", input.ErrInvalidGeometry, radius)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	kind, ok := r.stagedMethods[id]
	if !ok {
		return input.UnknownMethod("set radius", id)
	}
	if kind != input.KindTip {
		return &input.Error{Op: "set radius", Entity: input.EntityMethod, ID: uint64(id),
			Err: fmt.Errorf("%w: %s is a %s", input.ErrWrongKind, id, kind)}
	}
	return r.pushLocked("set radius", command{op: opSetRadius, method: input.Method{ID: id}, radius: radius})
}

// MoveHandler replaces a handler's pose. The handler's field is not touched.
func (r *Registry) MoveHandler(id input.HandlerID, pose vmath.Pose) error {
	if err := input.ValidatePose(pose); err != nil {
		return fmt.Errorf("move handler: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.stagedHandlers[id]; !ok {
		return input.UnknownHandler("move handler", id)
	}
	return r.pushLocked("move handler", command{op: opMoveHandler, handler: input.Handler{ID: id}, pose: pose})
}

// RemoveMethod stages the removal of a method. The id is unknown to every later call.
func (r *Registry) RemoveMethod(id input.MethodID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.stagedMethods[id]; !ok {
		return input.UnknownMethod("remove method", id)
	}
	if err := r.pushLocked("remove method", command{op: opRemoveMethod, method: input.Method{ID: id}}); err != nil {
		return err
	}
	delete(r.stagedMethods, id)
	return nil
}

// RemoveHandler stages the removal of a handler.
func (r *Registry) RemoveHandler(id input.HandlerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.stagedHandlers[id]; !ok {
		return input.UnknownHandler("remove handler", id)
	}
	if err := r.pushLocked("remove handler", command{op: opRemoveHandler, handler: input.Handler{ID: id}}); err != nil {
		return err
	}
	delete(r.stagedHandlers, id)
	return nil
}

func (r *Registry) pushLocked(opName string, cmd command) error {
	if !r.buf.push(cmd) {
		return fmt.Errorf("%s: %w", opName, ErrBufferFull)
	}
	return nil
}

// MethodKind reports the kind of a method in the staged view.
func (r *Registry) MethodKind(id input.MethodID) (input.Kind, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kind, ok := r.stagedMethods[id]
	return kind, ok
}

// HasHandler reports whether a handler exists in the staged view.
func (r *Registry) HasHandler(id input.HandlerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.stagedHandlers[id]
	return ok
}

// Registered reports whether both the method and the handler exist in the staged view.
func (r *Registry) Registered(m input.MethodID, h input.HandlerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, okm := r.stagedMethods[m]
	_, okh := r.stagedHandlers[h]
	return okm && okh
}

// Pending reports how many mutations wait for the next Commit.
func (r *Registry) Pending() int {
	return r.buf.len()
}

// Commit applies every queued mutation in arrival order and publishes a new snapshot.
// It must be called from the frame loop only.
func (r *Registry) Commit() Changes {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	var ch Changes
	for _, cmd := range r.buf.drain() {
		if r.apply(cmd, &ch) {
			ch.Applied++
		}
	}
	if ch.Applied > 0 {
		r.version++
		r.snap.Store(r.buildSnapshot())
	}
	return ch
}

func (r *Registry) apply(cmd command, ch *Changes) bool {
	switch cmd.op {
	case opAddMethod:
		r.methods[cmd.method.ID] = cmd.method
		ch.AddedMethods = append(ch.AddedMethods, cmd.method.ID)
	case opAddHandler:
		r.handlers[cmd.handler.ID] = cmd.handler
		ch.AddedHandlers = append(ch.AddedHandlers, cmd.handler.ID)
	case opUpdateMethod:
		m, ok := r.methods[cmd.method.ID]
		if !ok {
			return false
		}
		m.Pose = cmd.pose
		m.Payload = cmd.payload
		if cmd.datamap != nil {
			m.Datamap = cmd.datamap
		}
		r.methods[m.ID] = m
	case opSetDatamap:
		m, ok := r.methods[cmd.method.ID]
		if !ok {
			return false
		}
		m.Datamap = cmd.datamap
		r.methods[m.ID] = m
	case opSetRadius:
		m, ok := r.methods[cmd.method.ID]
		if !ok {
			return false
		}
		m.Payload.Tip.Radius = cmd.radius
		r.methods[m.ID] = m
	case opMoveHandler:
		h, ok := r.handlers[cmd.handler.ID]
		if !ok {
			return false
		}
		h.Pose = cmd.pose
		r.handlers[h.ID] = h
	case opRemoveMethod:
		if _, ok := r.methods[cmd.method.ID]; !ok {
			return false
		}
		delete(r.methods, cmd.method.ID)
		ch.RemovedMethods = append(ch.RemovedMethods, cmd.method.ID)
	case opRemoveHandler:
		if _, ok := r.handlers[cmd.handler.ID]; !ok {
			return false
		}
		delete(r.handlers, cmd.handler.ID)
		ch.RemovedHandlers = append(ch.RemovedHandlers, cmd.handler.ID)
	default:
		return false
	}
	return true
}

// Snapshot returns the view published by the last Commit. It never changes.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

func (r *Registry) buildSnapshot() *Snapshot {
	s := &Snapshot{
		Version:      r.version,
		Methods:      make([]input.Method, 0, len(r.methods)),
		Handlers:     make([]input.Handler, 0, len(r.handlers)),
		methodIndex:  make(map[input.MethodID]int, len(r.methods)),
		handlerIndex: make(map[input.HandlerID]int, len(r.handlers)),
	}
	for _, m := range r.methods {
		s.Methods = append(s.Methods, m)
	}
	for _, h := range r.handlers {
		s.Handlers = append(s.Handlers, h)
	}
	sort.Slice(s.Methods, func(i, j int) bool { return s.Methods[i].ID < s.Methods[j].ID })
	sort.Slice(s.Handlers, func(i, j int) bool { return s.Handlers[i].Seq < s.Handlers[j].Seq })
	for i, m := range s.Methods {
		s.methodIndex[m.ID] = i
	}
	for i, h := range s.Handlers {
		s.handlerIndex[h.ID] = i
	}
	return s
}

func copySchemas(in map[input.Kind]*datamap.Schema) map[input.Kind]*datamap.Schema {
	out := make(map[input.Kind]*datamap.Schema, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
