// Package engine ties the registry, capture table, ranker and dispatcher into the
// arbitration engine clients talk to.
//
// Every mutation is validated and staged synchronously, then applied at the next frame
// boundary. A frame commits staged mutations, cleans up captures that lost their method,
// handler or field, promotes pending capture requests and dispatches input. Frames run
// one at a time, either driven by Run or stepped with Frame.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"suis/internal/capture"
	"suis/internal/config"
	"suis/internal/datamap"
	"suis/internal/dispatch"
	"suis/internal/field"
	"suis/internal/input"
	"suis/internal/logging"
	"suis/internal/metrics"
	"suis/internal/rank"
	"suis/internal/registry"
	"suis/internal/store"
	"suis/internal/vmath"
)

var (
	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("engine: closed")

	// ErrAlreadyRunning is returned when Run is called while the frame loop is running.
	ErrAlreadyRunning = errors.New("engine: already running")
)

// pruneEvery is how many frames pass between journal prunes.
const pruneEvery = 600

// Options wires an engine to its collaborators. Nil fields get working defaults.
type Options struct {
	// ConfigPath resolves relative datamap schema paths.
	ConfigPath string
	Logger     *logging.Logger
	Metrics    *metrics.EngineMetrics
	// Journal, if set, receives every frame and capture transition. The caller owns it.
	Journal *store.Store
}

type frameMark struct {
	frame uint64
	at    time.Time
}

// Engine is the input arbitration engine.
type Engine struct {
	logger  *logging.Logger
	log     *slog.Logger
	metrics *metrics.EngineMetrics
	journal *store.Store
	cfgPath string
	cfg     atomic.Pointer[config.Config]

	reg   *registry.Registry
	table *capture.Table
	disp  *dispatch.Dispatcher

	// frameMu serializes frames and Close.
	frameMu sync.Mutex
	frame   uint64
	started time.Time
	prev    time.Time
	last    atomic.Pointer[frameMark]

	pendingMu sync.Mutex
	pending   []store.Transition

	watchMu sync.Mutex
	watches map[input.HandlerID]func()

	interval chan time.Duration
	running  atomic.Bool
	closed   atomic.Bool
}

// New creates an engine configured by cfg. A nil cfg uses config.DefaultConfig.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}
	schemas, err := loadSchemas(cfg, opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		journal:  opts.Journal,
		cfgPath:  opts.ConfigPath,
		watches:  make(map[input.HandlerID]func()),
		interval: make(chan time.Duration, 1),
	}
	if e.logger == nil {
		e.logger = logging.Discard()
	}
	if e.metrics == nil {
		e.metrics = metrics.NewEngineMetrics(nil)
	}
	e.log = e.logger.WithComponent("engine")
	e.cfg.Store(cfg.Clone())

	// Frame numbers continue where the journal left off.
	if e.journal != nil {
		stats, err := e.journal.GetStats()
		if err != nil {
			return nil, fmt.Errorf("read journal: %w", err)
		}
		e.frame = stats.LastFrame
	}

	e.reg = registry.New(registry.Options{
		BufferSize: cfg.Engine.BufferSize,
		Limits:     datamapLimits(cfg),
		Schemas:    schemas,
		Telemetry:  e.metrics,
	})
	e.table = capture.New(e.observe)
	e.table.Guard(e.reg.Registered)
	e.disp = dispatch.New(e.table, rank.New(rankOptions(cfg)), dispatchOptions(cfg), e.logger.WithComponent("dispatch"))
	return e, nil
}

// Config returns the configuration in effect.
func (e *Engine) Config() *config.Config {
	return e.cfg.Load()
}

// Metrics returns the engine's metrics.
func (e *Engine) Metrics() *metrics.EngineMetrics {
	return e.metrics
}

// Snapshot returns the registry view the last frame dispatched against.
func (e *Engine) Snapshot() *registry.Snapshot {
	return e.reg.Snapshot()
}

// Captures returns every method that is captured or has a pending request.
func (e *Engine) Captures() map[input.MethodID]capture.Entry {
	return e.table.Snapshot()
}

// LastFrame reports the last completed frame and when it finished. The frame is zero
// before the first frame.
func (e *Engine) LastFrame() (uint64, time.Time) {
	if m := e.last.Load(); m != nil {
		return m.frame, m.at
	}
	return 0, time.Time{}
}

// CreateInputHandler registers a handler guarded by f. pose is relative to parent; pass
// the zero pose for world space. If f announces its destruction, captures held by the
// handler are cleared the moment it happens.
func (e *Engine) CreateInputHandler(parent, pose vmath.Pose, f field.Field, recv input.Receiver) (input.HandlerID, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	id, err := e.reg.RegisterHandler(input.HandlerSpec{Pose: parent.Compose(pose), Receiver: recv}, f)
	if err != nil {
		return 0, err
	}

	if obs, ok := f.(field.Observable); ok {
		cancel := obs.OnDestroy(func() { e.fieldDestroyed(id) })
		e.watchMu.Lock()
		e.watches[id] = cancel
		e.watchMu.Unlock()
	}
	e.log.Debug("handler created", "handler", id)
	return id, nil
}

// CreateTip registers a tip of the given radius. raw is the encoded datamap; nil means
// an empty map.
func (e *Engine) CreateTip(parent, pose vmath.Pose, radius float64, raw []byte) (input.MethodID, error) {
	return e.createMethod(parent, pose, input.TipPayload(radius), raw)
}

// CreatePointer registers a pointer. The ray is expressed in the method's local space.
func (e *Engine) CreatePointer(parent, pose vmath.Pose, p input.Pointer, raw []byte) (input.MethodID, error) {
	return e.createMethod(parent, pose, input.PointerPayload(p), raw)
}

// CreateHand registers a hand. Joints are expressed in the method's local space.
func (e *Engine) CreateHand(parent, pose vmath.Pose, h input.Hand, raw []byte) (input.MethodID, error) {
	return e.createMethod(parent, pose, input.HandPayload(h), raw)
}

// CreateMethod registers a method from a full spec, frame listener included.
func (e *Engine) CreateMethod(spec input.MethodSpec) (input.MethodID, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	id, err := e.reg.RegisterMethod(spec)
	if err != nil {
		e.countRejection(err)
		return 0, err
	}
	e.log.Debug("method created", "method", id, "kind", spec.Payload.Kind)
	return id, nil
}

func (e *Engine) createMethod(parent, pose vmath.Pose, payload input.Payload, raw []byte) (input.MethodID, error) {
	dm, err := e.parseDatamap(payload.Kind, raw)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", payload.Kind, err)
	}
	return e.CreateMethod(input.MethodSpec{Pose: parent.Compose(pose), Payload: payload, Datamap: dm})
}

func (e *Engine) parseDatamap(kind input.Kind, raw []byte) (*datamap.Datamap, error) {
	if raw == nil {
		return nil, nil
	}
	dm, err := e.reg.ParseDatamap(kind, raw)
	if err != nil {
		e.countRejection(err)
		return nil, err
	}
	return dm, nil
}

func (e *Engine) countRejection(err error) {
	if errors.Is(err, input.ErrMapInvalid) {
		e.metrics.DatamapRejectionsTotal.Inc()
	}
}

// SetDatamap replaces a method's datamap from its encoding.
func (e *Engine) SetDatamap(id input.MethodID, raw []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}
	err := e.reg.SetDatamap(id, raw)
	e.countRejection(err)
	return err
}

// SetRadius changes a tip's radius.
func (e *Engine) SetRadius(id input.MethodID, radius float64) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.reg.SetRadius(id, radius)
}

// UpdateMethod replaces a method's pose and payload, and its datamap unless raw is nil.
// Handlers see either the old or the new state, never a mix.
func (e *Engine) UpdateMethod(id input.MethodID, pose vmath.Pose, payload input.Payload, raw []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}
	dm, err := e.parseDatamap(payload.Kind, raw)
	if err != nil {
		return fmt.Errorf("update method: %w", err)
	}
	return e.reg.UpdateMethod(id, pose, payload, dm)
}

// MoveHandler replaces a handler's pose.
func (e *Engine) MoveHandler(id input.HandlerID, pose vmath.Pose) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.reg.MoveHandler(id, pose)
}

// Capture requests that handler h capture method m. The request takes effect at the next
// frame boundary; the first request for a method wins.
func (e *Engine) Capture(m input.MethodID, h input.HandlerID) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if _, ok := e.reg.MethodKind(m); !ok {
		return input.UnknownMethod("capture", m)
	}
	if !e.reg.HasHandler(h) {
		return input.UnknownHandler("capture", h)
	}
	return e.table.Request(m, h, e.table.Frame())
}

// Release gives up h's capture of m. Only the captor can release.
func (e *Engine) Release(m input.MethodID, h input.HandlerID) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if _, ok := e.reg.MethodKind(m); !ok {
		return input.UnknownMethod("release", m)
	}
	if !e.reg.HasHandler(h) {
		return input.UnknownHandler("release", h)
	}
	return e.table.Release(m, h)
}

// CaptureState returns m's capture entry.
func (e *Engine) CaptureState(m input.MethodID) (capture.Entry, error) {
	if _, ok := e.reg.MethodKind(m); !ok {
		return capture.Entry{}, input.UnknownMethod("capture state", m)
	}
	return e.table.Get(m), nil
}

// RemoveMethod removes a method. Its capture entry is cleared at once.
func (e *Engine) RemoveMethod(id input.MethodID) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if err := e.reg.RemoveMethod(id); err != nil {
		return err
	}
	e.table.ForgetMethod(id)
	e.log.Debug("method removed", "method", id)
	return nil
}

// RemoveHandler removes a handler. Every capture it holds or requested is cleared at once.
func (e *Engine) RemoveHandler(id input.HandlerID) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if err := e.reg.RemoveHandler(id); err != nil {
		return err
	}
	e.unwatch(id)
	e.table.ForgetHandler(id, "handler removed")
	e.log.Debug("handler removed", "handler", id)
	return nil
}

func (e *Engine) fieldDestroyed(id input.HandlerID) {
	if freed := e.table.ForgetHandler(id, "field destroyed"); len(freed) > 0 {
		e.log.Debug("field destroyed, captures cleared", "handler", id, "methods", len(freed))
	}
}

func (e *Engine) unwatch(id input.HandlerID) {
	e.watchMu.Lock()
	cancel, ok := e.watches[id]
	delete(e.watches, id)
	e.watchMu.Unlock()
	if ok {
		cancel()
	}
}

// observe receives every capture transition, possibly from dispatch goroutines.
func (e *Engine) observe(tr capture.Transition) {
	switch tr.Kind {
	case capture.Acquired:
		if tr.Reason == "request" {
			e.metrics.RequestedCapturesTotal.Inc()
		} else {
			e.metrics.CapturesTotal.Inc()
		}
	case capture.Released:
		e.metrics.ReleasesTotal.Inc()
	case capture.Cleared:
		e.metrics.ClearedTotal.Inc()
	}
	e.log.Debug("capture transition", "kind", tr.Kind, "method", tr.Method, "handler", tr.Handler, "frame", tr.Frame, "reason", tr.Reason)

	if e.journal == nil {
		return
	}
	e.pendingMu.Lock()
	e.pending = append(e.pending, store.Transition{
		Frame:       tr.Frame,
		Kind:        string(tr.Kind),
		Method:      uint64(tr.Method),
		Handler:     uint64(tr.Handler),
		Reason:      tr.Reason,
		TimestampNs: time.Now().UnixNano(),
	})
	e.pendingMu.Unlock()
}

func (e *Engine) takePending() []store.Transition {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	out := e.pending
	e.pending = nil
	return out
}

// Frame runs one frame. Cancelling ctx aborts dispatch; the capture table keeps its last
// committed state and the frame event is not sent.
func (e *Engine) Frame(ctx context.Context) (dispatch.Report, error) {
	e.frameMu.Lock()
	defer e.frameMu.Unlock()

	if e.closed.Load() {
		return dispatch.Report{}, ErrClosed
	}

	now := time.Now()
	if e.started.IsZero() {
		e.started = now
		e.prev = now
	}
	e.frame++
	info := input.FrameInfo{
		Frame:   e.frame,
		Delta:   now.Sub(e.prev),
		Elapsed: now.Sub(e.started),
	}
	e.prev = now

	snap := e.boundary(info.Frame)

	rep, err := e.disp.Step(ctx, info, snap)
	e.account(rep, snap)
	e.last.Store(&frameMark{frame: info.Frame, at: time.Now()})

	if e.journal != nil {
		e.record(context.WithoutCancel(ctx), rep, now)
	}
	return rep, err
}

// boundary applies staged mutations and brings the capture table in line with the
// new snapshot.
func (e *Engine) boundary(frame uint64) *registry.Snapshot {
	changes := e.reg.Commit()
	snap := e.reg.Snapshot()

	valid := func(m input.MethodID, h input.HandlerID) bool {
		if _, ok := snap.Method(m); !ok {
			return false
		}
		handler, ok := snap.Handler(h)
		return ok && handler.Active()
	}

	// Removals were cleared when requested; this catches captures written by a
	// dispatch that was still running against the old snapshot.
	for _, m := range changes.RemovedMethods {
		e.table.ForgetMethod(m)
	}
	for _, h := range changes.RemovedHandlers {
		e.table.ForgetHandler(h, "handler removed")
	}
	e.table.Promote(frame, valid)
	e.table.Sweep(valid, "field destroyed")

	if !changes.Empty() {
		e.log.Debug("mutations applied", "frame", frame, "applied", changes.Applied,
			"methods", len(snap.Methods), "handlers", len(snap.Handlers))
	}
	return snap
}

func (e *Engine) account(rep dispatch.Report, snap *registry.Snapshot) {
	for _, d := range rep.Deliveries {
		if d.Err != nil {
			e.metrics.HandlerFailed(failureReason(d.Err))
			continue
		}
		e.metrics.Delivered(d.Latency, d.ViaCapture)
	}
	e.metrics.FrameCompleted(rep.Duration, rep.Aborted)
	e.metrics.SetPopulation(len(snap.Methods), len(snap.Handlers), e.table.Captured())

	if interval := e.Config().FrameInterval(); rep.Duration > interval {
		e.log.Debug("frame overran its interval", "frame", rep.Frame, "duration", rep.Duration, "interval", interval)
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, dispatch.ErrTimeout):
		return "timeout"
	case errors.Is(err, dispatch.ErrMailboxFull):
		return "mailbox_full"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

// record writes the frame and the transitions buffered since the last one.
func (e *Engine) record(ctx context.Context, rep dispatch.Report, at time.Time) {
	captured := make(map[dispatch.Capture]bool, len(rep.Captures))
	for _, c := range rep.Captures {
		captured[c] = true
	}

	f := &store.Frame{
		Frame:       rep.Frame,
		TimestampNs: at.UnixNano(),
		Methods:     rep.Methods,
		Captures:    len(rep.Captures),
		Failures:    rep.Failures,
		FrameEvents: rep.FrameEvents,
		Aborted:     rep.Aborted,
		DurationNs:  rep.Duration.Nanoseconds(),
		Deliveries:  make([]store.Delivery, 0, len(rep.Deliveries)),
	}
	for i, d := range rep.Deliveries {
		sd := store.Delivery{
			Ordinal:    i,
			Method:     uint64(d.Method),
			Handler:    uint64(d.Handler),
			Order:      d.Order,
			Distance:   d.Distance,
			ViaCapture: d.ViaCapture,
			Captured:   d.Err == nil && captured[dispatch.Capture{Method: d.Method, Handler: d.Handler}],
			LatencyNs:  d.Latency.Nanoseconds(),
		}
		if d.Err != nil {
			sd.Error = d.Err.Error()
		}
		f.Deliveries = append(f.Deliveries, sd)
	}

	transitions := e.takePending()
	if _, err := e.journal.RecordFrame(ctx, f, transitions); err != nil {
		e.log.Warn("journal frame failed", "frame", rep.Frame, "error", err)
		return
	}

	keep := e.Config().Journal.KeepFrames
	if keep > 0 && rep.Frame%pruneEvery == 0 {
		if n, err := e.journal.Prune(ctx, uint64(keep)); err != nil {
			e.log.Warn("journal prune failed", "error", err)
		} else if n > 0 {
			e.log.Debug("journal pruned", "frames", n)
		}
	}
}

// Run steps frames at the configured frame rate until ctx ends or the engine is closed.
// It returns ctx.Err() on cancellation.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)

	ticker := time.NewTicker(e.Config().FrameInterval())
	defer ticker.Stop()
	e.log.Info("frame loop started", "interval", e.Config().FrameInterval())

	for {
		select {
		case <-ctx.Done():
			e.log.Info("frame loop stopped", "frame", e.frameNumber())
			return ctx.Err()
		case d := <-e.interval:
			ticker.Reset(d)
			e.log.Info("frame interval changed", "interval", d)
		case <-ticker.C:
			if _, err := e.Frame(ctx); err != nil {
				if errors.Is(err, ErrClosed) {
					return nil
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				e.log.Warn("frame failed", "error", err)
			}
		}
	}
}

func (e *Engine) frameNumber() uint64 {
	n, _ := e.LastFrame()
	return n
}

// ApplyConfig switches to cfg from the next frame on. Buffer size and journal settings
// other than keep_frames need a restart.
func (e *Engine) ApplyConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}
	schemas, err := loadSchemas(cfg, e.cfgPath)
	if err != nil {
		return err
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}

	old := e.cfg.Swap(cfg.Clone())
	e.reg.SetDatamapRules(datamapLimits(cfg), schemas)
	e.disp.SetRanker(rank.New(rankOptions(cfg)))
	e.disp.Configure(dispatchOptions(cfg))
	e.logger.SetLevel(level)

	if cfg.FrameInterval() != old.FrameInterval() {
		// Keep only the newest interval.
		select {
		case <-e.interval:
		default:
		}
		e.interval <- cfg.FrameInterval()
	}
	if cfg.Engine.BufferSize != old.Engine.BufferSize {
		e.log.Warn("engine.buffer_size changes apply after restart")
	}
	if cfg.Journal.Enabled != old.Journal.Enabled || cfg.Journal.Path != old.Journal.Path {
		e.log.Warn("journal changes apply after restart")
	}
	e.log.Info("configuration applied", "frame_rate", cfg.Engine.FrameRate, "policy", cfg.Ranking.Policy)
	return nil
}

// Close stops dispatch, waiting for a frame in progress, and flushes buffered
// transitions to the journal.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.frameMu.Lock()
	defer e.frameMu.Unlock()

	e.watchMu.Lock()
	for id, cancel := range e.watches {
		cancel()
		delete(e.watches, id)
	}
	e.watchMu.Unlock()

	e.disp.Close()

	if e.journal == nil {
		return nil
	}
	if pending := e.takePending(); len(pending) > 0 {
		if err := e.journal.RecordTransitions(context.Background(), pending); err != nil {
			return fmt.Errorf("flush transitions: %w", err)
		}
	}
	return nil
}
