package metrics

import "time"

// EngineMetrics holds the arbitration engine's metrics.
type EngineMetrics struct {
	registry *Registry

	FramesTotal            *Counter
	FramesAbortedTotal     *Counter
	DeliveriesTotal        *Counter
	CapturedDeliveries     *Counter
	CapturesTotal          *Counter
	RequestedCapturesTotal *Counter
	ReleasesTotal          *Counter
	ClearedTotal           *Counter
	DatamapRejectionsTotal *Counter
	BufferOverflowsTotal   *Counter

	LiveMethods     *Gauge
	LiveHandlers    *Gauge
	CapturedMethods *Gauge
	BufferOccupied  *Gauge

	FrameDuration  *Histogram
	HandlerLatency *Histogram

	failures map[string]*Counter
}

// Failure reasons used as the "reason" label of handler_failures_total.
var FailureReasons = []string{"error", "timeout", "mailbox_full", "cancelled"}

// NewEngineMetrics creates and registers all engine metrics.
func NewEngineMetrics(registry *Registry) *EngineMetrics {
	if registry == nil {
		registry = NewRegistry("suis")
	}

	m := &EngineMetrics{
		registry: registry,

		FramesTotal:            registry.Counter("frames_total", "Frames dispatched", nil),
		FramesAbortedTotal:     registry.Counter("frames_aborted_total", "Frames cancelled before the frame event", nil),
		DeliveriesTotal:        registry.Counter("deliveries_total", "Input events delivered to handlers", nil),
		CapturedDeliveries:     registry.Counter("captured_deliveries_total", "Input events delivered straight to a captor", nil),
		CapturesTotal:          registry.Counter("captures_total", "Methods captured", Labels{"source": "input"}),
		RequestedCapturesTotal: registry.Counter("captures_total", "Methods captured", Labels{"source": "request"}),
		ReleasesTotal:          registry.Counter("releases_total", "Captures released by their captor", nil),
		ClearedTotal:           registry.Counter("captures_cleared_total", "Captures cleared by removal or a dead field", nil),
		DatamapRejectionsTotal: registry.Counter("datamap_rejections_total", "Datamaps rejected as malformed", nil),
		BufferOverflowsTotal:   registry.Counter("registry_buffer_overflows_total", "Mutations rejected because the buffer was full", nil),

		LiveMethods:     registry.Gauge("live_methods", "Registered input methods", nil),
		LiveHandlers:    registry.Gauge("live_handlers", "Registered input handlers", nil),
		CapturedMethods: registry.Gauge("captured_methods", "Methods currently captured", nil),
		BufferOccupied:  registry.Gauge("registry_buffer_occupancy", "Mutations waiting for the next frame", nil),

		FrameDuration:  registry.Histogram("frame_duration_seconds", "Time to dispatch one frame", nil, FrameBuckets),
		HandlerLatency: registry.Histogram("handler_latency_seconds", "Time a handler took to answer one input event", nil, FrameBuckets),

		failures: make(map[string]*Counter, len(FailureReasons)),
	}
	for _, reason := range FailureReasons {
		m.failures[reason] = registry.Counter("handler_failures_total", "Deliveries that errored, panicked or timed out", Labels{"reason": reason})
	}
	return m
}

// Registry returns the registry the metrics live in.
func (m *EngineMetrics) Registry() *Registry {
	return m.registry
}

// FrameCompleted records one frame.
func (m *EngineMetrics) FrameCompleted(d time.Duration, aborted bool) {
	if aborted {
		m.FramesAbortedTotal.Inc()
		return
	}
	m.FramesTotal.Inc()
	m.FrameDuration.ObserveDuration(d)
}

// Delivered records one input event.
func (m *EngineMetrics) Delivered(latency time.Duration, viaCapture bool) {
	m.DeliveriesTotal.Inc()
	if viaCapture {
		m.CapturedDeliveries.Inc()
	}
	m.HandlerLatency.ObserveDuration(latency)
}

// HandlerFailed records a failed delivery. Unknown reasons count as "error".
func (m *EngineMetrics) HandlerFailed(reason string) {
	c, ok := m.failures[reason]
	if !ok {
		c = m.failures["error"]
	}
	c.Inc()
}

// SetPopulation updates the entity gauges.
func (m *EngineMetrics) SetPopulation(methods, handlers, captured int) {
	m.LiveMethods.Set(int64(methods))
	m.LiveHandlers.Set(int64(handlers))
	m.CapturedMethods.Set(int64(captured))
}

// BufferOccupancy implements registry.Telemetry.
func (m *EngineMetrics) BufferOccupancy(n int) {
	m.BufferOccupied.Set(int64(n))
}

// BufferOverflow implements registry.Telemetry.
func (m *EngineMetrics) BufferOverflow() {
	m.BufferOverflowsTotal.Inc()
}
