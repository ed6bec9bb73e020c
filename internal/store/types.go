// Package store provides the SQLite dispatch journal for suisd.
//
// Every completed frame is written with its delivery list and a BLAKE2b digest over
// both, so a journal can later be checked for tampering or partial writes. Capture
// transitions are written as they happen.
package store

// Frame is one journaled frame.
type Frame struct {
	Frame       uint64
	TimestampNs int64
	Methods     int
	Captures    int
	Failures    int
	FrameEvents int
	Aborted     bool
	DurationNs  int64
	Digest      [32]byte
	Deliveries  []Delivery
}

// Delivery is one input event sent during a frame, in the order it was sent for
// its method.
type Delivery struct {
	Ordinal    int
	Method     uint64
	Handler    uint64
	Order      int
	Distance   float64
	ViaCapture bool
	Captured   bool
	LatencyNs  int64
	Error      string
}

// Transition is one change of a method's capture state.
type Transition struct {
	ID          int64
	Frame       uint64
	Kind        string
	Method      uint64
	Handler     uint64
	Reason      string
	TimestampNs int64
}

// Stats summarizes a journal.
type Stats struct {
	Frames      int64
	Aborted     int64
	Deliveries  int64
	Failures    int64
	Transitions int64
	FirstFrame  uint64
	LastFrame   uint64
}
