// Package input holds the types shared by every stage of spatial input arbitration.
//
// Input methods are entities that emit spatial input: a pointer (ray), a tracked hand,
// or a tip (a single point of interaction, like a controller). Each carries a datamap
// with non-spatial state such as buttons or grip strength.
//
// Input handlers are entities that react to spatial input. Each is guarded by a field,
// which ranking uses to decide who gets input first. Handlers only ever see input
// relative to themselves, and return Capture from Input to claim a method so that no
// other handler receives it on later frames.
//
// Every frame, for each input method the engine:
//   - sorts the handlers by the distance from the method to their fields (absolute
//     distance by default, so enclosed methods are not starved);
//   - delivers input in that order until a handler captures the method;
//   - and, once every method is done, sends the frame event.
//
// Handlers should ignore interactions triggered on the same frame a method first becomes
// visible to them (Event.FirstSeen == Event.Frame) when their field may be closer than a
// handler that already captured the method. Capturing may be delayed a frame or two.
package input

import (
	"context"
	"fmt"
	"time"

	"suis/internal/datamap"
	"suis/internal/field"
	"suis/internal/vmath"
)

// MethodID identifies an input method for the lifetime of an engine. Ids are never reused.
type MethodID uint64

// HandlerID identifies an input handler for the lifetime of an engine. Ids are never reused.
type HandlerID uint64

func (id MethodID) String() string  { return fmt.Sprintf("method-%d", uint64(id)) }
func (id HandlerID) String() string { return fmt.Sprintf("handler-%d", uint64(id)) }

// CaptureIntent is a handler's answer to an input event.
type CaptureIntent bool

const (
	Pass    CaptureIntent = false
	Capture CaptureIntent = true
)

// Receiver is the capability every input handler implements. Input is never called
// concurrently for the same handler.
type Receiver interface {
	Input(ctx context.Context, ev Event) (CaptureIntent, error)
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ctx context.Context, ev Event) (CaptureIntent, error)

func (f ReceiverFunc) Input(ctx context.Context, ev Event) (CaptureIntent, error) {
	return f(ctx, ev)
}

// FrameInfo describes one frame.
type FrameInfo struct {
	Frame   uint64
	Delta   time.Duration
	Elapsed time.Duration
}

// FrameListener receives the per-frame lifecycle event after all of that frame's input.
// Receivers and method listeners may implement it.
type FrameListener interface {
	Frame(info FrameInfo)
}

// Method is one input method as seen by a single frame.
type Method struct {
	ID       MethodID
	UID      string
	Pose     vmath.Pose
	Payload  Payload
	Datamap  *datamap.Datamap
	Listener FrameListener
}

// Handler is one input handler as seen by a single frame.
type Handler struct {
	ID       HandlerID
	UID      string
	Seq      uint64
	Pose     vmath.Pose
	Field    field.Field
	Receiver Receiver
}

// Active reports whether the handler's field still exists.
func (h Handler) Active() bool {
	return h.Field != nil && h.Field.Alive()
}

// MethodSpec describes a method to register.
type MethodSpec struct {
	// UID is the client-visible name. Empty generates one.
	UID      string
	Pose     vmath.Pose
	Payload  Payload
	Datamap  *datamap.Datamap
	Listener FrameListener
}

// HandlerSpec describes a handler to register. Its field is passed alongside.
type HandlerSpec struct {
	UID      string
	Pose     vmath.Pose
	Receiver Receiver
}

// Event is one input delivery. All spatial data is relative to the receiving handler.
type Event struct {
	Frame     uint64
	Method    MethodID
	MethodUID string
	Handler   HandlerID
	Kind      Kind
	// Pose is the method's pose in the handler's local frame.
	Pose    vmath.Pose
	Payload Payload
	// Distance is the ranking distance (after the field's policy); SignedDistance is
	// the raw field value.
	Distance       float64
	SignedDistance float64
	// Order is the handler's position in this frame's ranking, 0 for the closest.
	Order int
	// Captured is true when the handler already holds the capture and ranking was skipped.
	Captured      bool
	CapturedSince uint64
	// FirstSeen is the frame this handler started receiving this method without a gap.
	FirstSeen uint64
	Datamap   *datamap.Datamap
}

// Relativize expresses m's pose and payload in the frame of a handler at handlerPose.
func Relativize(m Method, handlerPose vmath.Pose) (vmath.Pose, Payload) {
	rel := handlerPose.Relativize(m.Pose)
	return rel, m.Payload.Transform(rel)
}

// ValidatePose rejects poses that contain NaN or infinite values.
func ValidatePose(p vmath.Pose) error {
	if !p.IsFinite() {
		return fmt.Errorf("%w: pose is not finite", ErrInvalidGeometry)
	}
	return nil
}
