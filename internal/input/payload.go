package input

import (
	"fmt"
	"math"

	"suis/internal/vmath"
)

// Kind tags the variant held by a Payload.
type Kind uint8

const (
	KindPointer Kind = iota + 1
	KindHand
	KindTip
)

func (k Kind) String() string {
	switch k {
	case KindPointer:
		return "pointer"
	case KindHand:
		return "hand"
	case KindTip:
		return "tip"
	default:
		return "unknown"
	}
}

// ParseKind accepts the names produced by Kind.String.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "pointer":
		return KindPointer, true
	case "hand":
		return KindHand, true
	case "tip":
		return KindTip, true
	default:
		return 0, false
	}
}

// Forward is the default pointing direction (-Z) in a method's local frame.
var Forward = vmath.V3(0, 0, -1)

// Pointer is a ray. Geometry is expressed in the method's local frame until it is
// relativized for delivery.
type Pointer struct {
	Origin    vmath.Vec3
	Direction vmath.Vec3
	// Deepest is the point along the ray closest to (or deepest inside) the receiving
	// handler's field. It is filled in during dispatch.
	Deepest vmath.Vec3
}

// Joint is one tracked hand joint.
type Joint struct {
	Position vmath.Vec3
	Rotation vmath.Quat
	Radius   float64
}

// Finger holds the joints of a non-thumb finger, tip first.
type Finger struct {
	Tip, Distal, Intermediate, Proximal, Metacarpal Joint
}

// Thumb holds the joints of a thumb, tip first.
type Thumb struct {
	Tip, Distal, Proximal, Metacarpal Joint
}

// JointName selects the joint a hand is ranked by.
type JointName string

const (
	JointPalm      JointName = "palm"
	JointWrist     JointName = "wrist"
	JointThumbTip  JointName = "thumb_tip"
	JointIndexTip  JointName = "index_tip"
	JointMiddleTip JointName = "middle_tip"
	JointRingTip   JointName = "ring_tip"
	JointLittleTip JointName = "little_tip"
)

// Hand is a tracked hand.
type Hand struct {
	Right  bool
	Thumb  Thumb
	Index  Finger
	Middle Finger
	Ring   Finger
	Little Finger
	Palm   Joint
	Wrist  Joint
	Elbow  *Joint
	// Reference is the joint used for ranking. Empty means the palm.
	Reference JointName
}

// Joint returns the named joint.
func (h *Hand) Joint(name JointName) (Joint, bool) {
	switch name {
	case JointPalm, "":
		return h.Palm, true
	case JointWrist:
		return h.Wrist, true
	case JointThumbTip:
		return h.Thumb.Tip, true
	case JointIndexTip:
		return h.Index.Tip, true
	case JointMiddleTip:
		return h.Middle.Tip, true
	case JointRingTip:
		return h.Ring.Tip, true
	case JointLittleTip:
		return h.Little.Tip, true
	}
	return Joint{}, false
}

func (h *Hand) joints(fn func(*Joint)) {
	for _, f := range []*Finger{&h.Index, &h.Middle, &h.Ring, &h.Little} {
		fn(&f.Tip)
		fn(&f.Distal)
		fn(&f.Intermediate)
		fn(&f.Proximal)
		fn(&f.Metacarpal)
	}
	fn(&h.Thumb.Tip)
	fn(&h.Thumb.Distal)
	fn(&h.Thumb.Proximal)
	fn(&h.Thumb.Metacarpal)
	fn(&h.Palm)
	fn(&h.Wrist)
	if h.Elbow != nil {
		fn(h.Elbow)
	}
}

// Tip is a single point of interaction such as a pen or controller tip.
type Tip struct {
	// Radius is the tip's radius of influence.
	Radius float64
}

// Payload is the kind-specific part of an input method. Only the field named by Kind
// is meaningful.
type Payload struct {
	Kind    Kind
	Pointer Pointer
	Hand    Hand
	Tip     Tip
}

// PointerPayload wraps a pointer. A zero direction defaults to Forward.
func PointerPayload(p Pointer) Payload {
	if p.Direction == (vmath.Vec3{}) {
		p.Direction = Forward
	}
	p.Direction = p.Direction.Normalize()
	return Payload{Kind: KindPointer, Pointer: p}
}

// HandPayload wraps a hand.
func HandPayload(h Hand) Payload {
	if h.Elbow != nil {
		elbow := *h.Elbow
		h.Elbow = &elbow
	}
	return Payload{Kind: KindHand, Hand: h}
}

// TipPayload wraps a tip.
func TipPayload(radius float64) Payload {
	return Payload{Kind: KindTip, Tip: Tip{Radius: radius}}
}

// Validate checks the payload's tag and that its geometry is finite.
func (p Payload) Validate() error {
	switch p.Kind {
	case KindPointer:
		if !p.Pointer.Origin.IsFinite() || !p.Pointer.Direction.IsFinite() {
			return fmt.Errorf("%w: pointer has non-finite geometry", ErrInvalidGeometry)
		}
		if p.Pointer.Direction.LenSq() == 0 {
			return fmt.Errorf("%w: pointer direction is zero", ErrInvalidGeometry)
		}
	case KindHand:
		var bad bool
		h := p.Hand
		h.joints(func(j *Joint) {
			if !(vmath.Pose{Position: j.Position, Rotation: j.Rotation}).IsFinite() || math.IsNaN(j.Radius) {
				bad = true
			}
		})
		if bad {
			return fmt.Errorf("%w: hand has non-finite joints", ErrInvalidGeometry)
		}
		if _, ok := h.Joint(h.Reference); !ok {
			return fmt.Errorf("%w: unknown reference joint %q", ErrInvalidGeometry, h.Reference)
		}
	case KindTip:
		if math.IsNaN(p.Tip.Radius) || math.IsInf(p.Tip.Radius, 0) || p.Tip.Radius < 0 {
			return fmt.Errorf("%w: tip radius %v", ErrInvalidGeometry, p.Tip.Radius)
		}
	default:
		return fmt.Errorf("%w: payload kind %d", ErrInvalidGeometry, p.Kind)
	}
	return nil
}

// LocalReference returns the point, in the method's local frame, that ranking measures
// field distance from.
func (p Payload) LocalReference() vmath.Vec3 {
	switch p.Kind {
	case KindPointer:
		return p.Pointer.Origin
	case KindHand:
		j, _ := p.Hand.Joint(p.Hand.Reference)
		return j.Position
	default:
		return vmath.Vec3{}
	}
}

// Transform maps every point, direction and orientation in the payload through t.
func (p Payload) Transform(t vmath.Pose) Payload {
	switch p.Kind {
	case KindPointer:
		p.Pointer.Origin = t.WorldPoint(p.Pointer.Origin)
		p.Pointer.Direction = t.Rotation.Rotate(p.Pointer.Direction)
		p.Pointer.Deepest = t.WorldPoint(p.Pointer.Deepest)
	case KindHand:
		if p.Hand.Elbow != nil {
			elbow := *p.Hand.Elbow
			p.Hand.Elbow = &elbow
		}
		p.Hand.joints(func(j *Joint) {
			j.Position = t.WorldPoint(j.Position)
			j.Rotation = t.Rotation.Normalize().Mul(j.Rotation.Normalize())
		})
	}
	return p
}
