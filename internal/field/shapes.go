package field

import (
	"math"
	"sync"

	"suis/internal/vmath"
)

// Sphere is a movable sphere field.
type Sphere struct {
	Lifetime

	mu     sync.RWMutex
	center vmath.Vec3
	radius float64
}

// NewSphere creates a sphere field centered at center in world space.
func NewSphere(center vmath.Vec3, radius float64) *Sphere {
	return &Sphere{center: center, radius: radius}
}

func (s *Sphere) Distance(p vmath.Vec3) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return vmath.Dist(p, s.center) - s.radius
}

// Center returns the sphere's center.
func (s *Sphere) Center() vmath.Vec3 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.center
}

// Move relocates the sphere's center.
func (s *Sphere) Move(center vmath.Vec3) {
	s.mu.Lock()
	s.center = center
	s.mu.Unlock()
}

// SetRadius resizes the sphere.
func (s *Sphere) SetRadius(r float64) {
	s.mu.Lock()
	s.radius = r
	s.mu.Unlock()
}

// Box is an oriented box field described by its pose and half extents.
type Box struct {
	Lifetime

	mu   sync.RWMutex
	pose vmath.Pose
	half vmath.Vec3
}

// NewBox creates a box field with the given world pose and size (full extents).
func NewBox(pose vmath.Pose, size vmath.Vec3) *Box {
	return &Box{pose: pose, half: size.Scale(0.5)}
}

func (b *Box) Distance(p vmath.Vec3) float64 {
	b.mu.RLock()
	local := b.pose.LocalPoint(p)
	half := b.half
	b.mu.RUnlock()

	q := vmath.V3(math.Abs(local.X)-half.X, math.Abs(local.Y)-half.Y, math.Abs(local.Z)-half.Z)
	outside := vmath.V3(math.Max(q.X, 0), math.Max(q.Y, 0), math.Max(q.Z, 0)).Len()
	inside := math.Min(math.Max(q.X, math.Max(q.Y, q.Z)), 0)
	return outside + inside
}

// Static wraps a plain distance function as an always-alive field with a fixed policy.
// Tests use it to pin distances.
type Static struct {
	Lifetime
	Fn     func(vmath.Vec3) float64
	Policy Policy
}

func (s *Static) Distance(p vmath.Vec3) float64 {
	return s.Fn(p)
}

func (s *Static) DistancePolicy() Policy {
	return s.Policy
}

// Constant returns a field that reports d everywhere.
func Constant(d float64) *Static {
	return &Static{Fn: func(vmath.Vec3) float64 { return d }}
}
