package vmath

import "math"

// Quat is a rotation quaternion. The zero value is treated as the identity rotation.
type Quat struct {
	X, Y, Z, W float64
}

// IdentityQuat is the no-op rotation.
var IdentityQuat = Quat{W: 1}

// QuatFromAxisAngle builds a rotation of angle radians around axis.
func QuatFromAxisAngle(axis Vec3, angle float64) Quat {
	a := axis.Normalize()
	if a == (Vec3{}) {
		return IdentityQuat
	}
	s, c := math.Sincos(angle / 2)
	return Quat{a.X * s, a.Y * s, a.Z * s, c}
}

// Normalize returns q scaled to unit length. A zero quaternion normalizes to identity.
func (q Quat) Normalize() Quat {
	l := math.Sqrt(q.X*q.X + q.Y*q.Y + q.Z*q.Z + q.W*q.W)
	if l == 0 || math.IsNaN(l) {
		return IdentityQuat
	}
	inv := 1.0 / l
	return Quat{q.X * inv, q.Y * inv, q.Z * inv, q.W * inv}
}

// Conjugate is the inverse of a unit quaternion.
func (q Quat) Conjugate() Quat {
	return Quat{-q.X, -q.Y, -q.Z, q.W}
}

// Mul returns q * o: the rotation o followed by q.
func (q Quat) Mul(o Quat) Quat {
	return Quat{
		X: q.W*o.X + q.X*o.W + q.Y*o.Z - q.Z*o.Y,
		Y: q.W*o.Y - q.X*o.Z + q.Y*o.W + q.Z*o.X,
		Z: q.W*o.Z + q.X*o.Y - q.Y*o.X + q.Z*o.W,
		W: q.W*o.W - q.X*o.X - q.Y*o.Y - q.Z*o.Z,
	}
}

// Rotate applies the rotation to v.
func (q Quat) Rotate(v Vec3) Vec3 {
	q = q.Normalize()
	u := Vec3{q.X, q.Y, q.Z}
	// v' = v + 2w(u x v) + 2(u x (u x v))
	t := u.Cross(v).Scale(2)
	return v.Add(t.Scale(q.W)).Add(u.Cross(t))
}

// ApproxEqual compares rotations, treating q and -q as the same rotation.
func (q Quat) ApproxEqual(o Quat, eps float64) bool {
	a, b := q.Normalize(), o.Normalize()
	dot := a.X*b.X + a.Y*b.Y + a.Z*b.Z + a.W*b.W
	return math.Abs(math.Abs(dot)-1) <= eps
}

// Pose is a rigid transform: a position and an orientation.
type Pose struct {
	Position Vec3
	Rotation Quat
}

// IdentityPose has no translation and no rotation.
var IdentityPose = Pose{Rotation: IdentityQuat}

// At returns an unrotated pose at p.
func At(p Vec3) Pose {
	return Pose{Position: p, Rotation: IdentityQuat}
}

// Compose returns child expressed in the space p is expressed in (p * child).
func (p Pose) Compose(child Pose) Pose {
	return Pose{
		Position: p.Position.Add(p.Rotation.Rotate(child.Position)),
		Rotation: p.Rotation.Normalize().Mul(child.Rotation.Normalize()).Normalize(),
	}
}

// Inverse returns the pose that undoes p.
func (p Pose) Inverse() Pose {
	inv := p.Rotation.Normalize().Conjugate()
	return Pose{
		Position: inv.Rotate(p.Position).Neg(),
		Rotation: inv,
	}
}

// Relativize expresses the world pose w in p's local frame.
func (p Pose) Relativize(w Pose) Pose {
	return p.Inverse().Compose(w)
}

// LocalPoint converts a world-space point into p's local frame.
func (p Pose) LocalPoint(world Vec3) Vec3 {
	return p.Rotation.Normalize().Conjugate().Rotate(world.Sub(p.Position))
}

// LocalDir converts a world-space direction into p's local frame (no translation).
func (p Pose) LocalDir(world Vec3) Vec3 {
	return p.Rotation.Normalize().Conjugate().Rotate(world)
}

// WorldPoint converts a point in p's local frame into world space.
func (p Pose) WorldPoint(local Vec3) Vec3 {
	return p.Position.Add(p.Rotation.Rotate(local))
}

// ApproxEqual compares both components of two poses.
func (p Pose) ApproxEqual(o Pose, eps float64) bool {
	return p.Position.ApproxEqual(o.Position, eps) && p.Rotation.ApproxEqual(o.Rotation, eps)
}

// IsFinite reports whether the pose contains no NaN or infinite components.
func (p Pose) IsFinite() bool {
	q := p.Rotation
	return p.Position.IsFinite() && isFinite(q.X) && isFinite(q.Y) && isFinite(q.Z) && isFinite(q.W)
}
