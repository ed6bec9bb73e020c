// Package rank orders input handlers by how close their fields are to an input method.
package rank

import (
	"math"
	"sort"

	"suis/internal/field"
	"suis/internal/input"
	"suis/internal/vmath"
)

// Options configures a Ranker.
type Options struct {
	// DefaultPolicy applies to fields that do not choose their own.
	DefaultPolicy field.Policy
	// RayMarch ranks pointers by the closest approach along the ray instead of the origin.
	RayMarch      bool
	RayMaxLength  float64
	RayMarchSteps int
	// RayMinStep keeps the march moving when it grazes a surface.
	RayMinStep float64
}

// DefaultOptions ranks by onion-skin distance and marches pointer rays up to 100 units.
var DefaultOptions = Options{
	DefaultPolicy: field.OnionSkin,
	RayMarch:      true,
	RayMaxLength:  100,
	RayMarchSteps: 64,
	RayMinStep:    0.001,
}

// Candidate is one handler in an ordering.
type Candidate struct {
	Handler input.Handler
	// Distance is the ranking key, after the field's policy.
	Distance float64
	// Signed is the raw field distance at Reference.
	Signed float64
	// Reference is the world point the distance was measured at.
	Reference vmath.Vec3
}

// Ordering is a ranked candidate list, closest first.
type Ordering []Candidate

// IDs returns the handler ids in rank order.
func (o Ordering) IDs() []input.HandlerID {
	ids := make([]input.HandlerID, len(o))
	for i, c := range o {
		ids[i] = c.Handler.ID
	}
	return ids
}

// Ranker computes orderings. It holds no state besides its options and is safe for
// concurrent use.
type Ranker struct {
	opts Options
}

// New creates a ranker.
func New(opts Options) *Ranker {
	if opts.RayMarchSteps <= 0 {
		opts.RayMarchSteps = DefaultOptions.RayMarchSteps
	}
	if opts.RayMaxLength <= 0 {
		opts.RayMaxLength = DefaultOptions.RayMaxLength
	}
	if opts.RayMinStep <= 0 {
		opts.RayMinStep = DefaultOptions.RayMinStep
	}
	return &Ranker{opts: opts}
}

// Options returns the ranker's options.
func (r *Ranker) Options() Options { return r.opts }

// Reference returns the world point a method is ranked from, before any ray march.
func Reference(m input.Method) vmath.Vec3 {
	return m.Pose.WorldPoint(m.Payload.LocalReference())
}

// Rank orders the active handlers by distance from m, ascending, ties broken by
// registration sequence. Handlers with dead fields, NaN distances or panicking
// distance functions are left out.
func (r *Ranker) Rank(m input.Method, handlers []input.Handler) Ordering {
	ref := Reference(m)
	var ray vmath.Vec3
	march := r.opts.RayMarch && m.Payload.Kind == input.KindPointer
	if march {
		ray = m.Pose.Rotation.Rotate(m.Payload.Pointer.Direction).Normalize()
	}

	out := make(Ordering, 0, len(handlers))
	for _, h := range handlers {
		if !h.Active() {
			continue
		}
		var (
			signed float64
			at     = ref
			ok     bool
		)
		if march {
			signed, at, ok = r.marchRay(h.Field, ref, ray)
		} else {
			signed, ok = distance(h.Field, ref)
		}
		if !ok || math.IsNaN(signed) {
			continue
		}
		policy := field.PolicyOf(h.Field, r.opts.DefaultPolicy)
		out = append(out, Candidate{
			Handler:   h,
			Distance:  policy.Apply(signed),
			Signed:    signed,
			Reference: at,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].Handler.Seq < out[j].Handler.Seq
	})
	return out
}

// marchRay sphere-traces from origin along dir and returns the smallest signed distance
// found and where it was found.
func (r *Ranker) marchRay(f field.Field, origin, dir vmath.Vec3) (float64, vmath.Vec3, bool) {
	best, ok := distance(f, origin)
	if !ok || math.IsNaN(best) {
		return 0, origin, false
	}
	bestAt := origin
	d := best
	t := 0.0
	for i := 0; i < r.opts.RayMarchSteps; i++ {
		t += math.Max(math.Abs(d), r.opts.RayMinStep)
		if t > r.opts.RayMaxLength {
			break
		}
		p := origin.Add(dir.Scale(t))
		d, ok = distance(f, p)
		if !ok || math.IsNaN(d) {
			return 0, origin, false
		}
		if d < best {
			best, bestAt = d, p
		}
		// Past the surface and moving away again.
		if best < 0 && d > best {
			break
		}
	}
	return best, bestAt, true
}

func distance(f field.Field, p vmath.Vec3) (d float64, ok bool) {
	defer func() {
		if recover() != nil {
			d, ok = 0, false
		}
	}()
	return f.Distance(p), true
}
