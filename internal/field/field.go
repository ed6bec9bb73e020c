// Package field defines the geometric capability input handlers are guarded by.
//
// The arbitration engine treats a field as opaque: it only asks for the distance from a
// world point to the field's surface and whether the field still exists. Concrete shapes
// live with their owners; the ones in this package exist for the demo scene and tests.
package field

import (
	"strings"
	"sync"

	"suis/internal/vmath"
)

// Field is a distance function over world space. Negative distances are inside the field.
type Field interface {
	Distance(world vmath.Vec3) float64
	Alive() bool
}

// Policy selects how a field's signed distance is turned into a ranking distance.
type Policy int

const (
	// OnionSkin ranks by absolute distance so an enclosed method counts as on the surface.
	OnionSkin Policy = iota
	// Signed ranks by raw signed distance; deeper methods rank first.
	Signed
)

func (p Policy) String() string {
	switch p {
	case OnionSkin:
		return "onion_skin"
	case Signed:
		return "signed"
	default:
		return "unknown"
	}
}

// ParsePolicy accepts the names produced by Policy.String.
func ParsePolicy(s string) (Policy, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "onion_skin", "onion-skin", "onion", "absolute":
		return OnionSkin, true
	case "signed":
		return Signed, true
	default:
		return OnionSkin, false
	}
}

// Apply converts a signed distance according to the policy.
func (p Policy) Apply(d float64) float64 {
	if p == OnionSkin && d < 0 {
		return -d
	}
	return d
}

// PolicyProvider is implemented by fields whose kind dictates a ranking policy.
type PolicyProvider interface {
	DistancePolicy() Policy
}

// PolicyOf returns f's own policy if it declares one, else def.
func PolicyOf(f Field, def Policy) Policy {
	if pp, ok := f.(PolicyProvider); ok {
		return pp.DistancePolicy()
	}
	return def
}

// Observable is implemented by fields that announce their destruction.
type Observable interface {
	// OnDestroy registers fn to run once when the field is destroyed. If the field is
	// already gone fn runs immediately. The returned func unregisters fn.
	OnDestroy(fn func()) (cancel func())
}

// Lifetime tracks whether a field exists and notifies observers when it is destroyed.
// Embed it to make a field satisfy Alive and Observable.
type Lifetime struct {
	mu        sync.Mutex
	destroyed bool
	nextID    int
	observers map[int]func()
}

// Alive reports whether Destroy has not been called yet.
func (l *Lifetime) Alive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.destroyed
}

// Destroy marks the field gone and runs every registered observer once.
func (l *Lifetime) Destroy() {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}
	l.destroyed = true
	observers := l.observers
	n := l.nextID
	l.observers = nil
	l.mu.Unlock()

	// Registration order.
	for id := 0; id < n; id++ {
		if fn, ok := observers[id]; ok {
			fn()
		}
	}
}

// OnDestroy implements Observable.
func (l *Lifetime) OnDestroy(fn func()) func() {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		fn()
		return func() {}
	}
	if l.observers == nil {
		l.observers = make(map[int]func())
	}
	id := l.nextID
	l.nextID++
	l.observers[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.observers, id)
		l.mu.Unlock()
	}
}
