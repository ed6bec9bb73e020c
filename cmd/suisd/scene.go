package main

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"suis/internal/datamap"
	"suis/internal/engine"
	"suis/internal/field"
	"suis/internal/input"
	"suis/internal/vmath"
)

// grabber captures a method while its "pressed" flag is set inside the field and lets
// go once the flag clears.
type grabber struct {
	name string
	eng  *engine.Engine
	log  *slog.Logger
}

func (g *grabber) Input(_ context.Context, ev input.Event) (input.CaptureIntent, error) {
	pressed, _ := ev.Datamap.Bool("pressed")

	if ev.Captured {
		if !pressed {
			if err := g.eng.Release(ev.Method, ev.Handler); err == nil {
				g.log.Info("released", "handler", g.name, "method", ev.MethodUID, "frame", ev.Frame)
			}
		}
		return input.Pass, nil
	}

	// Ignore methods that only became visible this frame.
	if pressed && ev.SignedDistance <= 0 && ev.FirstSeen < ev.Frame {
		g.log.Info("grabbed", "handler", g.name, "method", ev.MethodUID, "kind", ev.Kind,
			"distance", ev.Distance, "frame", ev.Frame)
		return input.Capture, nil
	}
	return input.Pass, nil
}

// scene is the demo: a tip orbiting between two spheres and a pointer sweeping
// across them.
type scene struct {
	eng *engine.Engine
	log *slog.Logger

	left, right *field.Sphere
	handlers    []input.HandlerID
	tip         input.MethodID
	pointer     input.MethodID
	tipMap      []byte
	start       time.Time
}

func newScene(eng *engine.Engine, log *slog.Logger) (*scene, error) {
	s := &scene{
		eng:    eng,
		log:    log,
		left:   field.NewSphere(vmath.V3(-1.5, 0, 0), 0.5),
		right:  field.NewSphere(vmath.V3(1.5, 0, 0), 0.5),
		tipMap: []byte(`{"tool":"stylus","pressed":false,"phase":0}`),
		start:  time.Now(),
	}

	for _, h := range []struct {
		name string
		f    *field.Sphere
	}{{"left", s.left}, {"right", s.right}} {
		id, err := eng.CreateInputHandler(vmath.Pose{}, vmath.At(h.f.Center()), h.f,
			&grabber{name: h.name, eng: eng, log: log})
		if err != nil {
			return nil, err
		}
		s.handlers = append(s.handlers, id)
	}

	var err error
	s.tip, err = eng.CreateTip(vmath.Pose{}, vmath.IdentityPose, 0.05, s.tipMap)
	if err != nil {
		return nil, err
	}
	s.pointer, err = eng.CreatePointer(vmath.At(vmath.V3(0, 0, 4)), vmath.IdentityPose,
		input.Pointer{Direction: input.Forward}, []byte(`{"select":false}`))
	if err != nil {
		return nil, err
	}
	return s, nil
}

// update moves everything to where it is t seconds into the demo.
func (s *scene) update(t float64) error {
	pos := vmath.V3(1.8*math.Cos(t), 0.3*math.Sin(2*t), 0)
	pressed := math.Sin(0.5*t) > 0

	raw, err := datamap.Patch(s.tipMap, "pressed", pressed)
	if err == nil {
		raw, err = datamap.Patch(raw, "phase", math.Mod(t, 2*math.Pi))
	}
	if err != nil {
		return err
	}
	s.tipMap = raw
	if err := s.eng.UpdateMethod(s.tip, vmath.At(pos), input.TipPayload(0.05), raw); err != nil {
		return err
	}

	// The pointer swings left and right around the y axis.
	swing := vmath.QuatFromAxisAngle(vmath.V3(0, 1, 0), 0.4*math.Sin(0.7*t))
	pose := vmath.Pose{Position: vmath.V3(0, 0, 4), Rotation: swing}
	sel, err := datamap.Patch([]byte(`{"select":false}`), "select", pressed)
	if err != nil {
		return err
	}
	return s.eng.UpdateMethod(s.pointer, pose, input.PointerPayload(input.Pointer{Direction: input.Forward}), sel)
}

// run updates the scene once per interval until ctx ends, then removes it.
func (s *scene) run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer s.close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if err := s.update(now.Sub(s.start).Seconds()); err != nil {
				if errors.Is(err, engine.ErrClosed) {
					return nil
				}
				s.log.Warn("scene update failed", "error", err)
			}
		}
	}
}

func (s *scene) close() {
	_ = s.eng.RemoveMethod(s.tip)
	_ = s.eng.RemoveMethod(s.pointer)
	for _, h := range s.handlers {
		_ = s.eng.RemoveHandler(h)
	}
	s.left.Destroy()
	s.right.Destroy()
}
