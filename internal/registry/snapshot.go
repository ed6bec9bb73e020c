package registry

import "suis/internal/input"

// Snapshot is one committed view of the registry. Methods are ordered by id and
// handlers by registration sequence. Callers must not modify the slices.
type Snapshot struct {
	Version  uint64
	Methods  []input.Method
	Handlers []input.Handler

	methodIndex  map[input.MethodID]int
	handlerIndex map[input.HandlerID]int
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		methodIndex:  map[input.MethodID]int{},
		handlerIndex: map[input.HandlerID]int{},
	}
}

// Method looks up a method by id.
func (s *Snapshot) Method(id input.MethodID) (input.Method, bool) {
	i, ok := s.methodIndex[id]
	if !ok {
		return input.Method{}, false
	}
	return s.Methods[i], true
}

// Handler looks up a handler by id.
func (s *Snapshot) Handler(id input.HandlerID) (input.Handler, bool) {
	i, ok := s.handlerIndex[id]
	if !ok {
		return input.Handler{}, false
	}
	return s.Handlers[i], true
}

// ActiveHandlers returns the handlers whose fields are still alive, in registration order.
func (s *Snapshot) ActiveHandlers() []input.Handler {
	out := make([]input.Handler, 0, len(s.Handlers))
	for _, h := range s.Handlers {
		if h.Active() {
			out = append(out, h)
		}
	}
	return out
}
