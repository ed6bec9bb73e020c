package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"suis/internal/input"
)

type result struct {
	intent  input.CaptureIntent
	err     error
	latency time.Duration
}

// reply hands one delivery result back to the dispatcher, unless the dispatcher stopped
// waiting first; in that case the mailbox keeps the result.
type reply struct {
	mu        sync.Mutex
	done      bool
	abandoned bool
	lateOK    bool
	ch        chan result
}

func newReply() *reply {
	return &reply{ch: make(chan result, 1)}
}

// complete delivers r. If the waiter has gone it returns false, and late reports
// whether the result may still be acted on.
func (p *reply) complete(r result) (delivered, late bool) {
	p.mu.Lock()
	if p.abandoned {
		late = p.lateOK
		p.mu.Unlock()
		return false, late
	}
	p.done = true
	p.mu.Unlock()
	p.ch <- r
	return true, false
}

// abandon stops waiting. It returns false if the result is already in ch.
func (p *reply) abandon(allowLate bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return false
	}
	p.abandoned = true
	p.lateOK = allowLate
	return true
}

type job struct {
	ctx   context.Context
	ev    input.Event
	reply *reply
	// late runs on the mailbox goroutine when the dispatcher stopped waiting.
	late func(result)

	frame *input.FrameInfo
	ack   chan struct{}
}

// mailbox serializes everything sent to one handler. Input for a frame is queued before
// that frame's lifecycle event, so a handler always sees them in that order.
type mailbox struct {
	id   input.HandlerID
	recv input.Receiver
	log  *slog.Logger
	jobs chan job
	quit chan struct{}
	once sync.Once
}

func newMailbox(id input.HandlerID, recv input.Receiver, size int, log *slog.Logger) *mailbox {
	mb := &mailbox{
		id:   id,
		recv: recv,
		log:  log,
		jobs: make(chan job, size),
		quit: make(chan struct{}),
	}
	go mb.run()
	return mb
}

func (mb *mailbox) close() {
	mb.once.Do(func() { close(mb.quit) })
}

func (mb *mailbox) run() {
	for {
		select {
		case <-mb.quit:
			return
		case j := <-mb.jobs:
			mb.handle(j)
		}
	}
}

func (mb *mailbox) handle(j job) {
	if j.frame != nil {
		if fl, ok := mb.recv.(input.FrameListener); ok {
			if err := safeFrame(fl, *j.frame); err != nil {
				mb.log.Warn("handler frame listener failed", "handler", mb.id, "frame", j.frame.Frame, "error", err)
			}
		}
		close(j.ack)
		return
	}

	start := time.Now()
	intent, err := safeInput(j.ctx, mb.recv, j.ev)
	r := result{intent: intent, err: err, latency: time.Since(start)}
	if delivered, late := j.reply.complete(r); !delivered && late && j.late != nil {
		j.late(r)
	}
}

func safeInput(ctx context.Context, recv input.Receiver, ev input.Event) (intent input.CaptureIntent, err error) {
	defer func() {
		if p := recover(); p != nil {
			intent = input.Pass
			err = fmt.Errorf("panic: %v\n%s", p, debug.Stack())
		}
	}()
	return recv.Input(ctx, ev)
}

func safeFrame(fl input.FrameListener, info input.FrameInfo) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in frame listener: %v", p)
		}
	}()
	fl.Frame(info)
	return nil
}
