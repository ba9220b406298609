package program

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"runtime/debug"
	"sync"
)

// StepFunc is a native step program. It runs as a coroutine: every Yielder
// call suspends it until the driver resumes it with fresh feedback.
// Returning nil completes the program.
type StepFunc func(y *Yielder, args InitArgs) error

// Yielder is the suspension handle a StepFunc uses to talk to its driver.
type Yielder struct {
	yield    func(Yield) bool
	ctx      context.Context
	feedback Feedback
	stopped  bool
}

// Call requests a tool call and returns the feedback carrying its result.
func (y *Yielder) Call(req ToolCallRequest) (Feedback, error) {
	if req.Input == nil {
		req.Input = map[string]any{}
	}
	return y.suspend(Yield{ToolCall: &req})
}

// Step pauses the program for one external tick.
func (y *Yielder) Step() (Feedback, error) {
	return y.suspend(Yield{Control: ControlStep})
}

// StepAll pauses the program until the driver reports the steps complete.
func (y *Yielder) StepAll() (Feedback, error) {
	return y.suspend(Yield{Control: ControlStepAll})
}

// Context returns the context of the resumption currently running the program.
func (y *Yielder) Context() context.Context {
	if y.ctx == nil {
		return context.Background()
	}
	return y.ctx
}

func (y *Yielder) suspend(v Yield) (Feedback, error) {
	if y.stopped {
		return Feedback{}, ErrProgramClosed
	}
	if !y.yield(v) {
		y.stopped = true
		return Feedback{}, ErrProgramClosed
	}
	return y.feedback, nil
}

// Generator runs a StepFunc as a pull-based coroutine.
type Generator struct {
	mu     sync.Mutex
	y      *Yielder
	next   func() (Yield, bool)
	stop   func()
	err    error
	done   bool
	closed bool
}

// NewGenerator prepares fn to run with args. Nothing executes until the
// first Resume, whose feedback is not delivered to fn.
func NewGenerator(fn StepFunc, args InitArgs) *Generator {
	g := &Generator{y: &Yielder{}}
	seq := func(yield func(Yield) bool) {
		g.y.yield = yield
		defer func() {
			if r := recover(); r != nil {
				g.err = &ProgramError{
					Kind:    KindNative,
					Message: fmt.Sprintf("panic: %v", r),
					Stack:   string(debug.Stack()),
				}
			}
		}()
		if err := fn(g.y, args); err != nil && !errors.Is(err, ErrProgramClosed) {
			g.err = &ProgramError{Kind: KindNative, Message: err.Error(), Cause: err}
		}
	}
	g.next, g.stop = iter.Pull(seq)
	return g
}

// Resume implements Program.
func (g *Generator) Resume(ctx context.Context, fb Feedback) (Yield, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return Yield{}, ErrProgramClosed
	}
	if g.done {
		return Yield{Done: true}, nil
	}

	g.y.ctx = ctx
	g.y.feedback = fb
	v, ok := g.next()
	g.y.ctx = nil
	if ok {
		return v, nil
	}

	g.done = true
	if g.err != nil {
		err := g.err
		g.err = nil
		return Yield{}, err
	}
	return Yield{Done: true}, nil
}

// Close stops the coroutine. It is safe to call more than once.
func (g *Generator) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	g.stop()
	return nil
}

// Kind implements Program.
func (g *Generator) Kind() Kind { return KindNative }
