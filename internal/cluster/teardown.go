package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// TeardownStack collects release actions during a multi-step protocol and
// runs them in reverse order of acquisition. Close is idempotent; actions
// run exactly once and every error is collected rather than short-circuiting
// the remaining releases.
type TeardownStack struct {
	mu      sync.Mutex
	actions []teardownAction
	closed  bool
}

type teardownAction struct {
	name string
	fn   func(context.Context) error
}

// NewTeardownStack returns an empty stack.
func NewTeardownStack() *TeardownStack {
	return &TeardownStack{}
}

// Push registers a release action. Pushing onto a closed stack panics, since
// that means a resource was acquired after teardown began.
func (t *TeardownStack) Push(name string, fn func(context.Context) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		panic("teardown: push after close")
	}
	t.actions = append(t.actions, teardownAction{name: name, fn: fn})
}

// Close runs all registered actions last-in first-out.
func (t *TeardownStack) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	actions := t.actions
	t.actions = nil
	t.mu.Unlock()

	var errs []error
	for i := len(actions) - 1; i >= 0; i-- {
		if err := actions[i].fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", actions[i].name, err))
		}
	}
	return errors.Join(errs...)
}
