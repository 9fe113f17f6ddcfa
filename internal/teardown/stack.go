package teardown

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var ErrStackDestroyed = errors.New("teardown already done")

// Destructor releases one thing acquired during a deployment.
type Destructor func(ctx context.Context) error

// Stack is a LIFO queue of destructors: the first destructor pushed is the
// last one called. A Stack is destroyed at most once.
type Stack struct {
	mu          sync.Mutex
	destructors []Destructor
	destroyed   bool
}

func New() *Stack {
	return &Stack{}
}

// Push queues d to run on Destroy.
func (s *Stack) Push(d Destructor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrStackDestroyed
	}
	s.destructors = append(s.destructors, d)
	return nil
}

// Len returns the number of queued destructors.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.destructors)
}

// Destroy calls every destructor in reverse push order. A failing
// destructor does not stop the ones queued before it; all errors are
// returned joined.
func (s *Stack) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrStackDestroyed
	}
	s.destroyed = true
	destructors := s.destructors
	s.destructors = nil
	s.mu.Unlock()

	var errs error
	for i, d := range slices.Backward(destructors) {
		if err := d(ctx); err != nil {
			errs = errors.Join(errs, fmt.Errorf("destructor %d: %w", i, err))
		}
	}
	return errs
}
