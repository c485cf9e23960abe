// Package dispatch delivers callbacks on an explicit execution context.
//
// Engine components never invoke host callbacks from worker goroutines
// directly. They hand them to an Executor, which decides where they run.
package dispatch

import "sync"

// Executor runs functions on its execution context
type Executor interface {
	Dispatch(fn func())
}

// Inline runs every function immediately on the caller's goroutine
type Inline struct{}

// Dispatch runs fn now
func (Inline) Dispatch(fn func()) { fn() }

// Serial runs functions one at a time, in dispatch order, on a single goroutine.
// Dispatch never blocks, so workers can notify while holding no locks the
// callback might need.
type Serial struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	done    chan struct{}
	closed  bool
	running sync.WaitGroup
}

// NewSerial starts a Serial executor
func NewSerial() *Serial {
	s := &Serial{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	s.running.Add(1)
	go s.loop()
	return s
}

// Dispatch queues fn. Functions dispatched after Close are dropped.
func (s *Serial) Dispatch(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, fn)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Flush blocks until every function dispatched before the call has run.
// It must not be called from inside a dispatched function.
func (s *Serial) Flush() {
	ch := make(chan struct{})
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.Dispatch(func() { close(ch) })
	select {
	case <-ch:
	case <-s.done:
	}
}

// Close runs what is already queued, then stops the loop
func (s *Serial) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.running.Wait()
}

func (s *Serial) loop() {
	defer s.running.Done()
	defer close(s.done)
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		closed := s.closed
		s.mu.Unlock()

		for _, fn := range batch {
			fn()
		}

		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-s.wake
	}
}
