package flush

import "sync"

// Signal is the shared, once-settable failure flag of a run. The first error
// wins; later calls to Fail are ignored.
type Signal struct {
	mu   sync.Mutex
	err  error
	done chan struct{}
}

// NewSignal returns an unset Signal.
func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Fail records err if no failure has been recorded yet. It reports whether
// err was the one recorded.
func (s *Signal) Fail(err error) bool {
	if err == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false
	}
	s.err = err
	close(s.done)
	return true
}

// Err returns the recorded failure, or nil.
func (s *Signal) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once a failure is recorded.
func (s *Signal) Done() <-chan struct{} { return s.done }
