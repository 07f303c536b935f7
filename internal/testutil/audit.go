// audit.go
//
// RecordingSink captures audit events written through an audit.Emitter.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/MGallo-Code/bastion/internal/audit"
)

// RecordingSink implements audit.Sink and keeps every event in memory.
// Err, when set, is returned from Write after the event is recorded.
type RecordingSink struct {
	Err error

	mu     sync.Mutex
	events []audit.Event
}

func (s *RecordingSink) Write(_ context.Context, ev audit.Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return s.Err
}

// Events returns a copy of everything recorded so far.
func (s *RecordingSink) Events() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Event(nil), s.events...)
}

// Named returns the recorded events with the given name.
func (s *RecordingSink) Named(name string) []audit.Event {
	var out []audit.Event
	for _, ev := range s.Events() {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// WaitFor polls until at least n events named name were recorded or the
// timeout passes, and reports whether they arrived.
func (s *RecordingSink) WaitFor(name string, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if len(s.Named(name)) >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}
