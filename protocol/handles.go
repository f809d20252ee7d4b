package protocol

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// HandleID identifies a tracked handle.
type HandleID uint64

// HandleSet tracks the open handles of one connection so that each is
// closed exactly once: on Release after its response completes, or on
// CloseAll when the connection is torn down, whichever comes first.
// The zero value is ready to use.
type HandleSet struct {
	mu      sync.Mutex
	next    HandleID
	handles map[HandleID]io.Closer
}

// NewHandleSet creates an empty HandleSet.
func NewHandleSet() *HandleSet {
	return &HandleSet{handles: make(map[HandleID]io.Closer)}
}

// Track registers c and returns its id.
func (s *HandleSet) Track(c io.Closer) HandleID {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handles == nil {
		s.handles = make(map[HandleID]io.Closer)
	}
	s.next++
	s.handles[s.next] = c
	return s.next
}

// Release closes and forgets the handle. Releasing an unknown or already
// closed handle is a no-op.
func (s *HandleSet) Release(id HandleID) error {
	s.mu.Lock()
	c, ok := s.handles[id]
	delete(s.handles, id)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return c.Close()
}

// CloseAll closes every tracked handle and empties the set.
func (s *HandleSet) CloseAll() error {
	s.mu.Lock()
	handles := s.handles
	s.handles = nil
	s.mu.Unlock()

	var errs []error
	for id, c := range handles {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("handle %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of open handles.
func (s *HandleSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}
