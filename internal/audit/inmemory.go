package audit

import (
	"context"
	"sync"
)

// InMemoryStore keeps the newest capacity events in a ring.
type InMemoryStore struct {
	mu     sync.Mutex
	buf    []Event
	next   int
	filled bool
}

func NewInMemoryStore(capacity int) *InMemoryStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &InMemoryStore{buf: make([]Event, capacity)}
}

func (s *InMemoryStore) Append(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf[s.next] = event
	s.next = (s.next + 1) % len(s.buf)
	if s.next == 0 {
		s.filled = true
	}
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := s.next
	if s.filled {
		size = len(s.buf)
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]Event, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (s.next - i + len(s.buf)) % len(s.buf)
		out = append(out, s.buf[idx])
	}
	return out, nil
}
