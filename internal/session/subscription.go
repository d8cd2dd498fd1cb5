package session

import (
	"sync"

	"code-with-me/internal/editor"
)

// SubscriptionSet owns every listener a session registered. Disposing
// the set disposes its members in reverse order; members added after
// that are disposed immediately.
type SubscriptionSet struct {
	mu       sync.Mutex
	items    []editor.Disposable
	disposed bool
}

// Add takes ownership of d.
func (s *SubscriptionSet) Add(d editor.Disposable) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		d.Dispose()
		return
	}
	s.items = append(s.items, d)
	s.mu.Unlock()
}

// AddFunc takes ownership of an unsubscribe function.
func (s *SubscriptionSet) AddFunc(fn func()) {
	s.Add(editor.NewDisposable(fn))
}

// Len returns the number of live members.
func (s *SubscriptionSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Dispose releases every member. It is safe to call more than once.
func (s *SubscriptionSet) Dispose() {
	s.mu.Lock()
	items := s.items
	s.items = nil
	s.disposed = true
	s.mu.Unlock()

	for i := len(items) - 1; i >= 0; i-- {
		items[i].Dispose()
	}
}
