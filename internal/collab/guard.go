// Package collab binds an editor document to a shared text: local edits
// flow into the text through the Translator, remote changes flow back to
// the editor through the Applicator, and a FeedbackGuard keeps the two
// from echoing each other.
package collab

import (
	"sync"
	"sync/atomic"

	"code-with-me/internal/document"
)

// FeedbackGuard is raised while the Applicator writes to the editor.
// Change events seen while it is raised were caused by that write and
// must not be replayed into the shared text.
type FeedbackGuard struct {
	depth atomic.Int32
}

// Acquire raises the guard. The returned release lowers it again and is
// safe to call more than once.
func (g *FeedbackGuard) Acquire() (release func()) {
	g.depth.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { g.depth.Add(-1) })
	}
}

// Active reports whether an editor write is in flight.
func (g *FeedbackGuard) Active() bool {
	return g.depth.Load() > 0
}

// SharedText is the part of a replicated text the bindings need.
// *document.Text implements it.
type SharedText interface {
	String() string
	Observe(fn func(document.TextEvent)) (unobserve func())
	Transact(fn func(tx *document.TextTx) error) error
}
