package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"code-with-me/internal/document"
	"code-with-me/internal/editor"
)

var (
	// ErrApplyEdit is returned when the editor rejects a replace.
	ErrApplyEdit = errors.New("failed to apply edit")
	// ErrStaleSession is returned when the session ended around a write.
	ErrStaleSession = errors.New("session no longer active")
)

// Applicator makes the active editor document match the shared text.
type Applicator struct {
	editor editor.Editor
	text   SharedText
	guard  *FeedbackGuard
	alive  func() bool
	log    *slog.Logger

	mu sync.Mutex // serializes editor writes
}

// NewApplicator creates an applicator. alive reports whether the session
// that owns text is still current; a nil alive is always true.
func NewApplicator(ed editor.Editor, text SharedText, guard *FeedbackGuard, alive func() bool, logger *slog.Logger) *Applicator {
	if alive == nil {
		alive = func() bool { return true }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Applicator{editor: ed, text: text, guard: guard, alive: alive, log: logger}
}

// Reconcile replaces the whole active document with the shared value when
// the two differ. The guard is held for the duration of the write.
func (a *Applicator) Reconcile(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	uri, current, ok := a.editor.ActiveDocument()
	if !ok || a.text == nil {
		return nil
	}
	shared := a.text.String()
	if current == shared {
		return nil
	}

	release := a.guard.Acquire()
	defer release()

	if !a.alive() {
		a.log.Debug("discarding write for ended session", "uri", uri)
		return ErrStaleSession
	}
	if err := a.editor.ReplaceDocument(ctx, uri, shared); err != nil {
		a.log.Error("editor replace failed", "uri", uri, "err", err)
		return fmt.Errorf("%w: %s: %w", ErrApplyEdit, uri, err)
	}
	if !a.alive() {
		a.log.Warn("session ended during editor write", "uri", uri)
		return ErrStaleSession
	}

	a.log.Debug("remote edit applied", "uri", uri, "length", len(shared))
	return nil
}

// HandleTextChange reconciles after the shared text changed.
func (a *Applicator) HandleTextChange(ctx context.Context, _ document.TextEvent) error {
	return a.Reconcile(ctx)
}

// HandleActiveEditorChange reconciles a newly focused document.
func (a *Applicator) HandleActiveEditorChange(ctx context.Context, _ editor.URI, ok bool) error {
	if !ok {
		return nil
	}
	return a.Reconcile(ctx)
}
