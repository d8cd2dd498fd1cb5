package editor

import (
	"context"
	"fmt"
	"sync"

	"code-with-me/internal/operations"
)

// Workspace is a thread-safe in-memory editor holding several documents,
// at most one of them active. Listeners run synchronously on the
// goroutine that made the change, after the workspace lock is released.
type Workspace struct {
	mu        sync.RWMutex
	docs      map[URI]string
	active    URI
	hasActive bool

	nextListener    int
	changeListeners map[int]func(ChangeEvent)
	activeListeners map[int]func(URI, bool)
}

// NewWorkspace creates an empty workspace.
func NewWorkspace() *Workspace {
	return &Workspace{
		docs:            make(map[URI]string),
		changeListeners: make(map[int]func(ChangeEvent)),
		activeListeners: make(map[int]func(URI, bool)),
	}
}

// Open adds a document, or resets its text if it is already open.
func (w *Workspace) Open(uri URI, text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.docs[uri] = text
}

// Close removes a document. Closing the active document leaves the
// workspace without focus.
func (w *Workspace) Close(uri URI) {
	w.mu.Lock()
	delete(w.docs, uri)
	lostFocus := w.hasActive && w.active == uri
	if lostFocus {
		w.hasActive = false
		w.active = ""
	}
	listeners := w.activeListenersLocked()
	w.mu.Unlock()

	if lostFocus {
		for _, fn := range listeners {
			fn("", false)
		}
	}
}

// SetActive focuses an open document.
func (w *Workspace) SetActive(uri URI) error {
	w.mu.Lock()
	if _, ok := w.docs[uri]; !ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoDocument, uri)
	}
	w.active = uri
	w.hasActive = true
	listeners := w.activeListenersLocked()
	w.mu.Unlock()

	for _, fn := range listeners {
		fn(uri, true)
	}
	return nil
}

// Text returns the current text of a document.
func (w *Workspace) Text(uri URI) (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	text, ok := w.docs[uri]
	return text, ok
}

// ActiveDocument implements Editor.
func (w *Workspace) ActiveDocument() (URI, string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.hasActive {
		return "", "", false
	}
	return w.active, w.docs[w.active], true
}

// Edit applies user edits to a document and reports them as one change
// event. Each change is addressed against the text left by the previous
// one.
func (w *Workspace) Edit(uri URI, changes ...Change) error {
	w.mu.Lock()
	text, ok := w.docs[uri]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoDocument, uri)
	}
	for _, c := range changes {
		next, err := operations.ApplyUTF16(text, operations.NewReplaceOp(c.RangeOffset, c.RangeLength, c.Text))
		if err != nil {
			w.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrInvalidRange, err)
		}
		text = next
	}
	w.docs[uri] = text
	listeners := w.changeListenersLocked()
	w.mu.Unlock()

	ev := ChangeEvent{URI: uri, Changes: changes}
	for _, fn := range listeners {
		fn(ev)
	}
	return nil
}

// ReplaceDocument implements Editor. Replacing a document with its own
// text changes nothing and notifies no one.
func (w *Workspace) ReplaceDocument(ctx context.Context, uri URI, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	old, ok := w.docs[uri]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoDocument, uri)
	}
	if old == text {
		w.mu.Unlock()
		return nil
	}
	w.docs[uri] = text
	listeners := w.changeListenersLocked()
	w.mu.Unlock()

	ev := ChangeEvent{URI: uri, Changes: []Change{{RangeLength: operations.UTF16Len(old), Text: text}}}
	for _, fn := range listeners {
		fn(ev)
	}
	return nil
}

// OnDidChangeDocument implements Editor.
func (w *Workspace) OnDidChangeDocument(fn func(ChangeEvent)) Disposable {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextListener++
	key := w.nextListener
	w.changeListeners[key] = fn

	return NewDisposable(func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.changeListeners, key)
	})
}

// OnDidChangeActiveEditor implements Editor.
func (w *Workspace) OnDidChangeActiveEditor(fn func(URI, bool)) Disposable {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextListener++
	key := w.nextListener
	w.activeListeners[key] = fn

	return NewDisposable(func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.activeListeners, key)
	})
}

// ListenerCount returns the number of registered listeners.
func (w *Workspace) ListenerCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.changeListeners) + len(w.activeListeners)
}

func (w *Workspace) changeListenersLocked() []func(ChangeEvent) {
	out := make([]func(ChangeEvent), 0, len(w.changeListeners))
	for _, fn := range w.changeListeners {
		out = append(out, fn)
	}
	return out
}

func (w *Workspace) activeListenersLocked() []func(URI, bool) {
	out := make([]func(URI, bool), 0, len(w.activeListeners))
	for _, fn := range w.activeListeners {
		out = append(out, fn)
	}
	return out
}
