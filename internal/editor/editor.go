// Package editor defines the host editor the sync engine drives, plus
// in-memory and file-backed implementations of it.
//
// All offsets exchanged with an Editor are UTF-16 code units, the
// addressing used by common editor hosts.
package editor

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNoDocument is returned when an edit targets an unknown document.
	ErrNoDocument = errors.New("no such document")
	// ErrInvalidRange is returned when an edit range does not fit the document.
	ErrInvalidRange = errors.New("invalid range")
)

// URI identifies a document open in the editor.
type URI string

// Change is one contiguous edit inside a change event, addressed against
// the document as it was before the change.
type Change struct {
	RangeOffset int
	RangeLength int
	Text        string
}

// ChangeEvent reports the changes applied to one document.
type ChangeEvent struct {
	URI     URI
	Changes []Change
}

// Editor is the host editing surface.
type Editor interface {
	// ActiveDocument returns the URI and full text of the focused
	// document. ok is false when nothing is focused.
	ActiveDocument() (uri URI, text string, ok bool)

	// ReplaceDocument replaces the whole current text of the document
	// with text as one edit. The replaced range is measured when the edit
	// is applied, not when the caller last read the document. Change
	// listeners are notified before ReplaceDocument returns.
	ReplaceDocument(ctx context.Context, uri URI, text string) error

	// OnDidChangeDocument registers fn for every document change.
	OnDidChangeDocument(fn func(ChangeEvent)) Disposable

	// OnDidChangeActiveEditor registers fn for focus changes. ok is false
	// when focus left every document.
	OnDidChangeActiveEditor(fn func(uri URI, ok bool)) Disposable
}

// Disposable releases a subscription. Dispose must be safe to call more
// than once.
type Disposable interface {
	Dispose()
}

type disposeFunc struct {
	once sync.Once
	fn   func()
}

func (d *disposeFunc) Dispose() {
	d.once.Do(d.fn)
}

// NewDisposable wraps fn so it runs at most once.
func NewDisposable(fn func()) Disposable {
	return &disposeFunc{fn: fn}
}
