package collab

import (
	"context"
	"errors"
	"sync"
	"testing"

	"code-with-me/internal/document"
	"code-with-me/internal/editor"
	"code-with-me/internal/operations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const uri editor.URI = "file:///shared.txt"

// binding wires one workspace document to one replica the way a session does.
type binding struct {
	ws    *editor.Workspace
	doc   *document.Doc
	text  *document.Text
	guard *FeedbackGuard
	tr    *Translator
	app   *Applicator

	mu   sync.Mutex
	errs []error
}

func newBinding(t *testing.T, initial string, alive func() bool) *binding {
	t.Helper()

	ws := editor.NewWorkspace()
	ws.Open(uri, initial)
	require.NoError(t, ws.SetActive(uri))

	doc := document.New("")
	b := &binding{ws: ws, doc: doc, text: doc.Text(document.DefaultTextName), guard: &FeedbackGuard{}}
	b.tr = NewTranslator(ws, b.text, b.guard, nil)
	b.app = NewApplicator(ws, b.text, b.guard, alive, nil)

	ws.OnDidChangeDocument(func(ev editor.ChangeEvent) { b.record(b.tr.HandleChange(ev)) })
	ws.OnDidChangeActiveEditor(func(u editor.URI, ok bool) {
		b.record(b.app.HandleActiveEditorChange(context.Background(), u, ok))
	})
	b.text.Observe(func(ev document.TextEvent) {
		b.record(b.app.HandleTextChange(context.Background(), ev))
	})
	return b
}

func (b *binding) record(err error) {
	if err == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errs = append(b.errs, err)
}

func (b *binding) editorText(t *testing.T) string {
	t.Helper()
	text, ok := b.ws.Text(uri)
	require.True(t, ok)
	return text
}

// link forwards every local update of from into to.
func link(t *testing.T, from, to *document.Doc) {
	t.Helper()
	from.OnUpdate(func(u document.Update, origin any) {
		if origin != nil {
			return
		}
		require.NoError(t, to.ApplyUpdate(u, "remote"))
	})
}

func TestFeedbackGuard(t *testing.T) {
	var g FeedbackGuard
	assert.False(t, g.Active())

	r1 := g.Acquire()
	r2 := g.Acquire()
	assert.True(t, g.Active())

	r1()
	r1()
	assert.True(t, g.Active())

	r2()
	assert.False(t, g.Active())
}

func TestLocalEditsReachSharedText(t *testing.T) {
	b := newBinding(t, "", nil)

	require.NoError(t, b.ws.Edit(uri, editor.Change{Text: "hello"}))
	assert.Equal(t, "hello", b.text.String())

	require.NoError(t, b.ws.Edit(uri, editor.Change{RangeOffset: 5, Text: " world"}))
	assert.Equal(t, "hello world", b.text.String())

	require.NoError(t, b.ws.Edit(uri, editor.Change{RangeOffset: 5, RangeLength: 6}))
	assert.Equal(t, "hello", b.text.String())
	assert.Equal(t, "hello", b.editorText(t))
	assert.Empty(t, b.errs)
}

func TestTranslatorSurrogateOffsets(t *testing.T) {
	b := newBinding(t, "", nil)

	require.NoError(t, b.ws.Edit(uri, editor.Change{Text: "a😀b"}))
	// UTF-16 offset 3 is after the emoji, rune offset 2.
	require.NoError(t, b.ws.Edit(uri, editor.Change{RangeOffset: 3, Text: "!"}))
	assert.Equal(t, "a😀!b", b.text.String())
	assert.Equal(t, b.editorText(t), b.text.String())
}

func TestTranslatorMultiChangeEvent(t *testing.T) {
	b := newBinding(t, "", nil)
	require.NoError(t, b.ws.Edit(uri, editor.Change{Text: "abc"}))

	before := b.doc.Version()
	require.NoError(t, b.ws.Edit(uri,
		editor.Change{RangeOffset: 0, RangeLength: 1, Text: "x"},
		editor.Change{RangeOffset: 3, Text: "!"},
	))
	assert.Equal(t, "xbc!", b.text.String())
	assert.Equal(t, before+1, b.doc.Version())
}

func TestTranslatorNoop(t *testing.T) {
	doc := document.New("")
	text := doc.Text(document.DefaultTextName)
	ws := editor.NewWorkspace()
	ws.Open(uri, "")
	ws.Open("file:///other.txt", "")
	guard := &FeedbackGuard{}
	tr := NewTranslator(ws, text, guard, nil)

	change := editor.ChangeEvent{URI: uri, Changes: []editor.Change{{Text: "x"}}}

	// no active editor
	require.NoError(t, tr.HandleChange(change))
	assert.Empty(t, text.String())

	// another document is active
	require.NoError(t, ws.SetActive("file:///other.txt"))
	require.NoError(t, tr.HandleChange(change))
	assert.Empty(t, text.String())

	// guard raised
	require.NoError(t, ws.SetActive(uri))
	release := guard.Acquire()
	require.NoError(t, tr.HandleChange(change))
	release()
	assert.Empty(t, text.String())

	// no shared text
	require.NoError(t, NewTranslator(ws, nil, guard, nil).HandleChange(change))

	require.NoError(t, tr.HandleChange(change))
	assert.Equal(t, "x", text.String())
}

func TestTranslatorInvalidOffsetRollsBack(t *testing.T) {
	doc := document.New("")
	text := doc.Text(document.DefaultTextName)
	require.NoError(t, text.Insert(0, "abc"))

	ws := editor.NewWorkspace()
	ws.Open(uri, "abc")
	require.NoError(t, ws.SetActive(uri))
	tr := NewTranslator(ws, text, &FeedbackGuard{}, nil)

	err := tr.HandleChange(editor.ChangeEvent{URI: uri, Changes: []editor.Change{
		{RangeOffset: 0, Text: "ok"},
		{RangeOffset: 40, RangeLength: 1},
	}})
	assert.ErrorIs(t, err, operations.ErrInvalidOffset)
	assert.Equal(t, "abc", text.String())
}

func TestRemoteEditReachesEditor(t *testing.T) {
	b := newBinding(t, "", nil)
	remote := document.New("")
	link(t, remote, b.doc)

	var guardDuringWrite []bool
	b.ws.OnDidChangeDocument(func(editor.ChangeEvent) {
		guardDuringWrite = append(guardDuringWrite, b.guard.Active())
	})

	rt := remote.Text(document.DefaultTextName)
	require.NoError(t, rt.Insert(0, "hello"))
	assert.Equal(t, "hello", b.editorText(t))

	require.NoError(t, rt.Transact(func(tx *document.TextTx) error {
		return tx.Replace(0, 5, "goodbye")
	}))
	assert.Equal(t, "goodbye", b.editorText(t))

	assert.Equal(t, []bool{true, true}, guardDuringWrite)
	assert.False(t, b.guard.Active())

	// The writes were not echoed back as local ops.
	_, ok := b.doc.StateVector()[b.doc.ClientID()]
	assert.False(t, ok)
	assert.Empty(t, b.errs)
}

func TestConcurrentBindingsConverge(t *testing.T) {
	a := newBinding(t, "", nil)
	b := newBinding(t, "", nil)
	link(t, a.doc, b.doc)
	link(t, b.doc, a.doc)

	require.NoError(t, a.ws.Edit(uri, editor.Change{Text: "hello"}))
	require.NoError(t, b.ws.Edit(uri, editor.Change{RangeOffset: 5, Text: " world"}))
	require.NoError(t, a.ws.Edit(uri, editor.Change{RangeOffset: 0, RangeLength: 1, Text: "H"}))

	assert.Equal(t, "Hello world", a.editorText(t))
	assert.Equal(t, a.editorText(t), b.editorText(t))
	assert.Equal(t, a.text.String(), b.text.String())
	assert.Empty(t, a.errs)
	assert.Empty(t, b.errs)
}

type countingEditor struct {
	*editor.Workspace
	replaces int
	err      error
	// before runs ahead of every replace, as a user typing would.
	before func()
}

func (e *countingEditor) ReplaceDocument(ctx context.Context, u editor.URI, text string) error {
	e.replaces++
	if e.before != nil {
		e.before()
	}
	if e.err != nil {
		return e.err
	}
	return e.Workspace.ReplaceDocument(ctx, u, text)
}

func newCountingEditor(t *testing.T, text string) *countingEditor {
	t.Helper()
	ws := editor.NewWorkspace()
	ws.Open(uri, text)
	require.NoError(t, ws.SetActive(uri))
	return &countingEditor{Workspace: ws}
}

func TestReconcileNoopWhenEqual(t *testing.T) {
	doc := document.New("")
	text := doc.Text(document.DefaultTextName)
	require.NoError(t, text.Insert(0, "same"))

	ed := newCountingEditor(t, "same")
	app := NewApplicator(ed, text, &FeedbackGuard{}, nil, nil)

	require.NoError(t, app.Reconcile(context.Background()))
	assert.Zero(t, ed.replaces)
}

func TestReconcileReplacesEditsMadeAfterRead(t *testing.T) {
	doc := document.New("")
	text := doc.Text(document.DefaultTextName)
	require.NoError(t, text.Insert(0, "shared"))

	ed := newCountingEditor(t, "local")
	ed.before = func() {
		require.NoError(t, ed.Edit(uri, editor.Change{RangeOffset: 5, Text: " typed late"}))
	}
	app := NewApplicator(ed, text, &FeedbackGuard{}, nil, nil)

	require.NoError(t, app.Reconcile(context.Background()))
	got, _ := ed.Text(uri)
	assert.Equal(t, "shared", got)
}

func TestReconcileFailureReleasesGuard(t *testing.T) {
	doc := document.New("")
	text := doc.Text(document.DefaultTextName)
	require.NoError(t, text.Insert(0, "new"))

	ed := newCountingEditor(t, "old")
	ed.err = errors.New("editor is read-only")
	guard := &FeedbackGuard{}
	app := NewApplicator(ed, text, guard, nil, nil)

	err := app.Reconcile(context.Background())
	assert.ErrorIs(t, err, ErrApplyEdit)
	assert.False(t, guard.Active())
	assert.Equal(t, 1, ed.replaces)

	// Not retried on its own; the next trigger tries again.
	ed.err = nil
	require.NoError(t, app.Reconcile(context.Background()))
	got, _ := ed.Text(uri)
	assert.Equal(t, "new", got)
}

func TestReconcileStaleSession(t *testing.T) {
	doc := document.New("")
	text := doc.Text(document.DefaultTextName)
	require.NoError(t, text.Insert(0, "remote"))

	ed := newCountingEditor(t, "local")
	guard := &FeedbackGuard{}
	app := NewApplicator(ed, text, guard, func() bool { return false }, nil)

	assert.ErrorIs(t, app.Reconcile(context.Background()), ErrStaleSession)
	assert.Zero(t, ed.replaces)
	assert.False(t, guard.Active())
	got, _ := ed.Text(uri)
	assert.Equal(t, "local", got)
}

func TestReconcileNoActiveEditor(t *testing.T) {
	doc := document.New("")
	text := doc.Text(document.DefaultTextName)
	require.NoError(t, text.Insert(0, "x"))

	ws := editor.NewWorkspace()
	app := NewApplicator(ws, text, &FeedbackGuard{}, nil, nil)
	assert.NoError(t, app.Reconcile(context.Background()))
}

func TestActiveEditorSwitch(t *testing.T) {
	b := newBinding(t, "", nil)
	require.NoError(t, b.text.Insert(0, "shared value"))
	assert.Equal(t, "shared value", b.editorText(t))

	const other editor.URI = "file:///other.txt"
	b.ws.Open(other, "something else")
	require.NoError(t, b.ws.SetActive(other))

	got, _ := b.ws.Text(other)
	assert.Equal(t, "shared value", got)
	assert.Equal(t, "shared value", b.text.String())
	assert.Empty(t, b.errs)
}
