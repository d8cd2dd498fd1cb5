package editor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkspaceEdit(t *testing.T) {
	ws := NewWorkspace()
	ws.Open("a", "hello world")

	var events []ChangeEvent
	ws.OnDidChangeDocument(func(ev ChangeEvent) { events = append(events, ev) })

	require.NoError(t, ws.Edit("a", Change{RangeOffset: 5, RangeLength: 6}))
	text, _ := ws.Text("a")
	assert.Equal(t, "hello", text)

	require.Len(t, events, 1)
	assert.Equal(t, URI("a"), events[0].URI)
	assert.Equal(t, []Change{{RangeOffset: 5, RangeLength: 6}}, events[0].Changes)

	assert.ErrorIs(t, ws.Edit("missing", Change{}), ErrNoDocument)
	assert.ErrorIs(t, ws.Edit("a", Change{RangeOffset: 9}), ErrInvalidRange)
	assert.Len(t, events, 1)
}

func TestWorkspaceSequentialChanges(t *testing.T) {
	ws := NewWorkspace()
	ws.Open("a", "abc")

	require.NoError(t, ws.Edit("a",
		Change{RangeOffset: 0, RangeLength: 1, Text: "x"},
		Change{RangeOffset: 3, Text: "!"},
	))
	text, _ := ws.Text("a")
	assert.Equal(t, "xbc!", text)
}

func TestWorkspaceReplaceDocument(t *testing.T) {
	ws := NewWorkspace()
	ws.Open("a", "a😀b")

	var events []ChangeEvent
	ws.OnDidChangeDocument(func(ev ChangeEvent) { events = append(events, ev) })

	require.NoError(t, ws.ReplaceDocument(context.Background(), "a", "goodbye"))
	text, _ := ws.Text("a")
	assert.Equal(t, "goodbye", text)
	require.Len(t, events, 1)
	assert.Equal(t, []Change{{RangeLength: 4, Text: "goodbye"}}, events[0].Changes)

	// Same text: nothing to report.
	require.NoError(t, ws.ReplaceDocument(context.Background(), "a", "goodbye"))
	assert.Len(t, events, 1)

	assert.ErrorIs(t, ws.ReplaceDocument(context.Background(), "missing", "x"), ErrNoDocument)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, ws.ReplaceDocument(ctx, "a", "x"), context.Canceled)
}

func TestWorkspaceActive(t *testing.T) {
	ws := NewWorkspace()
	_, _, ok := ws.ActiveDocument()
	assert.False(t, ok)

	type focus struct {
		uri URI
		ok  bool
	}
	var seen []focus
	d := ws.OnDidChangeActiveEditor(func(uri URI, ok bool) { seen = append(seen, focus{uri, ok}) })

	assert.ErrorIs(t, ws.SetActive("a"), ErrNoDocument)

	ws.Open("a", "one")
	ws.Open("b", "two")
	require.NoError(t, ws.SetActive("b"))
	uri, text, ok := ws.ActiveDocument()
	assert.True(t, ok)
	assert.Equal(t, URI("b"), uri)
	assert.Equal(t, "two", text)

	ws.Close("b")
	_, _, ok = ws.ActiveDocument()
	assert.False(t, ok)
	assert.Equal(t, []focus{{"b", true}, {"", false}}, seen)

	d.Dispose()
	d.Dispose()
	require.NoError(t, ws.SetActive("a"))
	assert.Len(t, seen, 2)
	assert.Zero(t, ws.ListenerCount())
}

func TestNewDisposableRunsOnce(t *testing.T) {
	calls := 0
	d := NewDisposable(func() { calls++ })
	d.Dispose()
	d.Dispose()
	assert.Equal(t, 1, calls)
}
