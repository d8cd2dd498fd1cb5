package collab

import (
	"fmt"
	"log/slog"

	"code-with-me/internal/document"
	"code-with-me/internal/editor"
	"code-with-me/internal/operations"
)

// Translator replays editor change events into the shared text.
type Translator struct {
	editor editor.Editor
	text   SharedText
	guard  *FeedbackGuard
	log    *slog.Logger
}

// NewTranslator creates a translator for the active document of ed.
func NewTranslator(ed editor.Editor, text SharedText, guard *FeedbackGuard, logger *slog.Logger) *Translator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Translator{editor: ed, text: text, guard: guard, log: logger}
}

// HandleChange applies ev to the shared text. Events for documents other
// than the active one, and events raised while the guard is up, are
// ignored. All changes of one event are committed as a single
// transaction; each change is addressed against the text left by the
// previous one.
func (t *Translator) HandleChange(ev editor.ChangeEvent) error {
	if t.text == nil || t.guard.Active() {
		return nil
	}
	uri, _, ok := t.editor.ActiveDocument()
	if !ok || uri != ev.URI || len(ev.Changes) == 0 {
		return nil
	}

	err := t.text.Transact(func(tx *document.TextTx) error {
		for i, c := range ev.Changes {
			op, err := operations.ToRunes(tx.String(), operations.NewReplaceOp(c.RangeOffset, c.RangeLength, c.Text))
			if err != nil {
				return fmt.Errorf("change %d: %w", i, err)
			}
			if op.IsNoop() {
				continue
			}
			if err := tx.Replace(op.Offset, op.DeleteLength, op.InsertText); err != nil {
				return fmt.Errorf("change %d: %w", i, err)
			}
			t.log.Debug("translated change", "uri", ev.URI, "op", op.String())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to translate edit on %s: %w", ev.URI, err)
	}

	t.log.Debug("local edit", "uri", ev.URI, "changes", len(ev.Changes))
	return nil
}
