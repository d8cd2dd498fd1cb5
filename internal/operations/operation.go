package operations

import (
	"errors"
	"fmt"
)

// ErrInvalidOffset is returned when an edit does not address the text it
// is applied to.
var ErrInvalidOffset = errors.New("invalid offset")

// EditOperation represents one local edit: delete DeleteLength units at
// Offset, then insert InsertText at Offset. Offsets and lengths are in the
// units of whoever produced the operation (UTF-16 code units for editor
// edits, runes once translated).
type EditOperation struct {
	Offset       int
	DeleteLength int
	InsertText   string
}

// NewReplaceOp creates an operation that deletes then inserts.
func NewReplaceOp(offset, length int, text string) EditOperation {
	return EditOperation{Offset: offset, DeleteLength: length, InsertText: text}
}

// String returns a human-readable representation of the operation.
func (op EditOperation) String() string {
	switch {
	case op.DeleteLength == 0:
		return fmt.Sprintf("Insert(%q at %d)", op.InsertText, op.Offset)
	case op.InsertText == "":
		return fmt.Sprintf("Delete(%d at %d)", op.DeleteLength, op.Offset)
	default:
		return fmt.Sprintf("Replace(%d at %d with %q)", op.DeleteLength, op.Offset, op.InsertText)
	}
}

// IsNoop reports whether the operation changes nothing.
func (op EditOperation) IsNoop() bool {
	return op.DeleteLength == 0 && op.InsertText == ""
}

// Validate checks the operation is well formed on its own.
func (op EditOperation) Validate() error {
	if op.Offset < 0 {
		return fmt.Errorf("%w: offset %d (must be >= 0)", ErrInvalidOffset, op.Offset)
	}
	if op.DeleteLength < 0 {
		return fmt.Errorf("%w: delete length %d (must be >= 0)", ErrInvalidOffset, op.DeleteLength)
	}
	return nil
}
