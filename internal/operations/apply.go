package operations

import (
	"fmt"
	"unicode/utf8"
)

// Apply executes an operation addressed in runes and returns the result.
func Apply(doc string, op EditOperation) (string, error) {
	if err := op.Validate(); err != nil {
		return "", fmt.Errorf("invalid operation: %w", err)
	}

	runes := []rune(doc)
	docLen := len(runes)
	if op.Offset > docLen {
		return "", fmt.Errorf("%w: offset %d out of range [0, %d]", ErrInvalidOffset, op.Offset, docLen)
	}
	if op.Offset+op.DeleteLength > docLen {
		return "", fmt.Errorf("%w: delete range [%d, %d) exceeds document length %d",
			ErrInvalidOffset, op.Offset, op.Offset+op.DeleteLength, docLen)
	}

	return string(runes[:op.Offset]) + op.InsertText + string(runes[op.Offset+op.DeleteLength:]), nil
}

// ApplyUTF16 executes an operation addressed in UTF-16 code units.
func ApplyUTF16(doc string, op EditOperation) (string, error) {
	converted, err := ToRunes(doc, op)
	if err != nil {
		return "", err
	}
	return Apply(doc, converted)
}

// ToRunes converts an operation addressed in UTF-16 code units against doc
// into the same operation addressed in runes.
func ToRunes(doc string, op EditOperation) (EditOperation, error) {
	if err := op.Validate(); err != nil {
		return EditOperation{}, err
	}

	start, err := UTF16ToRune(doc, op.Offset)
	if err != nil {
		return EditOperation{}, err
	}
	end, err := UTF16ToRune(doc, op.Offset+op.DeleteLength)
	if err != nil {
		return EditOperation{}, err
	}
	return EditOperation{Offset: start, DeleteLength: end - start, InsertText: op.InsertText}, nil
}

// UTF16Len returns the length of s in UTF-16 code units.
func UTF16Len(s string) int {
	n := 0
	for _, r := range s {
		n += runeUnits(r)
	}
	return n
}

// UTF16ToRune converts a UTF-16 code unit offset into a rune offset. An
// offset past the end or inside a surrogate pair is rejected.
func UTF16ToRune(s string, off int) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: utf-16 offset %d", ErrInvalidOffset, off)
	}

	units, runes := 0, 0
	for _, r := range s {
		if units == off {
			return runes, nil
		}
		units += runeUnits(r)
		runes++
		if units > off {
			return 0, fmt.Errorf("%w: utf-16 offset %d splits a surrogate pair", ErrInvalidOffset, off)
		}
	}
	if units == off {
		return runes, nil
	}
	return 0, fmt.Errorf("%w: utf-16 offset %d out of range [0, %d]", ErrInvalidOffset, off, units)
}

func runeUnits(r rune) int {
	if r >= 0x10000 && r <= utf8.MaxRune {
		return 2
	}
	return 1
}
