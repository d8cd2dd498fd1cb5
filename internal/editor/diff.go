package editor

import "unicode/utf16"

// Diff returns the single change that turns before into after, trimmed
// to the longest common prefix and suffix. Offsets are UTF-16 code units
// and never split a surrogate pair. ok is false when the texts are equal.
func Diff(before, after string) (change Change, ok bool) {
	if before == after {
		return Change{}, false
	}

	a := utf16.Encode([]rune(before))
	b := utf16.Encode([]rune(after))

	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	if prefix > 0 && isHighSurrogate(a[prefix-1]) {
		prefix--
	}

	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix && a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}
	if suffix > 0 && isLowSurrogate(a[len(a)-suffix]) {
		suffix--
	}

	return Change{
		RangeOffset: prefix,
		RangeLength: len(a) - prefix - suffix,
		Text:        string(utf16.Decode(b[prefix : len(b)-suffix])),
	}, true
}

func isHighSurrogate(u uint16) bool {
	return u >= 0xd800 && u < 0xdc00
}

func isLowSurrogate(u uint16) bool {
	return u >= 0xdc00 && u < 0xe000
}
