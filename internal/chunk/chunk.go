// Package chunk splits document text into overlapping windows for embedding.
package chunk

import "iter"

// Chunks returns a lazy sequence of sliding-window substrings of text.
// Windows are size runes long and start at multiples of size-overlap; the
// final window may be shorter. A text shorter than size yields a single
// chunk equal to the whole text. size clamps to a minimum of 1 and overlap
// clamps into [0, size). The sequence is finite and can be ranged over
// multiple times.
func Chunks(text string, size, overlap int) iter.Seq[string] {
	if size < 1 {
		size = 1
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size - 1
	}
	step := size - overlap
	if step < 1 {
		step = 1
	}

	return func(yield func(string) bool) {
		runes := []rune(text)
		for start := 0; start < len(runes); start += step {
			end := start + size
			if end > len(runes) {
				end = len(runes)
			}
			if !yield(string(runes[start:end])) {
				return
			}
		}
		if len(runes) == 0 {
			yield("")
		}
	}
}

// Split collects Chunks into a slice.
func Split(text string, size, overlap int) []string {
	var out []string
	for c := range Chunks(text, size, overlap) {
		out = append(out, c)
	}
	return out
}

// Count returns the number of chunks Chunks would yield without
// materializing them.
func Count(textLen, size, overlap int) int {
	if textLen <= 0 {
		return 1
	}
	if size < 1 {
		size = 1
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size - 1
	}
	step := size - overlap
	if step < 1 {
		step = 1
	}
	return (textLen + step - 1) / step
}
