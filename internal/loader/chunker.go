package loader

import (
	"strings"
	"unicode/utf8"
)

// span is a half-open byte range into normalized document text.
type span struct {
	start int
	end   int
}

// splitText windows text into spans of at most maxSize bytes with overlap
// bytes of repeated trailing context between consecutive spans. Cuts prefer
// a paragraph break, then a sentence break, then a line break within the
// window; a hard cut at a rune boundary is the fallback. The spans cover the
// text completely: span[i+1].start = span[i].end - actualOverlap, so
// concatenating the spans with overlapping prefixes removed reproduces the
// text exactly.
func splitText(text string, maxSize, overlap int) []span {
	if text == "" {
		return nil
	}
	if maxSize <= 0 {
		maxSize = 2048
	}
	if overlap < 0 || overlap >= maxSize {
		overlap = maxSize / 10
	}

	var spans []span
	start := 0
	for start < len(text) {
		if len(text)-start <= maxSize {
			spans = append(spans, span{start: start, end: len(text)})
			break
		}

		end := findBreak(text, start, start+maxSize)
		spans = append(spans, span{start: start, end: end})

		next := runeFloor(text, end-overlap)
		if next <= start {
			// Overlap would stall the window; drop it for this step.
			next = end
		}
		start = next
	}
	return spans
}

// findBreak picks the cut position in (start, hardEnd], preferring semantic
// boundaries in the trailing half of the window.
func findBreak(text string, start, hardEnd int) int {
	hardEnd = runeFloor(text, hardEnd)
	minEnd := start + (hardEnd-start)/2
	window := text[start:hardEnd]

	// Paragraph boundary: cut after the blank line.
	if idx := strings.LastIndex(window, "\n\n"); idx >= 0 && start+idx+2 > minEnd {
		return start + idx + 2
	}

	// Sentence boundary: cut after the punctuation and following space.
	best := -1
	for _, sep := range []string{". ", ".\n", "! ", "!\n", "? ", "?\n"} {
		if idx := strings.LastIndex(window, sep); idx >= 0 && idx+len(sep) > best {
			best = idx + len(sep)
		}
	}
	if best >= 0 && start+best > minEnd {
		return start + best
	}

	// Line boundary.
	if idx := strings.LastIndexByte(window, '\n'); idx >= 0 && start+idx+1 > minEnd {
		return start + idx + 1
	}

	return hardEnd
}

// runeFloor moves pos down to the nearest rune start boundary.
func runeFloor(text string, pos int) int {
	if pos <= 0 {
		return 0
	}
	if pos >= len(text) {
		return len(text)
	}
	for pos > 0 && !utf8.RuneStart(text[pos]) {
		pos--
	}
	return pos
}
