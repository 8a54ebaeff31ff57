package bridge

import "strings"

// StreamingCursor tracks the single assistant message currently being
// appended to for one session. Cleared on message completion or result.
type StreamingCursor struct {
	ItemID string
	Text   string
}

// mergeOverlap fuses a new delta with existing accumulated text by locating
// their greatest suffix/prefix overlap, per spec.md §4.4:
//
//   - delta == existing            -> no change
//   - delta starts with existing   -> replace with delta
//   - existing starts with delta   -> no change
//   - otherwise, find the largest k (1 <= k <= min(len(existing), len(delta)))
//     such that existing ends with delta[:k]; the result is
//     existing + delta[k:].
//
// This makes the result robust to at-least-once and retransmitted deltas,
// but not to reordering.
func mergeOverlap(existing, delta string) string {
	if delta == existing {
		return existing
	}
	if strings.HasPrefix(delta, existing) {
		return delta
	}
	if strings.HasPrefix(existing, delta) {
		return existing
	}

	maxK := len(existing)
	if len(delta) < maxK {
		maxK = len(delta)
	}
	for k := maxK; k >= 1; k-- {
		if strings.HasSuffix(existing, delta[:k]) {
			return existing + delta[k:]
		}
	}
	return existing + delta
}

// normalizeStreamText applies the ingest-time text normalization rules
// from spec.md §4.4: CRLF -> LF, and a single '\n' not followed by another
// '\n', a list bullet, an ordered-list marker, or a code fence collapses to
// a single space. Paragraph and list structure is preserved, and every
// newline between a pair of fence lines is kept verbatim so multi-line code
// blocks are never flattened onto one line.
func normalizeStreamText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")

	var b strings.Builder
	inFence := false
	for i, line := range lines {
		b.WriteString(line)
		if i == len(lines)-1 {
			break
		}

		if isFenceLine(line) {
			inFence = !inFence
		}

		next := lines[i+1]
		preserve := inFence || line == "" || next == "" || isHardBreakFollowerLine(next)
		if preserve {
			b.WriteRune('\n')
		} else {
			b.WriteRune(' ')
		}
	}
	return b.String()
}

// isFenceLine reports whether line opens or closes a fenced code block.
func isFenceLine(line string) bool {
	trimmed := strings.TrimLeft(line, " \t")
	return strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~")
}

// isHardBreakFollowerLine reports whether line (the text right after a
// single '\n') should keep that newline intact rather than collapsing it
// to a space: a list bullet, an ordered-list marker, or a code fence.
// Paragraph breaks (adjacent blank lines) and fenced blocks are handled by
// the caller directly, since they depend on more than just this one line.
func isHardBreakFollowerLine(line string) bool {
	trimmed := strings.TrimLeft(line, " \t")
	if isFenceLine(line) {
		return true
	}
	if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") || strings.HasPrefix(trimmed, "+ ") {
		return true
	}
	if isOrderedListMarker(trimmed) {
		return true
	}
	return false
}

// isOrderedListMarker reports whether s begins with "<digits>. " or
// "<digits>) ".
func isOrderedListMarker(s string) bool {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(s) {
		return false
	}
	if s[i] != '.' && s[i] != ')' {
		return false
	}
	return i+1 < len(s) && s[i+1] == ' '
}
