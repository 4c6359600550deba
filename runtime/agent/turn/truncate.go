package turn

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/agentforge/core/runtime/agent/config"
)

const truncationMarker = "[…truncated…]"

// EnforceUserMessageLimits truncates text in place when it exceeds
// maxBytes: the middle is cut at UTF-8 boundaries, truncationMarker is
// inserted where content was removed, and the full original is spilled to
// <cwd>/.code/user/<safe-sub-id>-<uuid>.txt with a pointer appended to the
// retained text. Returns the (possibly truncated) text and the spill path,
// which is empty when no truncation occurred or the spill failed.
func EnforceUserMessageLimits(cwd, subID, text string, maxBytes int) (result string, spillPath string) {
	if len(text) <= maxBytes || maxBytes <= 0 {
		return text, ""
	}

	prefixEnd, suffixStart := truncateMiddleBounds(text, maxBytes)
	truncated := text[:prefixEnd] + truncationMarker + text[suffixStart:]

	dir := config.UserSpill(cwd)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return truncated + fmt.Sprintf("\n\n[Full output was too large and truncation applied; failed to save file: %v]", err), ""
	}

	filename := fmt.Sprintf("user-message-%s-%s.txt", safeSubID(subID), uuid.NewString())
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return truncated + fmt.Sprintf("\n\n[Full output was too large and truncation applied; failed to save file: %v]", err), ""
	}

	return truncated + fmt.Sprintf("\n\n[Full output saved to: %s]", path), path
}

// truncateMiddleBounds returns byte offsets (prefixEnd, suffixStart) such
// that s[:prefixEnd] and s[suffixStart:] together are no longer than
// maxBytes, both cut on UTF-8 rune boundaries, with the removed middle
// roughly centered.
func truncateMiddleBounds(s string, maxBytes int) (prefixEnd, suffixStart int) {
	if len(s) <= maxBytes {
		return len(s), len(s)
	}
	half := maxBytes / 2
	prefixEnd = alignToRuneBoundary(s, half)
	suffixStart = alignToRuneBoundary(s, len(s)-(maxBytes-half))
	if suffixStart < prefixEnd {
		suffixStart = prefixEnd
	}
	return prefixEnd, suffixStart
}

func alignToRuneBoundary(s string, idx int) int {
	if idx <= 0 {
		return 0
	}
	if idx >= len(s) {
		return len(s)
	}
	for idx < len(s) && !isUTF8Boundary(s[idx]) {
		idx++
	}
	return idx
}

func isUTF8Boundary(b byte) bool {
	return b&0xC0 != 0x80
}

// safeSubID sanitizes subID for use as a filename component.
func safeSubID(subID string) string {
	var out strings.Builder
	for _, r := range subID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out.WriteRune(r)
		default:
			out.WriteByte('-')
		}
	}
	if out.Len() == 0 {
		return "sub"
	}
	return out.String()
}
