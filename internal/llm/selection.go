package llm

import (
	"path"
	"strings"

	"github.com/patchsmith/patchsmith/internal/scanner"
)

// ParseFileSelection extracts repo-relative source paths from a
// free-form model reply. Bullets, numbering, backticks, quotes, and
// surrounding prose are tolerated; a token only counts when it has a
// path separator and an indexable source extension. Paths are cleaned,
// de-duplicated, and kept in reply order.
func ParseFileSelection(raw string) []string {
	var out []string
	seen := make(map[string]struct{})

	for _, line := range strings.Split(raw, "\n") {
		line = stripListMarker(strings.TrimSpace(line))
		for _, token := range strings.Fields(line) {
			p, ok := pathToken(token)
			if !ok {
				continue
			}
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// stripListMarker removes a leading bullet or "1." / "1)" numbering.
func stripListMarker(line string) string {
	for _, marker := range []string{"- ", "* ", "+ ", "• "} {
		if after, ok := strings.CutPrefix(line, marker); ok {
			return strings.TrimSpace(after)
		}
	}
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i > 0 && i < len(line) && (line[i] == '.' || line[i] == ')') {
		return strings.TrimSpace(line[i+1:])
	}
	return line
}

// pathToken cleans one whitespace-separated token and reports whether
// it qualifies as a source path. Wrapping markup comes off both ends;
// sentence punctuation only off the right, so a leading ".." survives
// to be rejected below.
func pathToken(token string) (string, bool) {
	token = strings.Trim(token, "`'\"*_()[]<>")
	token = strings.TrimRight(token, ".,;:!?")
	token = strings.TrimPrefix(token, "./")
	if !strings.Contains(token, "/") {
		return "", false
	}
	if !scanner.IsCodeFile(token) {
		return "", false
	}
	cleaned := strings.TrimPrefix(path.Clean(token), "/")
	if cleaned == "" || cleaned == "." || strings.HasPrefix(cleaned, "..") {
		return "", false
	}
	return cleaned, true
}
