// Package diff turns unified-diff text into inline-suggestion blocks for
// pull request comments. The mapping is heuristic and best-effort: it does
// not reconstruct multi-hunk or rename diffs byte-exactly.
package diff

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/revloop/pkg/models"
)

// DefaultMaxSuggestions caps how many blocks one diff may produce.
const DefaultMaxSuggestions = 3

var (
	fileHeaderRe = regexp.MustCompile(`^diff --git a/(.+) b/(.+)$`)
	hunkHeaderRe = regexp.MustCompile(`^@@ -\d+(?:,\d+)? \+(\d+)(?:,\d+)? @@`)
)

// ExtractSuggestions walks diffText and accumulates consecutive added or
// removed lines into suggestion blocks anchored at the line immediately
// preceding the first affected one (floored at 1). A block flushes on a
// new file header, a new hunk header, or an unchanged context line. Only
// `+` line bodies contribute text; `-` lines only advance the anchor.
// Output is truncated to max blocks (DefaultMaxSuggestions when max <= 0).
func ExtractSuggestions(diffText string, max int) []models.SuggestionBlock {
	if max <= 0 {
		max = DefaultMaxSuggestions
	}

	var (
		blocks   []models.SuggestionBlock
		file     string
		line     int // next new-file line number
		pending  *models.SuggestionBlock
		pendBody []string
	)

	flush := func() {
		if pending != nil && len(pendBody) > 0 {
			pending.Body = strings.Join(pendBody, "\n")
			blocks = append(blocks, *pending)
		}
		pending = nil
		pendBody = nil
	}

	for _, raw := range strings.Split(diffText, "\n") {
		if m := fileHeaderRe.FindStringSubmatch(raw); m != nil {
			flush()
			file = m[2]
			line = 0
			continue
		}
		if m := hunkHeaderRe.FindStringSubmatch(raw); m != nil {
			flush()
			line, _ = strconv.Atoi(m[1])
			continue
		}
		if file == "" || line == 0 {
			continue
		}

		switch {
		case strings.HasPrefix(raw, "+"):
			if pending == nil {
				pending = newBlock(file, line)
			}
			pendBody = append(pendBody, raw[1:])
			pending.EndLine = line
			line++
		case strings.HasPrefix(raw, "-"):
			if pending == nil {
				pending = newBlock(file, line)
			}
			// Removed lines anchor the block but contribute no body and do
			// not advance the new-file counter.
		case strings.HasPrefix(raw, `\`):
			// "\ No newline at end of file" markers do not occupy a line.
			flush()
		default:
			flush()
			line++
		}
	}
	flush()

	if len(blocks) > max {
		blocks = blocks[:max]
	}
	return blocks
}

func newBlock(file string, line int) *models.SuggestionBlock {
	anchor := line - 1
	if anchor < 1 {
		anchor = 1
	}
	return &models.SuggestionBlock{
		FilePath:  file,
		StartLine: anchor,
		EndLine:   anchor,
	}
}
