// Package shadow defines the wire details of the synthetic history: the
// commit-message tag that links a synthetic commit back to its original
// commit, and the ref names the shadow pointers live under. The tag is a
// versioned micro-format; all parsing and formatting lives here.
package shadow

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// TagPrefix opens the machine-parseable line embedded in every synthetic
// commit message.
const TagPrefix = "Accretion-Source:"

// ErrNoTag means a commit message carries no source tag.
var ErrNoTag = errors.New("no source tag in message")

// Tag links a synthetic commit to the original commit it was derived from.
type Tag struct {
	OriginalID string
	Summary    string
}

// FormatTag renders the tag line: the prefix, a full-length hex id, and the
// quoted original summary.
func FormatTag(originalID, summary string) string {
	return fmt.Sprintf("%s %s %s", TagPrefix, originalID, strconv.Quote(summary))
}

// ParseTag scans a commit message for the tag line and decodes it. Returns
// ErrNoTag when no line carries the prefix; a line that carries the prefix
// but does not decode is an error, not a miss.
func ParseTag(message string) (Tag, error) {
	for _, line := range strings.Split(message, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, TagPrefix) {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, TagPrefix))
		id, quoted, found := strings.Cut(rest, " ")
		if !found || !isHexID(id) {
			return Tag{}, fmt.Errorf("malformed source tag %q", line)
		}
		summary, err := strconv.Unquote(strings.TrimSpace(quoted))
		if err != nil {
			return Tag{}, fmt.Errorf("malformed source tag %q: %w", line, err)
		}
		return Tag{OriginalID: id, Summary: summary}, nil
	}
	return Tag{}, ErrNoTag
}

// ComposeMessage builds a synthetic commit message: the step summary, then
// the tag line as a trailer.
func ComposeMessage(summary, originalID, originalSummary string) string {
	return summary + "\n\n" + FormatTag(originalID, originalSummary) + "\n"
}

func isHexID(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
