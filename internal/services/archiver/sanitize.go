package archiver

import (
	"strings"
	"unicode"

	"github.com/casekit/docket/internal/models"
)

// maxSegmentRunes bounds one stored path segment.
const maxSegmentRunes = 100

func isUnsafeRune(r rune) bool {
	switch r {
	case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
		return true
	}
	return unicode.IsSpace(r) || unicode.IsControl(r)
}

// sanitizeSegment maps one layout path segment to its stored form: unsafe
// characters and whitespace become underscores, underscore runs collapse,
// and the result is truncated to 100 code points. Segments that would begin
// with a dot or still contain a traversal sequence are rejected.
func sanitizeSegment(segment string) (string, error) {
	if segment == "" {
		return "", models.NewJobError(models.ErrKindValidation, "path segment is empty")
	}

	var b strings.Builder
	b.Grow(len(segment))
	lastUnderscore := false
	for _, r := range segment {
		if isUnsafeRune(r) {
			r = '_'
		}
		if r == '_' {
			if lastUnderscore {
				continue
			}
			lastUnderscore = true
		} else {
			lastUnderscore = false
		}
		b.WriteRune(r)
	}

	s := b.String()
	if runes := []rune(s); len(runes) > maxSegmentRunes {
		s = string(runes[:maxSegmentRunes])
	}

	if strings.HasPrefix(s, ".") {
		return "", models.NewJobErrorf(models.ErrKindValidation, "path segment %q would begin with a dot", segment)
	}
	if strings.Contains(s, "..") {
		return "", models.NewJobErrorf(models.ErrKindValidation, "path segment %q contains a traversal sequence", segment)
	}
	return s, nil
}

// attachmentContentType returns the source content type, falling back to
// octet-stream.
func attachmentContentType(ct string) string {
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}
