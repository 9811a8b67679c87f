// Package validate checks and normalizes client supplied identifiers, paging
// parameters and file payloads before they reach a storage provider.
package validate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/onexay/diagram-share/internal/storage"
)

const (
	// DefaultFilename replaces empty or fully stripped filenames.
	DefaultFilename = "share.json"
	// MaxContentBytes bounds a single file payload.
	MaxContentBytes = 10 * 1024 * 1024

	maxPage        = 1000
	defaultPerPage = 100
	maxPerPage     = 100
)

var (
	gistIDPattern   = regexp.MustCompile(`^[0-9a-f]{20,40}$`)
	revisionPattern = regexp.MustCompile(`^(?:[0-9a-f]{40}|[0-9a-f]{64})$`)
	unsafeFilename  = regexp.MustCompile(`[/\\?*|"<>:\x00]`)
)

// ShareID accepts canonical UUIDs (local and GitLab shares) and gist ids.
func ShareID(id string) bool {
	if len(id) == 36 {
		_, err := uuid.Parse(id)
		return err == nil
	}
	return gistIDPattern.MatchString(id)
}

// Revision accepts SHA-1 and SHA-256 hex digests.
func Revision(sha string) bool {
	return revisionPattern.MatchString(strings.ToLower(sha))
}

// Page normalizes a 1-based page number; invalid input falls back to 1.
func Page(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 1
	}
	return min(n, maxPage)
}

// PerPage normalizes a page size; invalid input falls back to the maximum.
func PerPage(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return defaultPerPage
	}
	return min(n, maxPerPage)
}

// Limit parses a result limit. Empty input yields def and values above
// maxLimit are capped; anything else that is not a positive integer is rejected.
func Limit(raw string, def, maxLimit int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, &storage.ValidationError{Message: fmt.Sprintf("limit must be a positive integer, got %q", raw)}
	}
	if maxLimit > 0 && n > maxLimit {
		return maxLimit, nil
	}
	return n, nil
}

// Content checks that a payload is present and within MaxContentBytes.
func Content(content *string) error {
	if content == nil {
		return &storage.ValidationError{Message: "Content is required"}
	}
	if len(*content) > MaxContentBytes {
		return &storage.ValidationError{Message: "Content is too large (max 10MB)"}
	}
	if strings.IndexByte(*content, 0) >= 0 {
		return &storage.ValidationError{Message: "Content must not contain NUL bytes"}
	}
	return nil
}

// SanitizeFilename strips path and shell metacharacters and leading dots.
func SanitizeFilename(name string) string {
	cleaned := strings.TrimSpace(unsafeFilename.ReplaceAllString(name, ""))
	cleaned = strings.TrimSpace(strings.TrimLeft(cleaned, "."))
	if cleaned == "" {
		return DefaultFilename
	}
	return cleaned
}

// FilenamePolicy restricts filenames to a set of doublestar globs.
type FilenamePolicy struct {
	patterns []string
}

// NewFilenamePolicy validates patterns. No patterns allows every name.
func NewFilenamePolicy(patterns []string) (FilenamePolicy, error) {
	var kept []string
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return FilenamePolicy{}, fmt.Errorf("invalid filename pattern %q", p)
		}
		kept = append(kept, p)
	}
	return FilenamePolicy{patterns: kept}, nil
}

// Allowed reports whether name matches any configured pattern.
func (f FilenamePolicy) Allowed(name string) bool {
	if len(f.patterns) == 0 {
		return true
	}
	for _, p := range f.patterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

// Filename sanitizes name and checks it against the policy.
func (f FilenamePolicy) Filename(name string) (string, error) {
	cleaned := SanitizeFilename(name)
	if !f.Allowed(cleaned) {
		return "", &storage.ValidationError{Message: fmt.Sprintf("filename %q is not allowed", cleaned)}
	}
	return cleaned, nil
}
