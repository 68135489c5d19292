// Package security guards file names built from trace directory names.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// JoinWithin joins elems onto base and rejects the result if it would
// resolve outside base. The check is lexical, so it also holds for
// in-memory filesystems.
func JoinWithin(base string, elems ...string) (string, error) {
	cleanBase := filepath.Clean(base)
	joined := filepath.Join(append([]string{cleanBase}, elems...)...)
	rel, err := filepath.Rel(cleanBase, joined)
	if err != nil {
		return "", fmt.Errorf("path is outside %s: %w", base, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("path traversal detected: %s escapes %s", filepath.Join(elems...), base)
	}
	return joined, nil
}

// SanitizeName makes a file name component from an arbitrary trace or group
// name. Runs of characters other than ASCII letters, digits, '.', '_' and
// '-' become a single underscore; the result is at most 128 bytes and never
// empty.
func SanitizeName(s string) string {
	const maxLen = 128
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
			lastUnderscore = r == '_'
		case !lastUnderscore:
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
