// Package security keeps generated files inside their output directories.
// Trial names and camera ids come from input files and are embedded in output
// file names, so they are sanitized before use.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned for paths that resolve outside their directory.
var ErrPathEscape = errors.New("path escapes output directory")

const maxNameLen = 128

// SanitizeFilename maps an identifier to a safe file name component. Runs of
// characters other than ASCII letters, digits, dot, underscore and dash become
// a single underscore; leading and trailing dots and underscores are trimmed.
// An empty result becomes "unknown".
func SanitizeFilename(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxNameLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore:
			b.WriteRune('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}

// OutputPath returns dir/<sanitized id><suffix> after checking that it stays
// within dir.
func OutputPath(dir, id, suffix string) (string, error) {
	p := filepath.Join(dir, SanitizeFilename(id)+suffix)
	if err := WithinDirectory(p, dir); err != nil {
		return "", err
	}
	return p, nil
}

// WithinDirectory reports an error when path, with symlinks resolved, is not
// inside dir. Path does not need to exist yet; its deepest existing parent is
// resolved instead.
func WithinDirectory(path, dir string) error {
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}
	canonicalDir := resolveExisting(absDir)
	canonicalPath := resolveExisting(absPath)

	rel, err := filepath.Rel(canonicalDir, canonicalPath)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPathEscape, path)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s is outside %s", ErrPathEscape, path, dir)
	}
	return nil
}

// resolveExisting evaluates symlinks on the deepest existing prefix of p and
// re-attaches the rest.
func resolveExisting(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	for check := p; ; {
		parent := filepath.Dir(check)
		if parent == check {
			return p
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			rest, _ := filepath.Rel(parent, p)
			return filepath.Join(resolved, rest)
		}
		if _, err := os.Lstat(parent); err == nil {
			return p
		}
		check = parent
	}
}
