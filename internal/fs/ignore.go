package fs

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// IgnoreFileName is the per-tree ignore file. It is always ignored itself.
const IgnoreFileName = ".pkgvaultignore"

// defaultIgnorePatterns are always applied regardless of config or the ignore file.
var defaultIgnorePatterns = []string{IgnoreFileName}

// ignoreRule is one parsed line of an ignore list.
type ignoreRule struct {
	// scope is a glob on the package name. Empty means the rule is unscoped.
	scope   string
	pattern string
	// matchKey is set when pattern contains '/' and is matched against the
	// whole record key instead of its last element.
	matchKey bool
	negate   bool
}

// IgnoreMatcher decides which packages and records of a tree are left out.
//
// Rule syntax, one per line:
//
//	*.tmp           unscoped: skips packages and records whose name matches
//	cache/*         contains '/': matched against the package-relative record key
//	com.app:*.db    scoped: applies only to records of packages matching com.app
//	!keep.tmp       negation: re-includes what an earlier rule skipped
//
// Later rules win over earlier ones. Scoped rules never skip a whole package.
type IgnoreMatcher struct {
	rules []ignoreRule
}

// NewIgnoreMatcher creates an IgnoreMatcher from raw pattern strings.
// Blank lines, lines starting with '#' and malformed globs are skipped.
func NewIgnoreMatcher(rawPatterns []string) *IgnoreMatcher {
	var rules []ignoreRule
	for _, raw := range rawPatterns {
		if r, ok := parseRule(raw); ok {
			rules = append(rules, r)
		}
	}
	return &IgnoreMatcher{rules: rules}
}

func parseRule(raw string) (ignoreRule, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return ignoreRule{}, false
	}

	var r ignoreRule
	if rest, ok := strings.CutPrefix(raw, "!"); ok {
		r.negate = true
		raw = rest
	}
	if scope, pattern, ok := strings.Cut(raw, ":"); ok {
		if scope == "" {
			return ignoreRule{}, false
		}
		if _, err := path.Match(scope, ""); err != nil {
			return ignoreRule{}, false
		}
		r.scope = scope
		raw = pattern
	}
	raw = strings.TrimPrefix(raw, "/")
	if raw == "" {
		return ignoreRule{}, false
	}
	if _, err := path.Match(raw, ""); err != nil {
		return ignoreRule{}, false
	}
	r.pattern = raw
	r.matchKey = strings.Contains(raw, "/")
	return r, true
}

// MatchPackage reports whether the top-level entry name should be skipped.
// Only unscoped rules without '/' take part.
func (m *IgnoreMatcher) MatchPackage(name string) bool {
	ignored := false
	for _, r := range m.rules {
		if r.scope != "" || r.matchKey {
			continue
		}
		if ok, _ := path.Match(r.pattern, name); ok {
			ignored = !r.negate
		}
	}
	return ignored
}

// MatchRecord reports whether record key of package pkg should be skipped.
// key is slash-separated and relative to the package directory.
func (m *IgnoreMatcher) MatchRecord(pkg, key string) bool {
	if key == "" {
		return false
	}
	base := path.Base(key)

	ignored := false
	for _, r := range m.rules {
		if r.scope != "" {
			if ok, _ := path.Match(r.scope, pkg); !ok {
				continue
			}
		}
		subject := base
		if r.matchKey {
			subject = key
		}
		if ok, _ := path.Match(r.pattern, subject); ok {
			ignored = !r.negate
		}
	}
	return ignored
}

// ParseIgnoreFile reads an ignore file and returns its raw lines.
// Returns nil and no error if the file does not exist.
func ParseIgnoreFile(afs afero.Fs, name string) ([]string, error) {
	f, err := afs.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		patterns = append(patterns, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return patterns, nil
}
