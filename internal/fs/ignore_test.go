package fs

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
)

func TestNewIgnoreMatcher(t *testing.T) {
	t.Run("skips blank lines, comments and malformed globs", func(t *testing.T) {
		t.Parallel()
		m := NewIgnoreMatcher([]string{"", "  ", "# comment", "*.log", "[unclosed", ":*.db", "com.app:", "!"})
		if len(m.rules) != 1 {
			t.Fatalf("expected 1 rule, got %d: %+v", len(m.rules), m.rules)
		}
		if m.rules[0].pattern != "*.log" {
			t.Errorf("expected *.log, got %s", m.rules[0].pattern)
		}
	})

	t.Run("parses scope, negation and key patterns", func(t *testing.T) {
		t.Parallel()
		m := NewIgnoreMatcher([]string{"*.log", "cache/*", "com.*:*.db", "!keep.log", "/anchored"})
		want := []ignoreRule{
			{pattern: "*.log"},
			{pattern: "cache/*", matchKey: true},
			{scope: "com.*", pattern: "*.db"},
			{pattern: "keep.log", negate: true},
			{pattern: "anchored"},
		}
		if len(m.rules) != len(want) {
			t.Fatalf("got %d rules, want %d", len(m.rules), len(want))
		}
		for i := range want {
			if m.rules[i] != want[i] {
				t.Errorf("rule %d = %+v, want %+v", i, m.rules[i], want[i])
			}
		}
	})
}

func TestIgnoreMatcher_MatchPackage(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		pkg      string
		want     bool
	}{
		{name: "basename glob", patterns: []string{"*.log"}, pkg: "debug.log", want: true},
		{name: "different extension", patterns: []string{"*.log"}, pkg: "com.app", want: false},
		{name: "ignore file itself", patterns: defaultIgnorePatterns, pkg: IgnoreFileName, want: true},
		{name: "key pattern never skips a package", patterns: []string{"cache/*"}, pkg: "cache", want: false},
		{name: "scoped rule never skips a package", patterns: []string{"com.app:*"}, pkg: "com.app", want: false},
		{name: "negation re-includes", patterns: []string{"com.*", "!com.keep"}, pkg: "com.keep", want: false},
		{name: "later rule wins", patterns: []string{"!com.keep", "com.*"}, pkg: "com.keep", want: true},
		{name: "no patterns", patterns: nil, pkg: "anything", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewIgnoreMatcher(tt.patterns)
			if got := m.MatchPackage(tt.pkg); got != tt.want {
				t.Errorf("MatchPackage(%q) = %v, want %v", tt.pkg, got, tt.want)
			}
		})
	}
}

func TestIgnoreMatcher_MatchRecord(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		pkg      string
		key      string
		want     bool
	}{
		{name: "basename glob at top level", patterns: []string{"*.tmp"}, pkg: "kv", key: "a.tmp", want: true},
		{name: "basename glob in subdirectory", patterns: []string{"*.tmp"}, pkg: "kv", key: "dir/a.tmp", want: true},
		{name: "basename glob misses", patterns: []string{"*.tmp"}, pkg: "kv", key: "a.txt", want: false},
		{name: "key pattern is package relative", patterns: []string{"cache/*"}, pkg: "kv", key: "cache/x", want: true},
		{name: "key pattern does not see package name", patterns: []string{"kv/*"}, pkg: "kv", key: "x", want: false},
		{name: "key pattern does not cross directories", patterns: []string{"cache/*"}, pkg: "kv", key: "cache/sub/x", want: false},
		{name: "scoped rule matches its package", patterns: []string{"com.*:*.db"}, pkg: "com.app", key: "state.db", want: true},
		{name: "scoped rule skips other packages", patterns: []string{"com.*:*.db"}, pkg: "org.app", key: "state.db", want: false},
		{name: "scoped key pattern", patterns: []string{"com.app:cache/*"}, pkg: "com.app", key: "cache/x", want: true},
		{name: "negation re-includes", patterns: []string{"*.tmp", "!keep.tmp"}, pkg: "kv", key: "keep.tmp", want: false},
		{name: "scoped negation", patterns: []string{"*.tmp", "com.app:!keep.tmp"}, pkg: "com.app", key: "keep.tmp", want: true},
		{name: "negated scoped rule", patterns: []string{"*.tmp", "!com.app:keep.tmp"}, pkg: "com.app", key: "keep.tmp", want: false},
		{name: "negated scoped rule other package", patterns: []string{"*.tmp", "!com.app:keep.tmp"}, pkg: "org.app", key: "keep.tmp", want: true},
		{name: "character class", patterns: []string{"*.[oa]"}, pkg: "kv", key: "main.o", want: true},
		{name: "empty key", patterns: []string{"*"}, pkg: "kv", key: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewIgnoreMatcher(tt.patterns)
			if got := m.MatchRecord(tt.pkg, tt.key); got != tt.want {
				t.Errorf("MatchRecord(%q, %q) = %v, want %v", tt.pkg, tt.key, got, tt.want)
			}
		})
	}
}

func TestParseIgnoreFile(t *testing.T) {
	t.Run("reads patterns from file", func(t *testing.T) {
		t.Parallel()
		afs := afero.NewMemMapFs()
		name := filepath.Join("/tree", IgnoreFileName)
		content := "*.log\n# comment\n\n*.tmp\ncom.app:cache/*\n"
		if err := afero.WriteFile(afs, name, []byte(content), 0o644); err != nil {
			t.Fatalf("writing test file: %v", err)
		}

		patterns, err := ParseIgnoreFile(afs, name)
		if err != nil {
			t.Fatalf("ParseIgnoreFile() error = %v", err)
		}
		if len(patterns) != 5 { // blank and comment lines are NewIgnoreMatcher's job
			t.Fatalf("expected 5 raw lines, got %d", len(patterns))
		}
		if m := NewIgnoreMatcher(patterns); len(m.rules) != 3 {
			t.Errorf("expected 3 parsed rules, got %d", len(m.rules))
		}
	})

	t.Run("returns nil for missing file", func(t *testing.T) {
		t.Parallel()
		patterns, err := ParseIgnoreFile(afero.NewMemMapFs(), "/nonexistent/.pkgvaultignore")
		if err != nil {
			t.Fatalf("ParseIgnoreFile() error = %v", err)
		}
		if patterns != nil {
			t.Errorf("expected nil patterns, got %v", patterns)
		}
	})
}
