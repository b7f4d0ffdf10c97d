package fs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"pkgvault/internal/pv"
)

// Package is one package found in a tree.
type Package struct {
	Name     string
	KeyValue bool  // directory of records rather than a single blob
	Size     int64 // blob size, or the sum of record sizes
}

// Tree maps packages onto a directory: a regular file <root>/<pkg> is a
// full-blob package and a directory <root>/<pkg>/ is a key/value package
// whose files are its records, keyed by their slash-separated path.
type Tree struct {
	fs     afero.Fs
	root   string
	ignore *IgnoreMatcher
}

// NewTree creates a tree rooted at root. patterns are combined with the
// defaults and the tree's own ignore file, if present.
func NewTree(afs afero.Fs, root string, patterns []string) (*Tree, error) {
	fromFile, err := ParseIgnoreFile(afs, filepath.Join(root, IgnoreFileName))
	if err != nil {
		return nil, err
	}
	all := append(append(append([]string{}, defaultIgnorePatterns...), patterns...), fromFile...)
	return &Tree{fs: afs, root: root, ignore: NewIgnoreMatcher(all)}, nil
}

// Root returns the directory the tree is rooted at.
func (t *Tree) Root() string {
	return t.root
}

// Packages lists the packages in the tree sorted by name. Ignored entries
// and special files are skipped.
func (t *Tree) Packages() ([]Package, error) {
	entries, err := afero.ReadDir(t.fs, t.root)
	if err != nil {
		return nil, fmt.Errorf("reading tree: %w", err)
	}

	var pkgs []Package
	for _, info := range entries {
		if t.ignore.MatchPackage(info.Name()) || checkSupported(info) != nil {
			continue
		}
		pkg, err := t.describe(info)
		if err != nil {
			return nil, err
		}
		pkgs = append(pkgs, pkg)
	}
	return pkgs, nil
}

// Package describes a single package by name.
func (t *Tree) Package(name string) (Package, error) {
	if err := validName(name); err != nil {
		return Package{}, err
	}
	info, err := t.fs.Stat(filepath.Join(t.root, name))
	if err != nil {
		return Package{}, fmt.Errorf("stat package %s: %w", name, err)
	}
	if err := checkSupported(info); err != nil {
		return Package{}, err
	}
	return t.describe(info)
}

func (t *Tree) describe(info os.FileInfo) (Package, error) {
	if !info.IsDir() {
		return Package{Name: info.Name(), Size: info.Size()}, nil
	}
	keys, err := t.recordKeys(info.Name())
	if err != nil {
		return Package{}, err
	}
	pkg := Package{Name: info.Name(), KeyValue: true}
	for _, k := range keys {
		pkg.Size += k.size
	}
	return pkg, nil
}

// OpenBlob opens a full-blob package for reading.
func (t *Tree) OpenBlob(name string) (io.ReadCloser, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	f, err := t.fs.Open(filepath.Join(t.root, name))
	if err != nil {
		return nil, fmt.Errorf("opening package %s: %w", name, err)
	}
	return f, nil
}

// Records returns the records of a key/value package in key order. Values
// are read lazily as the source is drained.
func (t *Tree) Records(name string) (pv.RecordSource, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	keys, err := t.recordKeys(name)
	if err != nil {
		return nil, err
	}
	return &recordSource{fs: t.fs, dir: filepath.Join(t.root, name), keys: keys}, nil
}

type recordKey struct {
	key  string
	size int64
}

func (t *Tree) recordKeys(name string) ([]recordKey, error) {
	dir := filepath.Join(t.root, name)
	var keys []recordKey
	err := afero.Walk(t.fs, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if t.ignore.MatchRecord(name, filepath.ToSlash(rel)) {
			return nil
		}
		keys = append(keys, recordKey{key: filepath.ToSlash(rel), size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking package %s: %w", name, err)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].key < keys[j].key })
	return keys, nil
}

type recordSource struct {
	fs   afero.Fs
	dir  string
	keys []recordKey
	pos  int
}

func (s *recordSource) Next() (pv.Record, error) {
	if s.pos >= len(s.keys) {
		return pv.Record{}, io.EOF
	}
	k := s.keys[s.pos]
	s.pos++
	value, err := afero.ReadFile(s.fs, filepath.Join(s.dir, filepath.FromSlash(k.key)))
	if err != nil {
		return pv.Record{}, fmt.Errorf("reading record %s: %w", k.key, err)
	}
	return pv.Record{Key: k.key, Value: value}, nil
}

// CreateBlob creates (or truncates) the file for a full-blob package.
func (t *Tree) CreateBlob(name string) (io.WriteCloser, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if err := t.fs.MkdirAll(t.root, 0o755); err != nil {
		return nil, fmt.Errorf("creating tree root: %w", err)
	}
	f, err := t.fs.Create(filepath.Join(t.root, name))
	if err != nil {
		return nil, fmt.Errorf("creating package %s: %w", name, err)
	}
	return f, nil
}

// RecordSink returns a sink that writes records of a key/value package as
// files under <root>/<name>/.
func (t *Tree) RecordSink(name string) (pv.RecordSink, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	dir := filepath.Join(t.root, name)
	if err := t.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating package %s: %w", name, err)
	}
	return &recordSink{fs: t.fs, dir: dir}, nil
}

type recordSink struct {
	fs  afero.Fs
	dir string
}

func (s *recordSink) WriteRecord(key string, value []byte) error {
	clean := path.Clean(key)
	if key == "" || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("record key %q escapes the package directory", key)
	}
	p := filepath.Join(s.dir, filepath.FromSlash(clean))
	if err := s.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating record directory: %w", err)
	}
	if err := afero.WriteFile(s.fs, p, value, 0o644); err != nil {
		return fmt.Errorf("writing record %s: %w", key, err)
	}
	return nil
}

var errInvalidName = errors.New("invalid package name")

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", errInvalidName, name)
	}
	return nil
}

// checkSupported rejects special files a package cannot be made of.
func checkSupported(info fs.FileInfo) error {
	mode := info.Mode()
	switch {
	case mode&os.ModeSymlink != 0:
		return fmt.Errorf("symlinks not supported: %s", info.Name())
	case mode&os.ModeDevice != 0:
		return fmt.Errorf("device files not supported: %s", info.Name())
	case mode&os.ModeNamedPipe != 0:
		return fmt.Errorf("named pipes not supported: %s", info.Name())
	case mode&os.ModeSocket != 0:
		return fmt.Errorf("sockets not supported: %s", info.Name())
	}
	return nil
}

var (
	_ pv.RecordSource = (*recordSource)(nil)
	_ pv.RecordSink   = (*recordSink)(nil)
)
