package container

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"pkgvault/internal/pv"
)

// FileSystemContainer stores the archive as a single file. Writes go to a
// temp file next to the destination and are renamed into place on Close, so
// a reader never sees a half-written archive.
type FileSystemContainer struct {
	fs   afero.Fs
	path string
}

// NewFileSystemContainer creates a container for the archive at path.
func NewFileSystemContainer(fs afero.Fs, path string) *FileSystemContainer {
	return &FileSystemContainer{fs: fs, path: filepath.Clean(path)}
}

// Create opens a temp file for writing. The archive replaces any previous
// one at path when the writer is closed.
func (c *FileSystemContainer) Create() (io.WriteCloser, error) {
	dir := filepath.Dir(c.path)
	if err := c.fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create container directory: %w", err)
	}

	tmp, err := afero.TempFile(c.fs, dir, ".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	return &atomicFile{File: tmp, fs: c.fs, dest: c.path}, nil
}

// Open returns a read handle on the archive.
func (c *FileSystemContainer) Open() (pv.ReadHandle, error) {
	f, err := c.fs.Open(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("archive not found: %s", c.path)
		}
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}
	return &fileHandle{File: f, size: info.Size()}, nil
}

// Exists reports whether an archive has been written.
func (c *FileSystemContainer) Exists() (bool, error) {
	return afero.Exists(c.fs, c.path)
}

func (c *FileSystemContainer) String() string {
	return "file://" + c.path
}

// atomicFile renames itself to dest on Close.
type atomicFile struct {
	afero.File
	fs     afero.Fs
	dest   string
	closed bool
}

func (f *atomicFile) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true

	tmpPath := f.Name()
	if err := f.File.Close(); err != nil {
		f.fs.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := f.fs.Rename(tmpPath, f.dest); err != nil {
		f.fs.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

type fileHandle struct {
	afero.File
	size int64
}

func (h *fileHandle) Size() int64 { return h.size }

// Compile-time check that FileSystemContainer implements pv.Container interface
var _ pv.Container = (*FileSystemContainer)(nil)
