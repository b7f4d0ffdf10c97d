package container

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"pkgvault/internal/pv"
)

// MemoryContainer keeps the archive in memory, making it useful for testing.
// This implementation is safe for concurrent use.
type MemoryContainer struct {
	name string
	data []byte
	ok   bool
	mu   sync.RWMutex
}

// NewMemoryContainer creates an empty in-memory container with the given name.
func NewMemoryContainer(name string) *MemoryContainer {
	return &MemoryContainer{name: name}
}

// Create returns a buffer whose contents replace the archive on Close.
func (m *MemoryContainer) Create() (io.WriteCloser, error) {
	return &memoryWriter{c: m}, nil
}

// Open returns a read handle on a snapshot of the archive.
func (m *MemoryContainer) Open() (pv.ReadHandle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.ok {
		return nil, fmt.Errorf("archive not found: %s", m.String())
	}
	return &memoryHandle{Reader: bytes.NewReader(m.data)}, nil
}

// Bytes returns the archive contents, or nil when nothing was written.
func (m *MemoryContainer) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return bytes.Clone(m.data)
}

// SetBytes replaces the archive contents.
func (m *MemoryContainer) SetBytes(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = bytes.Clone(data)
	m.ok = true
}

func (m *MemoryContainer) String() string {
	return "memory://" + m.name
}

type memoryWriter struct {
	c   *MemoryContainer
	buf bytes.Buffer
}

func (w *memoryWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *memoryWriter) Close() error {
	w.c.SetBytes(w.buf.Bytes())
	return nil
}

type memoryHandle struct {
	*bytes.Reader
}

func (h *memoryHandle) Close() error { return nil }

// Compile-time check that MemoryContainer implements pv.Container interface
var _ pv.Container = (*MemoryContainer)(nil)
