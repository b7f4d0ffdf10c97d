package testutil

import (
	"errors"
	"io"

	"pkgvault/internal/container"
	"pkgvault/internal/pv"
)

// NewTestContainer creates a new in-memory container for testing.
func NewTestContainer() *container.MemoryContainer {
	return container.NewMemoryContainer("test-container")
}

// ErrInjected is returned by the failing helpers below.
var ErrInjected = errors.New("injected failure")

// FailingReader returns data until it has handed out limit bytes, then fails.
type FailingReader struct {
	R     io.Reader
	Limit int
	read  int
}

func (f *FailingReader) Read(p []byte) (int, error) {
	if f.read >= f.Limit {
		return 0, ErrInjected
	}
	if len(p) > f.Limit-f.read {
		p = p[:f.Limit-f.read]
	}
	n, err := f.R.Read(p)
	f.read += n
	return n, err
}

// FailingContainer refuses to be created or opened.
type FailingContainer struct{}

func (FailingContainer) Create() (io.WriteCloser, error) { return nil, ErrInjected }
func (FailingContainer) Open() (pv.ReadHandle, error)    { return nil, ErrInjected }
func (FailingContainer) String() string                  { return "failing://" }

var _ pv.Container = FailingContainer{}
