package pv

import "io"

// Container is the destination (backup) or source (restore) of one archive.
// Implementations hand out a fresh handle per call; the engine owns each
// handle exclusively until it closes it.
type Container interface {
	// Create opens the container for writing, truncating previous contents.
	// The archive is complete once the returned writer is closed.
	Create() (io.WriteCloser, error)

	// Open returns a seekable, read-only handle on the container.
	Open() (ReadHandle, error)

	// String describes the container for logs and history.
	String() string
}

// ReadHandle is a random-access view of a container. The zip central
// directory lives at the end of the file, so sequential access is not enough.
type ReadHandle interface {
	io.ReaderAt
	io.Closer
	Size() int64
}
