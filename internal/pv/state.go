package pv

import (
	"io"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"

	"pkgvault/internal/encryption"
)

// SessionState is the in-flight state of one backup. It exists from the
// first data-bearing call until the archive is finalized or cancelled.
type SessionState struct {
	ID        string
	StartedAt time.Time

	out io.WriteCloser
	zw  *zip.Writer

	key  []byte
	salt []byte

	finalized int

	// Current package. pkg is empty between packages.
	pkg         string
	kind        PackageType
	aborted     bool
	transferred int64
	src         io.Reader
	enc         *encryption.Encrypter
	spool       afero.File
	pending     []pendingEntry
}

type pendingEntry struct {
	name string
	data []byte
}

func (s *SessionState) open(pkg string, kind PackageType) {
	s.pkg = pkg
	s.kind = kind
	s.aborted = false
	s.transferred = 0
	s.src = nil
	s.enc = nil
	s.spool = nil
	s.pending = nil
}

func (s *SessionState) clear() {
	s.open("", PackageUnknown)
}

// RestoreState is the in-flight state of one restore.
type RestoreState struct {
	ID        string
	StartedAt time.Time

	packages []string
	cursor   int
	// entries is the list of entry names, captured once at BeginRestore.
	entries  []string
	resolved map[string]PackageType
	current  RestoreDescription

	key  []byte
	salt []byte

	// Open full-blob stream of the current package.
	handle   ReadHandle
	rc       io.ReadCloser
	dec      *encryption.Decrypter
	streamed int64
	drained  bool
}

// RestoreDescription names the package the restore cursor is on.
type RestoreDescription struct {
	Name string
	Type PackageType
}
