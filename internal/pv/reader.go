package pv

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/klauspost/compress/zip"

	"pkgvault/internal/encryption"
)

// ChunkSize is the most ciphertext a single PullFullChunk call consumes.
const ChunkSize = 2048

// ArchiveReader walks a container package by package and streams data back
// to the host.
type ArchiveReader struct {
	cfg    RestoreConfiguration
	logger Logger
	clock  Clock
	idgen  IDGenerator
	state  *RestoreState
}

func NewArchiveReader(cfg RestoreConfiguration, logger Logger, clock Clock, idgen IDGenerator) *ArchiveReader {
	return &ArchiveReader{cfg: cfg, logger: logger, clock: clock, idgen: idgen}
}

// Active reports whether a restore is in flight.
func (r *ArchiveReader) Active() bool { return r.state != nil }

// Session returns the in-flight restore, or nil.
func (r *ArchiveReader) Session() *RestoreState { return r.state }

// BeginRestore snapshots the container's entry names and, with a password,
// derives the key from the stored salt. packages is the order in which
// NextPackage visits packages.
func (r *ArchiveReader) BeginRestore(packages []string) error {
	if r.state != nil {
		return protocolErr("BeginRestore", "restore already in progress")
	}

	h, zr, err := openArchive(r.cfg.Source)
	if err != nil {
		return err
	}
	defer h.Close()

	st := &RestoreState{
		ID:        r.idgen.New(),
		StartedAt: r.clock.Now(),
		packages:  slices.Clone(packages),
		cursor:    -1,
		entries:   make([]string, 0, len(zr.File)),
		resolved:  make(map[string]PackageType),
	}
	for _, f := range zr.File {
		st.entries = append(st.entries, f.Name)
	}

	if r.cfg.Password != "" {
		salt, err := readEntry(zr, r.cfg.Prefixes.Salt)
		if err != nil {
			return &CryptoError{Op: "reading salt", Err: err}
		}
		key, err := encryption.DeriveKey(r.cfg.Password, salt)
		if err != nil {
			return &CryptoError{Op: "deriving key", Err: err}
		}
		st.salt = salt
		st.key = key
	}

	r.state = st
	r.logger.Info("restore session started",
		"session", st.ID, "source", r.cfg.Source.String(),
		"packages", len(packages), "entries", len(st.entries))
	return nil
}

// NextPackage advances to the next requested package that has data in the
// archive. Packages without entries are skipped.
func (r *ArchiveReader) NextPackage() (RestoreDescription, error) {
	st := r.state
	if st == nil {
		return RestoreDescription{}, protocolErr("NextPackage", "no restore in progress")
	}
	r.releaseStream()

	for st.cursor+1 < len(st.packages) {
		st.cursor++
		pkg := st.packages[st.cursor]
		typ := r.resolve(pkg)
		if typ == PackageUnknown {
			r.logger.Debug("package not in archive, skipping", "package", pkg)
			continue
		}
		st.current = RestoreDescription{Name: pkg, Type: typ}
		st.drained = false
		st.streamed = 0
		return st.current, nil
	}

	st.current = RestoreDescription{}
	return RestoreDescription{}, ErrNoMorePackages
}

// Current returns the package the cursor is on. It never moves the cursor.
func (r *ArchiveReader) Current() (RestoreDescription, bool) {
	if r.state == nil || r.state.current.Name == "" {
		return RestoreDescription{}, false
	}
	return r.state.current, true
}

// Position returns the cursor index and the number of requested packages.
func (r *ArchiveReader) Position() (int, int) {
	if r.state == nil {
		return -1, 0
	}
	return r.state.cursor, len(r.state.packages)
}

// resolve classifies pkg against the entry snapshot. Key/value layout wins
// when both are present. Results are cached so repeated lookups agree.
func (r *ArchiveReader) resolve(pkg string) PackageType {
	st := r.state
	if typ, ok := st.resolved[pkg]; ok {
		return typ
	}

	typ := PackageUnknown
	dir := r.cfg.Prefixes.keyValueDir(pkg)
	full := r.cfg.Prefixes.fullName(pkg)
	if slices.ContainsFunc(st.entries, func(name string) bool { return strings.HasPrefix(name, dir) }) {
		typ = PackageKeyValue
	} else if slices.Contains(st.entries, full) {
		typ = PackageFull
	}
	st.resolved[pkg] = typ
	return typ
}

// PullKeyValueRecords decrypts every record of the current key/value package
// into sink.
func (r *ArchiveReader) PullKeyValueRecords(sink RecordSink) (int, error) {
	st := r.state
	if st == nil || st.current.Type != PackageKeyValue {
		return 0, protocolErr("PullKeyValueRecords", "current package is not key/value")
	}
	pkg := st.current.Name

	h, zr, err := openArchive(r.cfg.Source)
	if err != nil {
		return 0, err
	}
	defer h.Close()

	dir := r.cfg.Prefixes.keyValueDir(pkg)
	count := 0
	for _, f := range zr.File {
		encoded, ok := strings.CutPrefix(f.Name, dir)
		if !ok || encoded == "" {
			continue
		}
		key, err := decodeKey(encoded)
		if err != nil {
			return count, &IOError{Op: "reading record name", Package: pkg, Err: err}
		}
		value, err := readFile(f)
		if err != nil {
			return count, &IOError{Op: "reading record", Package: pkg, Err: err}
		}
		if st.key != nil {
			if value, err = encryption.Decrypt(value, st.key, st.salt); err != nil {
				return count, &CryptoError{Op: "decrypting record", Err: err}
			}
		}
		if err := sink.WriteRecord(key, value); err != nil {
			return count, &IOError{Op: "writing record", Package: pkg, Err: err}
		}
		st.streamed += int64(len(value))
		count++
	}

	r.logger.Debug("key/value records restored", "package", pkg, "records", count)
	return count, nil
}

// PullFullChunk writes the next piece of plaintext of the current full-blob
// package to sink and returns its length. Each call consumes at most
// ChunkSize bytes of the stored entry. Once the entry is exhausted and the
// cipher finalized, it returns io.EOF.
func (r *ArchiveReader) PullFullChunk(sink io.Writer) (int, error) {
	st := r.state
	if st == nil || st.current.Type != PackageFull {
		return 0, protocolErr("PullFullChunk", "current package is not a full stream")
	}
	if st.drained {
		return 0, io.EOF
	}
	if st.rc == nil {
		if err := r.openStream(); err != nil {
			return 0, err
		}
	}

	buf := make([]byte, ChunkSize)
	for {
		n, readErr := st.rc.Read(buf)
		if n > 0 {
			out := buf[:n]
			if st.dec != nil {
				var err error
				if out, err = st.dec.Update(out); err != nil {
					r.releaseStream()
					return 0, &CryptoError{Op: "decrypting", Err: err}
				}
			}
			if len(out) > 0 {
				return r.emit(sink, out)
			}
		}

		if errors.Is(readErr, io.EOF) {
			var tail []byte
			if st.dec != nil {
				var err error
				if tail, err = st.dec.Final(); err != nil {
					r.releaseStream()
					return 0, &CryptoError{Op: "finalizing cipher", Err: err}
				}
			}
			r.releaseStream()
			st.drained = true
			if len(tail) > 0 {
				return r.emit(sink, tail)
			}
			return 0, io.EOF
		}
		if readErr != nil {
			r.releaseStream()
			return 0, &IOError{Op: "reading entry", Package: st.current.Name, Err: readErr}
		}
	}
}

func (r *ArchiveReader) emit(sink io.Writer, p []byte) (int, error) {
	st := r.state
	n, err := sink.Write(p)
	st.streamed += int64(n)
	if err != nil {
		r.releaseStream()
		return n, &IOError{Op: "writing chunk", Package: st.current.Name, Err: err}
	}
	return n, nil
}

func (r *ArchiveReader) openStream() error {
	st := r.state
	pkg := st.current.Name

	h, zr, err := openArchive(r.cfg.Source)
	if err != nil {
		return err
	}
	f := findFile(zr, r.cfg.Prefixes.fullName(pkg))
	if f == nil {
		_ = h.Close()
		return fmt.Errorf("%w: no entry for %s", ErrRejected, pkg)
	}
	rc, err := f.Open()
	if err != nil {
		_ = h.Close()
		return &IOError{Op: "opening entry", Package: pkg, Err: err}
	}

	if st.key != nil {
		dec, err := encryption.NewDecrypter(st.key, st.salt)
		if err != nil {
			_ = rc.Close()
			_ = h.Close()
			return &CryptoError{Op: "starting cipher", Err: err}
		}
		st.dec = dec
	}
	st.handle = h
	st.rc = rc
	return nil
}

// Streamed returns the plaintext bytes delivered for the current package.
func (r *ArchiveReader) Streamed() int64 {
	if r.state == nil {
		return 0
	}
	return r.state.streamed
}

// Streaming reports whether a full-blob entry is open and not yet drained.
func (r *ArchiveReader) Streaming() bool {
	return r.state != nil && r.state.rc != nil
}

// AbortFullStream releases the open entry of the current package. Further
// PullFullChunk calls report io.EOF.
func (r *ArchiveReader) AbortFullStream() error {
	if r.state == nil {
		return protocolErr("AbortFullStream", "no restore in progress")
	}
	r.releaseStream()
	r.state.drained = true
	return nil
}

// EndRestore releases everything held by the restore.
func (r *ArchiveReader) EndRestore() error {
	if r.state == nil {
		return protocolErr("EndRestore", "no restore in progress")
	}
	r.releaseStream()
	r.logger.Info("restore session finished", "session", r.state.ID)
	r.state = nil
	return nil
}

func (r *ArchiveReader) releaseStream() {
	st := r.state
	if st.rc != nil {
		_ = st.rc.Close()
		st.rc = nil
	}
	if st.handle != nil {
		if err := st.handle.Close(); err != nil {
			r.logger.Warn("closing container", "error", err)
		}
		st.handle = nil
	}
	st.dec = nil
}

// ListPackages classifies every package stored in c, in archive order.
func ListPackages(c Container, prefixes Prefixes) ([]RestoreDescription, error) {
	h, zr, err := openArchive(c)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	var out []RestoreDescription
	seen := make(map[string]int)
	for _, f := range zr.File {
		pkg, typ := prefixes.classify(f.Name)
		if typ == PackageUnknown {
			continue
		}
		if i, ok := seen[pkg]; ok {
			if typ == PackageKeyValue {
				out[i].Type = PackageKeyValue
			}
			continue
		}
		seen[pkg] = len(out)
		out = append(out, RestoreDescription{Name: pkg, Type: typ})
	}
	return out, nil
}

func openArchive(c Container) (ReadHandle, *zip.Reader, error) {
	h, err := c.Open()
	if err != nil {
		return nil, nil, &IOError{Op: "opening container", Err: err}
	}
	zr, err := zip.NewReader(h, h.Size())
	if err != nil {
		_ = h.Close()
		return nil, nil, &IOError{Op: "reading archive", Err: err}
	}
	return h, zr, nil
}

func findFile(zr *zip.Reader, name string) *zip.File {
	for _, f := range zr.File {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func readEntry(zr *zip.Reader, name string) ([]byte, error) {
	f := findFile(zr, name)
	if f == nil {
		return nil, fmt.Errorf("entry %s not found", name)
	}
	return readFile(f)
}

func readFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
