package pv

import (
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"

	"pkgvault/internal/encryption"
)

// ArchiveWriter serializes packages into the configured container, one
// package at a time, at the pace the host supplies data.
//
// Zip entries cannot be rewritten once started, so a full-blob entry is
// spooled until EndPackage and key/value records are held in memory.
type ArchiveWriter struct {
	cfg    BackupConfiguration
	logger Logger
	clock  Clock
	idgen  IDGenerator
	state  *SessionState
}

// NewArchiveWriter creates a writer for cfg. No I/O happens until the first
// data-bearing call.
func NewArchiveWriter(cfg BackupConfiguration, logger Logger, clock Clock, idgen IDGenerator) *ArchiveWriter {
	if cfg.SpoolFs == nil {
		cfg.SpoolFs = afero.NewOsFs()
	}
	return &ArchiveWriter{cfg: cfg, logger: logger, clock: clock, idgen: idgen}
}

// Active reports whether a session is in flight.
func (w *ArchiveWriter) Active() bool { return w.state != nil }

// Session returns the in-flight session, or nil.
func (w *ArchiveWriter) Session() *SessionState { return w.state }

// Current returns the open package and the bytes accepted for it so far.
func (w *ArchiveWriter) Current() (string, int64) {
	if w.state == nil {
		return "", 0
	}
	return w.state.pkg, w.state.transferred
}

// Initialize creates the destination and, when a password is configured,
// writes the salt entry and derives the session key. It is a no-op while a
// session is already active.
func (w *ArchiveWriter) Initialize() error {
	if w.state != nil {
		return nil
	}

	if w.cfg.SpoolDir != "" {
		if err := w.cfg.SpoolFs.MkdirAll(w.cfg.SpoolDir, 0700); err != nil {
			return &IOError{Op: "creating spool directory", Err: err}
		}
	}

	out, err := w.cfg.Container.Create()
	if err != nil {
		return &IOError{Op: "creating container", Err: err}
	}

	st := &SessionState{
		ID:        w.idgen.New(),
		StartedAt: w.clock.Now(),
		out:       out,
		zw:        zip.NewWriter(out),
	}

	if w.cfg.Password != "" {
		if err := w.writeSalt(st); err != nil {
			_ = out.Close()
			return err
		}
	}

	w.state = st
	w.logger.Info("backup session started",
		"session", st.ID, "destination", w.cfg.Container.String(),
		"packages", len(w.cfg.Packages), "encrypted", st.key != nil)
	return nil
}

func (w *ArchiveWriter) writeSalt(st *SessionState) error {
	salt, err := encryption.NewSalt()
	if err != nil {
		return &CryptoError{Op: "generating salt", Err: err}
	}
	key, err := encryption.DeriveKey(w.cfg.Password, salt)
	if err != nil {
		return &CryptoError{Op: "deriving key", Err: err}
	}
	if err := writeEntry(st.zw, w.cfg.Prefixes.Salt, salt); err != nil {
		return &IOError{Op: "writing salt", Err: err}
	}
	st.salt = salt
	st.key = key
	return nil
}

// CheckCapacity tells the host whether a package of sizeHint bytes can be
// accepted.
func (w *ArchiveWriter) CheckCapacity(sizeHint int64) error {
	if sizeHint <= 0 {
		return fmt.Errorf("%w: size %d", ErrRejected, sizeHint)
	}
	if sizeHint > w.cfg.Quota {
		return fmt.Errorf("%w: size %d, quota %d", ErrQuotaExceeded, sizeHint, w.cfg.Quota)
	}
	return nil
}

// QuotaFor returns the per-package quota.
func (w *ArchiveWriter) QuotaFor(string) int64 {
	return w.cfg.Quota
}

// BeginFullStream opens a full-blob entry for pkg. Data is pulled from src
// by subsequent PullBytes calls.
func (w *ArchiveWriter) BeginFullStream(pkg string, src io.Reader) error {
	if err := w.beginPackage("BeginFullStream", pkg); err != nil {
		return err
	}
	st := w.state

	spool, err := afero.TempFile(w.cfg.SpoolFs, w.cfg.SpoolDir, "pkgvault-spool-*")
	if err != nil {
		return &IOError{Op: "creating spool", Package: pkg, Err: err}
	}

	var enc *encryption.Encrypter
	if st.key != nil {
		enc, err = encryption.NewEncrypter(st.key, st.salt)
		if err != nil {
			w.removeSpool(spool)
			return &CryptoError{Op: "starting cipher", Err: err}
		}
	}

	st.open(pkg, PackageFull)
	st.src = src
	st.enc = enc
	st.spool = spool
	w.logger.Debug("full stream opened", "package", pkg)
	return nil
}

// PullBytes reads exactly n bytes from the package source and appends them
// to the open entry. The quota is checked before anything is read.
func (w *ArchiveWriter) PullBytes(n int) error {
	st := w.state
	switch {
	case st == nil || st.pkg == "":
		return protocolErr("PullBytes", "no package open")
	case st.kind != PackageFull:
		return protocolErr("PullBytes", "package %s is not a full stream", st.pkg)
	case st.aborted:
		return protocolErr("PullBytes", "package %s was aborted", st.pkg)
	case n < 0:
		return protocolErr("PullBytes", "negative length %d", n)
	}

	if st.transferred+int64(n) > w.cfg.Quota {
		return fmt.Errorf("%w: package %s at %d bytes, requested %d, quota %d",
			ErrQuotaExceeded, st.pkg, st.transferred, n, w.cfg.Quota)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(st.src, buf); err != nil {
		w.abortPackage()
		return &IOError{Op: "reading source", Package: st.pkg, Err: err}
	}

	data := buf
	if st.enc != nil {
		var err error
		if data, err = st.enc.Update(buf); err != nil {
			w.abortPackage()
			return &CryptoError{Op: "encrypting", Err: err}
		}
	}

	if _, err := st.spool.Write(data); err != nil {
		w.abortPackage()
		return &IOError{Op: "writing spool", Package: st.pkg, Err: err}
	}
	st.transferred += int64(n)
	return nil
}

// BeginKeyValueStream stages every live record of pkg as its own entry.
// Records are committed to the archive by EndPackage.
func (w *ArchiveWriter) BeginKeyValueStream(pkg string, records RecordSource, flags Flags) error {
	if w.cfg.Capabilities.ReportsIncrementalFlags && flags&FlagIncremental != 0 {
		return fmt.Errorf("%w: package %s", ErrNonIncrementalRequired, pkg)
	}
	if err := w.beginPackage("BeginKeyValueStream", pkg); err != nil {
		return err
	}
	st := w.state
	st.open(pkg, PackageKeyValue)

	var total int64
	var pending []pendingEntry
	for {
		rec, err := records.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			w.abortPackage()
			return &IOError{Op: "reading records", Package: pkg, Err: err}
		}
		if rec.Deleted {
			continue
		}
		if rec.Key == "" {
			w.abortPackage()
			return protocolErr("BeginKeyValueStream", "empty record key in package %s", pkg)
		}

		total += int64(len(rec.Value))
		if total > w.cfg.Quota {
			return fmt.Errorf("%w: package %s needs more than %d bytes", ErrQuotaExceeded, pkg, w.cfg.Quota)
		}

		data := rec.Value
		if st.key != nil {
			if data, err = encryption.Encrypt(rec.Value, st.key, st.salt); err != nil {
				w.abortPackage()
				return &CryptoError{Op: "encrypting record", Err: err}
			}
		}
		pending = append(pending, pendingEntry{name: w.cfg.Prefixes.recordName(pkg, rec.Key), data: data})
	}

	st.pending = pending
	st.transferred = total
	w.logger.Debug("key/value records staged", "package", pkg, "records", len(pending), "bytes", total)
	return nil
}

func (w *ArchiveWriter) beginPackage(call, pkg string) error {
	if pkg == "" {
		return protocolErr(call, "empty package name")
	}
	if err := w.Initialize(); err != nil {
		return err
	}
	if w.state.pkg != "" {
		return protocolErr(call, "package %s is still open", w.state.pkg)
	}
	return nil
}

// EndPackage commits the open entry and counts the package. The archive is
// finalized once every configured package has been ended, or immediately
// when cancel is set; in that case the open entry is discarded. The returned
// bool reports whether the archive was finalized.
func (w *ArchiveWriter) EndPackage(cancel bool) (bool, error) {
	st := w.state
	if st == nil {
		return false, protocolErr("EndPackage", "no session")
	}

	var commitErr error
	switch {
	case st.pkg == "":
		w.logger.Warn("package ended with nothing open", "session", st.ID)
	case cancel || st.aborted:
		w.discardPackage()
	default:
		commitErr = w.commitPackage()
	}
	st.finalized++
	st.clear()

	if !cancel && st.finalized < len(w.cfg.Packages) {
		return false, commitErr
	}
	return true, errors.Join(commitErr, w.finish())
}

func (w *ArchiveWriter) commitPackage() error {
	st := w.state
	pkg := st.pkg

	switch st.kind {
	case PackageFull:
		defer w.removeSpool(st.spool)
		if st.enc != nil {
			tail, err := st.enc.Final()
			if err != nil {
				return &CryptoError{Op: "finalizing cipher", Err: err}
			}
			if _, err := st.spool.Write(tail); err != nil {
				return &IOError{Op: "writing spool", Package: pkg, Err: err}
			}
		}
		if _, err := st.spool.Seek(0, io.SeekStart); err != nil {
			return &IOError{Op: "rewinding spool", Package: pkg, Err: err}
		}
		f, err := st.zw.Create(w.cfg.Prefixes.fullName(pkg))
		if err != nil {
			return &IOError{Op: "creating entry", Package: pkg, Err: err}
		}
		if _, err := io.Copy(f, st.spool); err != nil {
			return &IOError{Op: "writing entry", Package: pkg, Err: err}
		}
	case PackageKeyValue:
		for _, e := range st.pending {
			if err := writeEntry(st.zw, e.name, e.data); err != nil {
				return &IOError{Op: "writing record", Package: pkg, Err: err}
			}
		}
	}

	w.logger.Info("package committed", "package", pkg, "type", st.kind.String(), "bytes", st.transferred)
	return nil
}

// abortPackage drops the open entry after a failure. The package stays
// current so the host can still end it.
func (w *ArchiveWriter) abortPackage() {
	st := w.state
	w.logger.Warn("package aborted", "package", st.pkg)
	w.discardPackage()
	st.aborted = true
}

func (w *ArchiveWriter) discardPackage() {
	st := w.state
	if st.spool != nil {
		w.removeSpool(st.spool)
		st.spool = nil
	}
	st.enc = nil
	st.src = nil
	st.pending = nil
}

func (w *ArchiveWriter) finish() error {
	st := w.state
	w.state = nil

	var errs []error
	if err := st.zw.Close(); err != nil {
		errs = append(errs, &IOError{Op: "finalizing archive", Err: err})
	}
	if err := st.out.Close(); err != nil {
		errs = append(errs, &IOError{Op: "closing container", Err: err})
	}
	w.logger.Info("backup session finished", "session", st.ID, "packages", st.finalized)
	return errors.Join(errs...)
}

func (w *ArchiveWriter) removeSpool(f afero.File) {
	name := f.Name()
	_ = f.Close()
	if err := w.cfg.SpoolFs.Remove(name); err != nil {
		w.logger.Warn("removing spool", "path", name, "error", err)
	}
}

func writeEntry(zw *zip.Writer, name string, data []byte) error {
	f, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	return err
}
