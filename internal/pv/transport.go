package pv

import (
	"errors"
	"io"
	"sync"
)

// Transport is the entry point the host drives. It owns at most one backup
// or restore at a time, translates engine errors into Status codes, and
// reports progress to the observer.
type Transport struct {
	mu       sync.Mutex
	logger   Logger
	observer Observer
	clock    Clock
	idgen    IDGenerator

	writer *ArchiveWriter
	reader *ArchiveReader
	source Container
	// reported is set once OnPackageDone fired for the current restore package.
	reported bool

	// Outcome of the package currently open on the writer.
	pkgResult Result
	pkgErr    error
	// Worst package outcome of the session.
	failed   bool
	packages int
}

// NewTransport creates a Transport with the provided dependencies.
func NewTransport(logger Logger, observer Observer, clock Clock, idgen IDGenerator) *Transport {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Transport{
		logger:   logger,
		observer: observer,
		clock:    clock,
		idgen:    idgen,
	}
}

// Active reports whether a backup or restore is in flight.
func (t *Transport) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active()
}

func (t *Transport) active() bool {
	return t.writer != nil || t.reader != nil
}

func (t *Transport) status(call string, err error) Status {
	s := StatusOf(err)
	var perr *ProtocolError
	switch {
	case err == nil:
	case errors.As(err, &perr):
		t.logger.Error("protocol violation", "call", call, "error", err)
	case s == StatusError:
		t.logger.Error(call+" failed", "error", err)
	case s != StatusNoMoreData:
		t.logger.Info(call+" declined", "status", s.String(), "error", err)
	}
	return s
}

// StartBackup validates cfg and prepares a backup session. The container is
// not touched until the first data-bearing call.
func (t *Transport) StartBackup(cfg BackupConfiguration) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active() {
		return t.status("StartBackup", ErrSessionActive)
	}
	if err := cfg.Validate(); err != nil {
		return t.status("StartBackup", err)
	}
	t.writer = NewArchiveWriter(cfg, t.logger, t.clock, t.idgen)
	t.pkgResult, t.pkgErr = ResultOK, nil
	t.failed = false
	t.packages = 0
	return StatusOK
}

// Initialize forces creation of the destination.
func (t *Transport) Initialize() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.writer == nil {
		return t.status("Initialize", protocolErr("Initialize", "no backup in progress"))
	}
	return t.status("Initialize", t.writer.Initialize())
}

// CheckCapacity reports whether a package of sizeHint bytes fits the quota.
func (t *Transport) CheckCapacity(sizeHint int64) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.writer == nil {
		return t.status("CheckCapacity", protocolErr("CheckCapacity", "no backup in progress"))
	}
	return t.status("CheckCapacity", t.writer.CheckCapacity(sizeHint))
}

// QuotaFor returns the quota for pkg, or 0 when no backup is in progress.
func (t *Transport) QuotaFor(pkg string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.writer == nil {
		return 0
	}
	return t.writer.QuotaFor(pkg)
}

// BeginFullStream opens a full-blob package.
func (t *Transport) BeginFullStream(pkg string, src io.Reader) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.writer == nil {
		return t.status("BeginFullStream", protocolErr("BeginFullStream", "no backup in progress"))
	}
	err := t.writer.BeginFullStream(pkg, src)
	if err == nil {
		t.pkgResult, t.pkgErr = ResultOK, nil
	}
	return t.status("BeginFullStream", err)
}

// PullBytes pulls n bytes of the open full-blob package.
func (t *Transport) PullBytes(n int) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.writer == nil {
		return t.status("PullBytes", protocolErr("PullBytes", "no backup in progress"))
	}
	err := t.writer.PullBytes(n)
	t.notePackage(err)
	if err == nil {
		t.progress()
	}
	return t.status("PullBytes", err)
}

// BeginKeyValueStream stages the records of a key/value package.
func (t *Transport) BeginKeyValueStream(pkg string, records RecordSource, flags Flags) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.writer == nil {
		return t.status("BeginKeyValueStream", protocolErr("BeginKeyValueStream", "no backup in progress"))
	}
	t.pkgResult, t.pkgErr = ResultOK, nil
	err := t.writer.BeginKeyValueStream(pkg, records, flags)
	t.notePackage(err)
	if err == nil {
		t.progress()
	}
	return t.status("BeginKeyValueStream", err)
}

// notePackage records the first failure of the open package. Protocol
// violations do not change the package outcome.
func (t *Transport) notePackage(err error) {
	var perr *ProtocolError
	if err == nil || errors.As(err, &perr) || t.pkgErr != nil {
		return
	}
	t.pkgResult, t.pkgErr = ResultOf(err), err
}

func (t *Transport) progress() {
	pkg, transferred := t.writer.Current()
	st := t.writer.Session()
	t.observer.OnPackageProgress(ProgressEvent{
		SessionID:   st.ID,
		Kind:        KindBackup,
		Package:     pkg,
		Transferred: transferred,
		Expected:    t.writer.QuotaFor(pkg),
	})
}

// EndPackage ends the open package, or cancels the whole backup when cancel
// is set. The session is closed after the last configured package.
func (t *Transport) EndPackage(cancel bool) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.writer
	if w == nil || !w.Active() {
		return t.status("EndPackage", protocolErr("EndPackage", "no backup in progress"))
	}

	st := w.Session()
	pkg, transferred := w.Current()
	result, pkgErr := t.pkgResult, t.pkgErr
	if cancel {
		result = ResultCancelled
	}

	finalized, err := w.EndPackage(cancel)
	if err != nil && pkgErr == nil {
		result, pkgErr = ResultError, err
	}
	if result == ResultError {
		t.failed = true
	}
	t.packages++
	t.pkgResult, t.pkgErr = ResultOK, nil

	if pkg != "" {
		t.observer.OnPackageDone(PackageEvent{
			SessionID: st.ID,
			Kind:      KindBackup,
			Package:   pkg,
			Result:    result,
			Bytes:     transferred,
			Err:       pkgErr,
		})
	}

	if finalized {
		sessionResult := ResultOK
		switch {
		case cancel:
			sessionResult = ResultCancelled
		case t.failed:
			sessionResult = ResultError
		}
		t.observer.OnSessionDone(SessionEvent{
			SessionID:   st.ID,
			Kind:        KindBackup,
			Destination: w.cfg.Container.String(),
			Result:      sessionResult,
			Packages:    t.packages,
			StartedAt:   st.StartedAt,
			FinishedAt:  t.clock.Now(),
		})
		t.writer = nil
	}
	return t.status("EndPackage", err)
}

// CancelBackup drops a backup that never produced a session, or cancels an
// in-flight one.
func (t *Transport) CancelBackup() Status {
	t.mu.Lock()
	w := t.writer
	if w != nil && !w.Active() {
		t.writer = nil
		t.mu.Unlock()
		return StatusOK
	}
	t.mu.Unlock()
	if w == nil {
		return StatusOK
	}
	return t.EndPackage(true)
}

// StartRestore opens cfg.Source and positions the cursor before packages[0].
func (t *Transport) StartRestore(cfg RestoreConfiguration, packages []string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active() {
		return t.status("StartRestore", ErrSessionActive)
	}
	if err := cfg.Validate(); err != nil {
		return t.status("StartRestore", err)
	}
	r := NewArchiveReader(cfg, t.logger, t.clock, t.idgen)
	if err := r.BeginRestore(packages); err != nil {
		return t.status("StartRestore", err)
	}
	t.reader = r
	t.source = cfg.Source
	t.failed = false
	t.packages = 0
	return StatusOK
}

// NextPackage moves to the next restorable package. StatusNoMoreData ends
// the iteration.
func (t *Transport) NextPackage() (RestoreDescription, Status) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.reader == nil {
		return RestoreDescription{}, t.status("NextPackage", protocolErr("NextPackage", "no restore in progress"))
	}
	t.reportAbandoned()
	desc, err := t.reader.NextPackage()
	if err == nil {
		t.packages++
		t.reported = false
	}
	return desc, t.status("NextPackage", err)
}

// CurrentPackage returns the package the restore cursor is on.
func (t *Transport) CurrentPackage() (RestoreDescription, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.reader == nil {
		return RestoreDescription{}, false
	}
	return t.reader.Current()
}

// PullKeyValueRecords restores all records of the current key/value package.
func (t *Transport) PullKeyValueRecords(sink RecordSink) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.reader == nil {
		return t.status("PullKeyValueRecords", protocolErr("PullKeyValueRecords", "no restore in progress"))
	}
	_, err := t.reader.PullKeyValueRecords(sink)
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.restoreProgress()
		t.restoreDone(err)
	}
	return t.status("PullKeyValueRecords", err)
}

// PullFullChunk writes the next chunk of the current full-blob package to
// sink. StatusNoMoreData marks the end of the package.
func (t *Transport) PullFullChunk(sink io.Writer) (int, Status) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.reader == nil {
		return 0, t.status("PullFullChunk", protocolErr("PullFullChunk", "no restore in progress"))
	}
	n, err := t.reader.PullFullChunk(sink)
	var perr *ProtocolError
	switch {
	case err == nil:
		t.restoreProgress()
	case errors.As(err, &perr):
	default:
		t.restoreDone(err)
	}
	return n, t.status("PullFullChunk", err)
}

// AbortFullStream stops streaming the current full-blob package.
func (t *Transport) AbortFullStream() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.reader == nil {
		return t.status("AbortFullStream", protocolErr("AbortFullStream", "no restore in progress"))
	}
	desc, ok := t.reader.Current()
	err := t.reader.AbortFullStream()
	if err == nil && ok && !t.reported {
		t.reported = true
		t.observer.OnPackageDone(PackageEvent{
			SessionID: t.reader.Session().ID,
			Kind:      KindRestore,
			Package:   desc.Name,
			Result:    ResultCancelled,
			Bytes:     t.reader.Streamed(),
		})
	}
	return t.status("AbortFullStream", err)
}

// EndRestore closes the restore session.
func (t *Transport) EndRestore() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.reader == nil {
		return t.status("EndRestore", protocolErr("EndRestore", "no restore in progress"))
	}
	t.reportAbandoned()
	st := t.reader.Session()
	err := t.reader.EndRestore()

	result := ResultOK
	if t.failed || err != nil {
		result = ResultError
	}
	t.observer.OnSessionDone(SessionEvent{
		SessionID:   st.ID,
		Kind:        KindRestore,
		Destination: t.source.String(),
		Result:      result,
		Packages:    t.packages,
		StartedAt:   st.StartedAt,
		FinishedAt:  t.clock.Now(),
	})
	t.reader = nil
	t.source = nil
	return t.status("EndRestore", err)
}

// reportAbandoned reports a full-blob package the host moved past while its
// entry was still open.
func (t *Transport) reportAbandoned() {
	desc, ok := t.reader.Current()
	if !ok || t.reported || !t.reader.Streaming() {
		return
	}
	t.reported = true
	t.logger.Warn("package left mid-stream", "package", desc.Name, "bytes", t.reader.Streamed())
	t.observer.OnPackageDone(PackageEvent{
		SessionID: t.reader.Session().ID,
		Kind:      KindRestore,
		Package:   desc.Name,
		Result:    ResultCancelled,
		Bytes:     t.reader.Streamed(),
	})
}

func (t *Transport) restoreProgress() {
	desc, ok := t.reader.Current()
	if !ok {
		return
	}
	index, count := t.reader.Position()
	t.observer.OnPackageProgress(ProgressEvent{
		SessionID:   t.reader.Session().ID,
		Kind:        KindRestore,
		Package:     desc.Name,
		Transferred: t.reader.Streamed(),
		Expected:    -1,
		Index:       index,
		Count:       count,
	})
}

// restoreDone reports the end of the current package; err is nil or io.EOF
// on success.
func (t *Transport) restoreDone(err error) {
	desc, ok := t.reader.Current()
	if !ok || t.reported {
		return
	}
	t.reported = true
	result := ResultOf(err)
	if result == ResultError {
		t.failed = true
	}
	if errors.Is(err, io.EOF) {
		err = nil
	}
	t.observer.OnPackageDone(PackageEvent{
		SessionID: t.reader.Session().ID,
		Kind:      KindRestore,
		Package:   desc.Name,
		Result:    result,
		Bytes:     t.reader.Streamed(),
		Err:       err,
	})
}
