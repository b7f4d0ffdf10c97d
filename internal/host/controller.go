package host

import (
	"context"
	"errors"
	"fmt"
	"io"

	"pkgvault/internal/fs"
	"pkgvault/internal/pv"
)

// Source provides the packages to back up.
type Source interface {
	Package(name string) (fs.Package, error)
	OpenBlob(name string) (io.ReadCloser, error)
	Records(name string) (pv.RecordSource, error)
}

// Destination receives restored packages.
type Destination interface {
	CreateBlob(name string) (io.WriteCloser, error)
	RecordSink(name string) (pv.RecordSink, error)
}

// Outcome is what happened to one package.
type Outcome struct {
	Package string
	Type    pv.PackageType
	Status  pv.Status
	Bytes   int64
	Err     error
}

// Report summarizes a backup or restore run.
type Report struct {
	Outcomes []Outcome
}

// Count returns how many packages ended with status s.
func (r *Report) Count(s pv.Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == s {
			n++
		}
	}
	return n
}

// Bytes returns the total bytes moved.
func (r *Report) Bytes() int64 {
	var n int64
	for _, o := range r.Outcomes {
		n += o.Bytes
	}
	return n
}

// Controller plays the host side of the engine protocol: it decides which
// packages to send, feeds their data in chunks, and writes restored data
// back out.
type Controller struct {
	transport   *pv.Transport
	logger      pv.Logger
	chunkSize   int
	incremental bool
}

// Option customizes a Controller.
type Option func(*Controller)

// WithChunkSize sets how many bytes each PullBytes call asks for.
func WithChunkSize(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithIncremental marks key/value packages as deltas. The engine asks for a
// full snapshot instead when the host reports incremental flags.
func WithIncremental(incremental bool) Option {
	return func(c *Controller) { c.incremental = incremental }
}

// NewController creates a Controller driving transport.
func NewController(transport *pv.Transport, logger pv.Logger, opts ...Option) *Controller {
	c := &Controller{
		transport: transport,
		logger:    logger,
		chunkSize: pv.ChunkSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Backup sends every package in cfg.Packages from src. Package failures are
// recorded in the report; the returned error is reserved for failures that
// stop the whole session. Cancelling ctx cancels the backup: the package in
// flight is dropped and the packages already ended stay in the archive.
func (c *Controller) Backup(ctx context.Context, src Source, cfg pv.BackupConfiguration) (*Report, error) {
	t := c.transport
	if st := t.StartBackup(cfg); st != pv.StatusOK {
		return nil, fmt.Errorf("starting backup: %s", st)
	}
	if st := t.Initialize(); st != pv.StatusOK {
		t.CancelBackup()
		return nil, fmt.Errorf("initializing destination %s: %s", cfg.Container, st)
	}

	report := &Report{}
	for _, name := range cfg.Packages {
		if err := ctx.Err(); err != nil {
			t.CancelBackup()
			return report, fmt.Errorf("backup cancelled: %w", err)
		}

		outcome := c.backupPackage(ctx, src, name)
		if err := ctx.Err(); err != nil {
			// The open entry is discarded rather than committed.
			t.CancelBackup()
			outcome.Status, outcome.Err = pv.StatusError, err
			report.Outcomes = append(report.Outcomes, outcome)
			return report, fmt.Errorf("backup cancelled during %s: %w", name, err)
		}
		if st := t.EndPackage(false); st != pv.StatusOK && outcome.Status == pv.StatusOK {
			outcome.Status = st
			outcome.Err = fmt.Errorf("ending package: %s", st)
		}
		if outcome.Err != nil {
			c.logger.Warn("package not fully backed up", "package", name, "status", outcome.Status.String(), "error", outcome.Err)
		}
		report.Outcomes = append(report.Outcomes, outcome)
	}
	return report, nil
}

// backupPackage sends one package. It leaves ending the package to the caller
// so that skipped packages are still counted.
func (c *Controller) backupPackage(ctx context.Context, src Source, name string) Outcome {
	t := c.transport
	outcome := Outcome{Package: name, Type: pv.PackageFull}

	pkg, err := src.Package(name)
	if err != nil {
		outcome.Status, outcome.Err = pv.StatusError, err
		return outcome
	}
	if pkg.KeyValue {
		outcome.Type = pv.PackageKeyValue
	}
	if pkg.Size > 0 {
		if st := t.CheckCapacity(pkg.Size); st != pv.StatusOK {
			outcome.Status, outcome.Err = st, fmt.Errorf("capacity check for %d bytes: %s", pkg.Size, st)
			return outcome
		}
	}

	if pkg.KeyValue {
		return c.backupRecords(src, outcome)
	}
	return c.backupBlob(ctx, src, pkg, outcome)
}

func (c *Controller) backupBlob(ctx context.Context, src Source, pkg fs.Package, outcome Outcome) Outcome {
	t := c.transport

	rc, err := src.OpenBlob(pkg.Name)
	if err != nil {
		outcome.Status, outcome.Err = pv.StatusError, err
		return outcome
	}
	defer rc.Close()

	if st := t.BeginFullStream(pkg.Name, rc); st != pv.StatusOK {
		outcome.Status, outcome.Err = st, fmt.Errorf("opening stream: %s", st)
		return outcome
	}

	for remaining := pkg.Size; remaining > 0; {
		if err := ctx.Err(); err != nil {
			outcome.Status, outcome.Err = pv.StatusError, err
			return outcome
		}
		n := int(min(int64(c.chunkSize), remaining))
		st := t.PullBytes(n)
		if st != pv.StatusOK {
			// Data accepted before a quota refusal is kept.
			outcome.Status, outcome.Err = st, fmt.Errorf("sending %d bytes: %s", n, st)
			return outcome
		}
		outcome.Bytes += int64(n)
		remaining -= int64(n)
	}
	return outcome
}

func (c *Controller) backupRecords(src Source, outcome Outcome) Outcome {
	t := c.transport

	flags := pv.FlagNonIncremental
	if c.incremental {
		flags = pv.FlagIncremental
	}

	for attempt := 0; ; attempt++ {
		records, err := src.Records(outcome.Package)
		if err != nil {
			outcome.Status, outcome.Err = pv.StatusError, err
			return outcome
		}
		counted := &countingSource{RecordSource: records}

		st := t.BeginKeyValueStream(outcome.Package, counted, flags)
		if st == pv.StatusNonIncrementalRequired && attempt == 0 {
			c.logger.Info("resending package as full snapshot", "package", outcome.Package)
			flags = pv.FlagNonIncremental
			continue
		}
		outcome.Status = st
		if st == pv.StatusOK {
			outcome.Bytes = counted.bytes
		} else {
			outcome.Err = fmt.Errorf("sending records: %s", st)
		}
		return outcome
	}
}

type countingSource struct {
	pv.RecordSource
	bytes int64
}

func (s *countingSource) Next() (pv.Record, error) {
	r, err := s.RecordSource.Next()
	if err == nil && !r.Deleted {
		s.bytes += int64(len(r.Value))
	}
	return r, err
}

// Restore writes the named packages from cfg.Source into dst. An empty
// package list restores everything the archive holds. Cancelling ctx aborts
// the restore after the current chunk.
func (c *Controller) Restore(ctx context.Context, dst Destination, cfg pv.RestoreConfiguration, packages []string) (*Report, error) {
	t := c.transport

	if len(packages) == 0 {
		descs, err := pv.ListPackages(cfg.Source, cfg.Prefixes)
		if err != nil {
			return nil, fmt.Errorf("listing archive: %w", err)
		}
		for _, d := range descs {
			packages = append(packages, d.Name)
		}
	}

	if st := t.StartRestore(cfg, packages); st != pv.StatusOK {
		return nil, fmt.Errorf("starting restore from %s: %s", cfg.Source, st)
	}
	defer t.EndRestore()

	report := &Report{}
	for {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("restore cancelled: %w", err)
		}

		desc, st := t.NextPackage()
		if st == pv.StatusNoMoreData {
			return report, nil
		}
		if st != pv.StatusOK {
			return report, fmt.Errorf("advancing restore: %s", st)
		}

		var outcome Outcome
		switch desc.Type {
		case pv.PackageKeyValue:
			outcome = c.restoreRecords(dst, desc)
		default:
			outcome = c.restoreBlob(ctx, dst, desc)
		}
		if outcome.Err != nil {
			c.logger.Warn("package not fully restored", "package", desc.Name, "status", outcome.Status.String(), "error", outcome.Err)
		}
		report.Outcomes = append(report.Outcomes, outcome)
	}
}

func (c *Controller) restoreBlob(ctx context.Context, dst Destination, desc pv.RestoreDescription) Outcome {
	t := c.transport
	outcome := Outcome{Package: desc.Name, Type: desc.Type}

	w, err := dst.CreateBlob(desc.Name)
	if err != nil {
		t.AbortFullStream()
		outcome.Status, outcome.Err = pv.StatusError, err
		return outcome
	}

	for {
		if err := ctx.Err(); err != nil {
			t.AbortFullStream()
			outcome.Status, outcome.Err = pv.StatusError, err
			break
		}
		n, st := t.PullFullChunk(w)
		outcome.Bytes += int64(n)
		if st == pv.StatusNoMoreData {
			break
		}
		if st != pv.StatusOK {
			t.AbortFullStream()
			outcome.Status, outcome.Err = st, fmt.Errorf("reading chunk: %s", st)
			break
		}
	}

	if err := w.Close(); err != nil && outcome.Err == nil {
		outcome.Status, outcome.Err = pv.StatusError, fmt.Errorf("closing %s: %w", desc.Name, err)
	}
	return outcome
}

func (c *Controller) restoreRecords(dst Destination, desc pv.RestoreDescription) Outcome {
	outcome := Outcome{Package: desc.Name, Type: desc.Type}

	sink, err := dst.RecordSink(desc.Name)
	if err != nil {
		outcome.Status, outcome.Err = pv.StatusError, err
		return outcome
	}
	counted := &countingSink{RecordSink: sink}
	if st := c.transport.PullKeyValueRecords(counted); st != pv.StatusOK {
		outcome.Status, outcome.Err = st, fmt.Errorf("reading records: %s", st)
	}
	outcome.Bytes = counted.bytes
	return outcome
}

type countingSink struct {
	pv.RecordSink
	bytes int64
}

func (s *countingSink) WriteRecord(key string, value []byte) error {
	if err := s.RecordSink.WriteRecord(key, value); err != nil {
		return err
	}
	s.bytes += int64(len(value))
	return nil
}

// ErrFailedPackages is returned by Failed when a report has packages that
// ended with an error.
var ErrFailedPackages = errors.New("some packages failed")

// Failed returns ErrFailedPackages, joined with each package error, when any
// package ended with StatusError.
func (r *Report) Failed() error {
	var errs []error
	for _, o := range r.Outcomes {
		if o.Status == pv.StatusError {
			errs = append(errs, fmt.Errorf("%s: %w", o.Package, o.Err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(append([]error{ErrFailedPackages}, errs...)...)
}
