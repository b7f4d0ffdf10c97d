package pv_test

import (
	"bytes"
	"errors"
	"io"
	"slices"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"pkgvault/internal/container"
	"pkgvault/internal/pv"
	"pkgvault/internal/testutil"
)

func newBackupConfig(t *testing.T, c pv.Container, packages []string, opts ...pv.BackupOption) pv.BackupConfiguration {
	t.Helper()
	opts = append([]pv.BackupOption{pv.WithSpool(afero.NewMemMapFs(), "/spool")}, opts...)
	cfg, err := pv.NewBackupConfiguration(c, packages, opts...)
	require.NoError(t, err)
	return cfg
}

func newWriter(t *testing.T, cfg pv.BackupConfiguration) *pv.ArchiveWriter {
	t.Helper()
	return pv.NewArchiveWriter(cfg, pv.NewNopLogger(), testutil.FixedClock(), testutil.NewStubIDGenerator())
}

func newReader(t *testing.T, c pv.Container, password string) *pv.ArchiveReader {
	t.Helper()
	cfg, err := pv.NewRestoreConfiguration(c, password)
	require.NoError(t, err)
	return pv.NewArchiveReader(cfg, pv.NewNopLogger(), testutil.FixedClock(), testutil.NewStubIDGenerator())
}

// writeFull streams data through an open writer in chunk-sized pulls.
func writeFull(t *testing.T, w *pv.ArchiveWriter, pkg string, data []byte, chunk int) {
	t.Helper()
	require.NoError(t, w.BeginFullStream(pkg, bytes.NewReader(data)))
	for rest := len(data); rest > 0; rest -= chunk {
		require.NoError(t, w.PullBytes(min(chunk, rest)))
	}
}

type archivePackage struct {
	name    string
	full    []byte
	records []pv.Record
}

// writeArchive backs up every package in order and finalizes the archive.
func writeArchive(t *testing.T, c pv.Container, password string, pkgs ...archivePackage) {
	t.Helper()
	names := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		names = append(names, p.name)
	}
	w := newWriter(t, newBackupConfig(t, c, names, pv.WithPassword(password)))

	for i, p := range pkgs {
		if p.records != nil {
			require.NoError(t, w.BeginKeyValueStream(p.name, pv.NewSliceSource(p.records...), pv.FlagNonIncremental))
		} else {
			writeFull(t, w, p.name, p.full, 333)
		}
		finalized, err := w.EndPackage(false)
		require.NoError(t, err)
		require.Equal(t, i == len(pkgs)-1, finalized)
	}
}

// readFull drains the current full-blob package.
func readFull(t *testing.T, r *pv.ArchiveReader) []byte {
	t.Helper()
	var buf bytes.Buffer
	for {
		n, err := r.PullFullChunk(&buf)
		if errors.Is(err, io.EOF) {
			require.Zero(t, n)
			return buf.Bytes()
		}
		require.NoError(t, err)
		require.Positive(t, n)
		require.LessOrEqual(t, n, pv.ChunkSize)
	}
}

func openZip(t *testing.T, c *container.MemoryContainer) *zip.Reader {
	t.Helper()
	data := c.Bytes()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	return zr
}

func entryNames(t *testing.T, c *container.MemoryContainer) []string {
	t.Helper()
	var names []string
	for _, f := range openZip(t, c).File {
		names = append(names, f.Name)
	}
	slices.Sort(names)
	return names
}

func entryData(t *testing.T, c *container.MemoryContainer, name string) []byte {
	t.Helper()
	for _, f := range openZip(t, c).File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		defer rc.Close()
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		return data
	}
	t.Fatalf("entry %s not found", name)
	return nil
}

func pattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*7 + i/251)
	}
	return out
}
