package pv_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkgvault/internal/encryption"
	"pkgvault/internal/pv"
	"pkgvault/internal/testutil"
)

func TestArchiveWriter_SaltEntry(t *testing.T) {
	tests := []struct {
		name     string
		password string
		want     []string
	}{
		{name: "no password", want: []string{"full/pkgA"}},
		{name: "with password", password: "secret123", want: []string{"full/pkgA", "salt"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testutil.NewTestContainer()
			data := pattern(10)
			writeArchive(t, c, tt.password, archivePackage{name: "pkgA", full: data})

			assert.Equal(t, tt.want, entryNames(t, c))
			stored := entryData(t, c, "full/pkgA")
			if tt.password == "" {
				assert.Equal(t, data, stored)
				return
			}
			assert.Len(t, entryData(t, c, "salt"), encryption.SaltLength)
			assert.Len(t, stored, 16)
			assert.NotEqual(t, data, stored[:10])
		})
	}
}

func TestArchiveWriter_CheckCapacity(t *testing.T) {
	cfg := newBackupConfig(t, testutil.NewTestContainer(), []string{"a"}, pv.WithQuota(100))
	w := newWriter(t, cfg)

	tests := []struct {
		size int64
		want error
	}{
		{size: -1, want: pv.ErrRejected},
		{size: 0, want: pv.ErrRejected},
		{size: 1, want: nil},
		{size: 100, want: nil},
		{size: 101, want: pv.ErrQuotaExceeded},
	}
	for _, tt := range tests {
		err := w.CheckCapacity(tt.size)
		if tt.want == nil {
			assert.NoError(t, err, "size %d", tt.size)
		} else {
			assert.ErrorIs(t, err, tt.want, "size %d", tt.size)
		}
	}
	assert.Equal(t, int64(100), w.QuotaFor("a"))
	assert.False(t, w.Active(), "CheckCapacity must not start a session")
}

func TestArchiveWriter_QuotaBoundary(t *testing.T) {
	c := testutil.NewTestContainer()
	w := newWriter(t, newBackupConfig(t, c, []string{"pkgA"}, pv.WithQuota(1000)))

	data := pattern(1100)
	src := bytes.NewReader(data)
	require.NoError(t, w.BeginFullStream("pkgA", src))
	for i := 0; i < 10; i++ {
		require.NoError(t, w.PullBytes(100), "pull %d", i+1)
	}

	err := w.PullBytes(100)
	require.ErrorIs(t, err, pv.ErrQuotaExceeded)
	assert.Equal(t, 100, src.Len(), "rejected pull must not consume the source")

	pkg, transferred := w.Current()
	assert.Equal(t, "pkgA", pkg)
	assert.Equal(t, int64(1000), transferred)

	finalized, err := w.EndPackage(false)
	require.NoError(t, err)
	assert.True(t, finalized)
	assert.Equal(t, data[:1000], entryData(t, c, "full/pkgA"))
}

func TestArchiveWriter_BeginWhileOpen(t *testing.T) {
	w := newWriter(t, newBackupConfig(t, testutil.NewTestContainer(), []string{"a", "b"}))

	require.NoError(t, w.BeginFullStream("a", bytes.NewReader(nil)))

	var perr *pv.ProtocolError
	require.ErrorAs(t, w.BeginFullStream("b", bytes.NewReader(nil)), &perr)
	assert.Equal(t, "BeginFullStream", perr.Call)
	require.ErrorAs(t, w.BeginKeyValueStream("b", pv.NewSliceSource(), 0), &perr)
}

func TestArchiveWriter_ProtocolViolations(t *testing.T) {
	w := newWriter(t, newBackupConfig(t, testutil.NewTestContainer(), []string{"a"}))

	var perr *pv.ProtocolError
	assert.ErrorAs(t, w.PullBytes(10), &perr)
	_, err := w.EndPackage(false)
	assert.ErrorAs(t, err, &perr)

	require.NoError(t, w.BeginKeyValueStream("a", pv.NewSliceSource(pv.Record{Key: "k", Value: []byte("v")}), 0))
	assert.ErrorAs(t, w.PullBytes(1), &perr, "PullBytes on a key/value package")
	assert.ErrorAs(t, w.BeginFullStream("", bytes.NewReader(nil)), &perr)
}

func TestArchiveWriter_SourceFailureAbortsPackage(t *testing.T) {
	c := testutil.NewTestContainer()
	w := newWriter(t, newBackupConfig(t, c, []string{"a", "b"}, pv.WithPassword("pw")))

	writeFull(t, w, "a", pattern(500), 100)
	_, err := w.EndPackage(false)
	require.NoError(t, err)

	src := &testutil.FailingReader{R: bytes.NewReader(pattern(500)), Limit: 50}
	require.NoError(t, w.BeginFullStream("b", src))
	require.NoError(t, w.PullBytes(40))

	err = w.PullBytes(40)
	var ioErr *pv.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "b", ioErr.Package)
	assert.ErrorIs(t, err, testutil.ErrInjected)

	var perr *pv.ProtocolError
	assert.ErrorAs(t, w.PullBytes(1), &perr, "aborted package accepts no more data")

	finalized, err := w.EndPackage(false)
	require.NoError(t, err)
	assert.True(t, finalized)
	assert.Equal(t, []string{"full/a", "salt"}, entryNames(t, c))
}

func TestArchiveWriter_KeyValue(t *testing.T) {
	c := testutil.NewTestContainer()
	w := newWriter(t, newBackupConfig(t, c, []string{"pkg"}))

	records := pv.NewSliceSource(
		pv.Record{Key: "k1", Value: []byte("v1")},
		pv.Record{Key: "gone", Deleted: true},
		pv.Record{Key: "k/3", Value: []byte("v3")},
	)
	require.NoError(t, w.BeginKeyValueStream("pkg", records, pv.FlagNonIncremental))
	_, transferred := w.Current()
	assert.Equal(t, int64(4), transferred)

	_, err := w.EndPackage(false)
	require.NoError(t, err)

	assert.Equal(t, []string{"incr/pkg/ay8z", "incr/pkg/azE"}, entryNames(t, c))
	assert.Equal(t, []byte("v1"), entryData(t, c, "incr/pkg/azE"))
	assert.Equal(t, []byte("v3"), entryData(t, c, "incr/pkg/ay8z"))
}

func TestArchiveWriter_KeyValueQuota(t *testing.T) {
	c := testutil.NewTestContainer()
	w := newWriter(t, newBackupConfig(t, c, []string{"pkg"}, pv.WithQuota(3)))

	records := pv.NewSliceSource(
		pv.Record{Key: "a", Value: []byte("ab")},
		pv.Record{Key: "b", Value: []byte("cd")},
	)
	require.ErrorIs(t, w.BeginKeyValueStream("pkg", records, 0), pv.ErrQuotaExceeded)

	_, err := w.EndPackage(false)
	require.NoError(t, err)
	assert.Empty(t, entryNames(t, c))
}

func TestArchiveWriter_NonIncrementalRequired(t *testing.T) {
	t.Run("host reports flags", func(t *testing.T) {
		c := testutil.NewTestContainer()
		w := newWriter(t, newBackupConfig(t, c, []string{"pkg"},
			pv.WithCapabilities(pv.Capabilities{ReportsIncrementalFlags: true})))

		records := pv.NewSliceSource(pv.Record{Key: "k", Value: []byte("v")})
		require.ErrorIs(t, w.BeginKeyValueStream("pkg", records, pv.FlagIncremental), pv.ErrNonIncrementalRequired)
		assert.False(t, w.Active())
		assert.Nil(t, c.Bytes(), "nothing may be written")

		require.NoError(t, w.BeginKeyValueStream("pkg", records, pv.FlagNonIncremental))
	})

	t.Run("host without flags", func(t *testing.T) {
		w := newWriter(t, newBackupConfig(t, testutil.NewTestContainer(), []string{"pkg"}))
		records := pv.NewSliceSource(pv.Record{Key: "k", Value: []byte("v")})
		require.NoError(t, w.BeginKeyValueStream("pkg", records, pv.FlagIncremental))
	})
}

func TestArchiveWriter_CancelDiscardsOpenEntry(t *testing.T) {
	c := testutil.NewTestContainer()
	w := newWriter(t, newBackupConfig(t, c, []string{"a", "b", "c"}))

	writeFull(t, w, "a", pattern(10), 10)
	finalized, err := w.EndPackage(false)
	require.NoError(t, err)
	require.False(t, finalized)

	writeFull(t, w, "b", pattern(300), 100)
	finalized, err = w.EndPackage(true)
	require.NoError(t, err)
	assert.True(t, finalized)
	assert.False(t, w.Active())
	assert.Equal(t, []string{"full/a"}, entryNames(t, c))
}

func TestArchiveWriter_FinalizesAfterLastPackage(t *testing.T) {
	c := testutil.NewTestContainer()
	w := newWriter(t, newBackupConfig(t, c, []string{"a", "b"}))

	require.NoError(t, w.Initialize())
	require.True(t, w.Active())
	id := w.Session().ID
	require.NoError(t, w.Initialize(), "Initialize is idempotent")
	assert.Equal(t, id, w.Session().ID)

	writeFull(t, w, "a", pattern(10), 10)
	finalized, err := w.EndPackage(false)
	require.NoError(t, err)
	assert.False(t, finalized)
	assert.Nil(t, c.Bytes(), "archive is closed only after the last package")

	writeFull(t, w, "b", pattern(10), 10)
	finalized, err = w.EndPackage(false)
	require.NoError(t, err)
	assert.True(t, finalized)
	assert.Equal(t, []string{"full/a", "full/b"}, entryNames(t, c))
}

func TestArchiveWriter_ContainerFailure(t *testing.T) {
	w := newWriter(t, newBackupConfig(t, testutil.FailingContainer{}, []string{"a"}))

	err := w.BeginFullStream("a", bytes.NewReader(nil))
	var ioErr *pv.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.ErrorIs(t, err, testutil.ErrInjected)
	assert.False(t, w.Active())
}
