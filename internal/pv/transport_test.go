package pv_test

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkgvault/internal/pv"
	"pkgvault/internal/testutil"
)

// captureLogger records error-level messages.
type captureLogger struct {
	pv.NopLogger
	mu     sync.Mutex
	errors []string
}

func (l *captureLogger) Error(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, fmt.Sprint(append([]any{msg}, args...)...))
}

func newTransport(t *testing.T) (*pv.Transport, *testutil.RecordingObserver, *captureLogger) {
	t.Helper()
	obs := &testutil.RecordingObserver{}
	logger := &captureLogger{}
	return pv.NewTransport(logger, obs, testutil.FixedClock(), testutil.NewStubIDGenerator()), obs, logger
}

func TestTransport_Exclusivity(t *testing.T) {
	tr, _, _ := newTransport(t)
	c := testutil.NewTestContainer()
	cfg := newBackupConfig(t, c, []string{"a"})

	require.Equal(t, pv.StatusOK, tr.StartBackup(cfg))
	assert.True(t, tr.Active())

	other := newBackupConfig(t, testutil.NewTestContainer(), []string{"z"})
	assert.Equal(t, pv.StatusRejected, tr.StartBackup(other))

	rcfg, err := pv.NewRestoreConfiguration(c, "")
	require.NoError(t, err)
	assert.Equal(t, pv.StatusRejected, tr.StartRestore(rcfg, []string{"a"}))

	// The rejected calls left the original session intact.
	require.Equal(t, pv.StatusOK, tr.BeginFullStream("a", bytes.NewReader([]byte("data"))))
	require.Equal(t, pv.StatusOK, tr.PullBytes(4))
	require.Equal(t, pv.StatusOK, tr.EndPackage(false))
	assert.False(t, tr.Active())

	require.Equal(t, pv.StatusOK, tr.StartRestore(rcfg, []string{"a"}))
	assert.Equal(t, pv.StatusRejected, tr.StartBackup(cfg))
	require.Equal(t, pv.StatusOK, tr.EndRestore())
	assert.False(t, tr.Active())
}

func TestTransport_Scenario(t *testing.T) {
	tr, obs, _ := newTransport(t)
	c := testutil.NewTestContainer()
	payload := pattern(1000)

	cfg := newBackupConfig(t, c, []string{"pkgA", "pkgB"}, pv.WithPassword("secret123"))
	require.Equal(t, pv.StatusOK, tr.StartBackup(cfg))
	require.Equal(t, pv.StatusOK, tr.CheckCapacity(1000))
	require.Equal(t, pv.StatusOK, tr.BeginFullStream("pkgA", bytes.NewReader(payload)))
	require.Equal(t, pv.StatusOK, tr.PullBytes(500))
	require.Equal(t, pv.StatusOK, tr.PullBytes(500))
	require.Equal(t, pv.StatusOK, tr.EndPackage(false))
	require.Equal(t, pv.StatusOK, tr.BeginKeyValueStream("pkgB",
		pv.NewSliceSource(pv.Record{Key: "k1", Value: []byte("v1")}), pv.FlagNonIncremental))
	require.Equal(t, pv.StatusOK, tr.EndPackage(false))

	require.Len(t, obs.Progress, 3)
	assert.Equal(t, int64(500), obs.Progress[0].Transferred)
	assert.Equal(t, int64(1000), obs.Progress[1].Transferred)
	assert.Equal(t, pv.UnlimitedQuota, obs.Progress[1].Expected)
	assert.Equal(t, map[string]pv.Result{"pkgA": pv.ResultOK, "pkgB": pv.ResultOK}, obs.PackageResults())
	require.Len(t, obs.Sessions, 1)
	backup := obs.Sessions[0]
	assert.Equal(t, pv.KindBackup, backup.Kind)
	assert.Equal(t, pv.ResultOK, backup.Result)
	assert.Equal(t, 2, backup.Packages)
	assert.Equal(t, "memory://test-container", backup.Destination)

	rcfg, err := pv.NewRestoreConfiguration(c, "secret123")
	require.NoError(t, err)
	require.Equal(t, pv.StatusOK, tr.StartRestore(rcfg, []string{"pkgA", "pkgB"}))

	desc, status := tr.NextPackage()
	require.Equal(t, pv.StatusOK, status)
	assert.Equal(t, pv.PackageFull, desc.Type)

	var buf bytes.Buffer
	for {
		n, status := tr.PullFullChunk(&buf)
		if status == pv.StatusNoMoreData {
			assert.Zero(t, n)
			break
		}
		require.Equal(t, pv.StatusOK, status)
	}
	assert.Equal(t, payload, buf.Bytes())

	desc, status = tr.NextPackage()
	require.Equal(t, pv.StatusOK, status)
	assert.Equal(t, pv.RestoreDescription{Name: "pkgB", Type: pv.PackageKeyValue}, desc)
	current, ok := tr.CurrentPackage()
	require.True(t, ok)
	assert.Equal(t, desc, current)

	sink := pv.MapSink{}
	require.Equal(t, pv.StatusOK, tr.PullKeyValueRecords(sink))
	assert.Equal(t, []byte("v1"), sink["k1"])

	_, status = tr.NextPackage()
	assert.Equal(t, pv.StatusNoMoreData, status)
	require.Equal(t, pv.StatusOK, tr.EndRestore())

	require.Len(t, obs.Sessions, 2)
	restore := obs.Sessions[1]
	assert.Equal(t, pv.KindRestore, restore.Kind)
	assert.Equal(t, pv.ResultOK, restore.Result)
	assert.Equal(t, 2, restore.Packages)

	var restored []pv.PackageEvent
	for _, ev := range obs.Packages {
		if ev.Kind == pv.KindRestore {
			restored = append(restored, ev)
		}
	}
	require.Len(t, restored, 2, "one completion per restored package")
	assert.Equal(t, int64(1000), restored[0].Bytes)
	assert.Equal(t, int64(2), restored[1].Bytes)
}

func TestTransport_QuotaExceeded(t *testing.T) {
	tr, obs, _ := newTransport(t)
	c := testutil.NewTestContainer()

	cfg := newBackupConfig(t, c, []string{"big", "next"}, pv.WithQuota(250))
	require.Equal(t, pv.StatusOK, tr.StartBackup(cfg))
	assert.Equal(t, pv.StatusQuotaExceeded, tr.CheckCapacity(251))
	assert.Equal(t, pv.StatusRejected, tr.CheckCapacity(0))
	assert.Equal(t, int64(250), tr.QuotaFor("big"))

	require.Equal(t, pv.StatusOK, tr.BeginFullStream("big", bytes.NewReader(pattern(400))))
	require.Equal(t, pv.StatusOK, tr.PullBytes(100))
	require.Equal(t, pv.StatusOK, tr.PullBytes(100))
	require.Equal(t, pv.StatusQuotaExceeded, tr.PullBytes(100))
	require.Equal(t, pv.StatusOK, tr.EndPackage(false))

	// The session continues with the next package.
	require.Equal(t, pv.StatusOK, tr.BeginFullStream("next", bytes.NewReader([]byte("ok"))))
	require.Equal(t, pv.StatusOK, tr.PullBytes(2))
	require.Equal(t, pv.StatusOK, tr.EndPackage(false))

	assert.Equal(t, map[string]pv.Result{"big": pv.ResultQuotaExceeded, "next": pv.ResultOK}, obs.PackageResults())
	require.Len(t, obs.Sessions, 1)
	assert.Equal(t, pv.ResultOK, obs.Sessions[0].Result)

	// Bytes accepted before the refusal are restorable.
	r := newReader(t, c, "")
	require.NoError(t, r.BeginRestore([]string{"big"}))
	_, err := r.NextPackage()
	require.NoError(t, err)
	assert.Equal(t, pattern(400)[:200], readFull(t, r))
}

func TestTransport_NonIncrementalRequired(t *testing.T) {
	tr, _, _ := newTransport(t)
	cfg := newBackupConfig(t, testutil.NewTestContainer(), []string{"kv"},
		pv.WithCapabilities(pv.Capabilities{ReportsIncrementalFlags: true}))
	require.Equal(t, pv.StatusOK, tr.StartBackup(cfg))

	records := []pv.Record{{Key: "k", Value: []byte("v")}}
	assert.Equal(t, pv.StatusNonIncrementalRequired,
		tr.BeginKeyValueStream("kv", pv.NewSliceSource(records...), pv.FlagIncremental))
	assert.Equal(t, pv.StatusOK,
		tr.BeginKeyValueStream("kv", pv.NewSliceSource(records...), pv.FlagNonIncremental))
	assert.Equal(t, pv.StatusOK, tr.EndPackage(false))
}

func TestTransport_Cancel(t *testing.T) {
	tr, obs, _ := newTransport(t)
	c := testutil.NewTestContainer()
	require.Equal(t, pv.StatusOK, tr.StartBackup(newBackupConfig(t, c, []string{"a", "b"})))

	require.Equal(t, pv.StatusOK, tr.BeginFullStream("a", bytes.NewReader(pattern(10))))
	require.Equal(t, pv.StatusOK, tr.PullBytes(10))
	require.Equal(t, pv.StatusOK, tr.CancelBackup())

	assert.False(t, tr.Active())
	assert.Equal(t, map[string]pv.Result{"a": pv.ResultCancelled}, obs.PackageResults())
	require.Len(t, obs.Sessions, 1)
	assert.Equal(t, pv.ResultCancelled, obs.Sessions[0].Result)
	assert.Empty(t, entryNames(t, c))

	t.Run("before any data", func(t *testing.T) {
		tr, obs, _ := newTransport(t)
		require.Equal(t, pv.StatusOK, tr.StartBackup(newBackupConfig(t, testutil.NewTestContainer(), []string{"a"})))
		require.Equal(t, pv.StatusOK, tr.CancelBackup())
		assert.False(t, tr.Active())
		assert.Empty(t, obs.Sessions)
	})
}

func TestTransport_ProtocolViolationsAreLogged(t *testing.T) {
	tr, _, logger := newTransport(t)

	assert.Equal(t, pv.StatusError, tr.PullBytes(10))
	assert.Equal(t, pv.StatusError, tr.EndPackage(false))
	_, status := tr.NextPackage()
	assert.Equal(t, pv.StatusError, status)
	_, status = tr.PullFullChunk(io.Discard)
	assert.Equal(t, pv.StatusError, status)
	assert.Equal(t, pv.StatusError, tr.EndRestore())

	assert.Len(t, logger.errors, 5)
	for _, msg := range logger.errors {
		assert.Contains(t, msg, "protocol violation")
	}
}

func TestTransport_InvalidConfiguration(t *testing.T) {
	tr, _, _ := newTransport(t)

	assert.Equal(t, pv.StatusError, tr.StartBackup(pv.BackupConfiguration{}))
	assert.False(t, tr.Active())
	assert.Equal(t, pv.StatusError, tr.StartRestore(pv.RestoreConfiguration{}, nil))
	assert.False(t, tr.Active())
}

func TestTransport_RestoreAbort(t *testing.T) {
	c := testutil.NewTestContainer()
	writeArchive(t, c, "", archivePackage{name: "a", full: pattern(5000)})

	tr, obs, _ := newTransport(t)
	rcfg, err := pv.NewRestoreConfiguration(c, "")
	require.NoError(t, err)
	require.Equal(t, pv.StatusOK, tr.StartRestore(rcfg, []string{"a"}))
	_, status := tr.NextPackage()
	require.Equal(t, pv.StatusOK, status)

	_, status = tr.PullFullChunk(io.Discard)
	require.Equal(t, pv.StatusOK, status)
	require.Equal(t, pv.StatusOK, tr.AbortFullStream())
	_, status = tr.PullFullChunk(io.Discard)
	assert.Equal(t, pv.StatusNoMoreData, status)
	require.Equal(t, pv.StatusOK, tr.EndRestore())

	assert.Equal(t, map[string]pv.Result{"a": pv.ResultCancelled}, obs.PackageResults())
	require.NotEmpty(t, obs.Progress)
	assert.Equal(t, 0, obs.Progress[0].Index)
	assert.Equal(t, 1, obs.Progress[0].Count)
}

func TestTransport_RestoreSkipsPartlyStreamedPackage(t *testing.T) {
	c := testutil.NewTestContainer()
	writeArchive(t, c, "",
		archivePackage{name: "a", full: pattern(5000)},
		archivePackage{name: "b", full: pattern(5000)},
		archivePackage{name: "c", full: pattern(5000)},
	)

	tr, obs, _ := newTransport(t)
	rcfg, err := pv.NewRestoreConfiguration(c, "")
	require.NoError(t, err)
	require.Equal(t, pv.StatusOK, tr.StartRestore(rcfg, []string{"a", "b", "c"}))

	_, status := tr.NextPackage()
	require.Equal(t, pv.StatusOK, status)
	n, status := tr.PullFullChunk(io.Discard)
	require.Equal(t, pv.StatusOK, status)
	require.Positive(t, n)

	// Move on without draining or aborting "a".
	desc, status := tr.NextPackage()
	require.Equal(t, pv.StatusOK, status)
	require.Equal(t, "b", desc.Name)
	require.Len(t, obs.Packages, 1)
	assert.Equal(t, "a", obs.Packages[0].Package)
	assert.Equal(t, pv.ResultCancelled, obs.Packages[0].Result)
	assert.Equal(t, int64(n), obs.Packages[0].Bytes)

	// "b" is never pulled, so there is nothing to report for it.
	_, status = tr.NextPackage()
	require.Equal(t, pv.StatusOK, status)
	_, status = tr.PullFullChunk(io.Discard)
	require.Equal(t, pv.StatusOK, status)

	// Ending the restore mid-stream reports "c" too.
	require.Equal(t, pv.StatusOK, tr.EndRestore())
	assert.Equal(t, map[string]pv.Result{"a": pv.ResultCancelled, "c": pv.ResultCancelled}, obs.PackageResults())
	require.Len(t, obs.Sessions, 1)
	assert.Equal(t, 3, obs.Sessions[0].Packages)
}

func TestTransport_SessionTiming(t *testing.T) {
	tr, obs, _ := newTransport(t)
	c := testutil.NewTestContainer()
	require.Equal(t, pv.StatusOK, tr.StartBackup(newBackupConfig(t, c, []string{"a"})))
	require.Equal(t, pv.StatusOK, tr.BeginFullStream("a", bytes.NewReader(pattern(4))))
	require.Equal(t, pv.StatusOK, tr.PullBytes(4))
	require.Equal(t, pv.StatusOK, tr.EndPackage(false))

	rcfg, err := pv.NewRestoreConfiguration(c, "")
	require.NoError(t, err)
	require.Equal(t, pv.StatusOK, tr.StartRestore(rcfg, []string{"a"}))
	require.Equal(t, pv.StatusOK, tr.EndRestore())

	require.Len(t, obs.Sessions, 2)
	assert.Equal(t, "session-1", obs.Sessions[0].SessionID)
	assert.Equal(t, "session-2", obs.Sessions[1].SessionID)
	for _, s := range obs.Sessions {
		assert.True(t, s.FinishedAt.After(s.StartedAt), "%s: finished %v, started %v", s.Kind, s.FinishedAt, s.StartedAt)
	}
	assert.True(t, obs.Sessions[1].StartedAt.After(obs.Sessions[0].FinishedAt))
}
