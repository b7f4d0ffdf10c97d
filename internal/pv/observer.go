package pv

import "time"

// Kind distinguishes backup sessions from restore sessions.
type Kind string

const (
	KindBackup  Kind = "backup"
	KindRestore Kind = "restore"
)

// ProgressEvent is emitted after every accepted chunk or record batch.
type ProgressEvent struct {
	SessionID   string
	Kind        Kind
	Package     string
	Transferred int64
	// Expected is the quota for backups and -1 when unknown.
	Expected int64
	// Index and Count position the package within the session (restore only).
	Index int
	Count int
}

// PackageEvent is emitted once per package when it is ended or aborted.
type PackageEvent struct {
	SessionID string
	Kind      Kind
	Package   string
	Result    Result
	Bytes     int64
	Err       error
}

// SessionEvent is emitted once when the archive is closed.
type SessionEvent struct {
	SessionID   string
	Kind        Kind
	Destination string
	Result      Result
	Packages    int
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Observer receives progress notifications. Calls are synchronous and run on
// the goroutine driving the engine.
type Observer interface {
	OnPackageProgress(ev ProgressEvent)
	OnPackageDone(ev PackageEvent)
	OnSessionDone(ev SessionEvent)
}

// NopObserver ignores all notifications.
type NopObserver struct{}

func (NopObserver) OnPackageProgress(ProgressEvent) {}
func (NopObserver) OnPackageDone(PackageEvent)      {}
func (NopObserver) OnSessionDone(SessionEvent)      {}

// MultiObserver fans notifications out to several observers in order.
type MultiObserver []Observer

func (m MultiObserver) OnPackageProgress(ev ProgressEvent) {
	for _, o := range m {
		o.OnPackageProgress(ev)
	}
}

func (m MultiObserver) OnPackageDone(ev PackageEvent) {
	for _, o := range m {
		o.OnPackageDone(ev)
	}
}

func (m MultiObserver) OnSessionDone(ev SessionEvent) {
	for _, o := range m {
		o.OnSessionDone(ev)
	}
}

var (
	_ Observer = NopObserver{}
	_ Observer = MultiObserver(nil)
)
