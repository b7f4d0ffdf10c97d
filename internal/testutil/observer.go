package testutil

import (
	"sync"

	"pkgvault/internal/pv"
)

// RecordingObserver keeps every notification it receives.
type RecordingObserver struct {
	mu       sync.Mutex
	Progress []pv.ProgressEvent
	Packages []pv.PackageEvent
	Sessions []pv.SessionEvent
}

func (o *RecordingObserver) OnPackageProgress(ev pv.ProgressEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Progress = append(o.Progress, ev)
}

func (o *RecordingObserver) OnPackageDone(ev pv.PackageEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Packages = append(o.Packages, ev)
}

func (o *RecordingObserver) OnSessionDone(ev pv.SessionEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Sessions = append(o.Sessions, ev)
}

// PackageResults maps each finished package to its result.
func (o *RecordingObserver) PackageResults() map[string]pv.Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]pv.Result, len(o.Packages))
	for _, ev := range o.Packages {
		out[ev.Package] = ev.Result
	}
	return out
}

var _ pv.Observer = (*RecordingObserver)(nil)
