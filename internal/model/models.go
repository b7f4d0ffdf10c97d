package model

import "time"

// Session is one recorded backup or restore session.
type Session struct {
	ID          string // session ID issued by the engine
	Kind        string // "backup" or "restore"
	Destination string // container the session wrote to or read from
	StartedAt   time.Time
	FinishedAt  time.Time
	Result      string
	Packages    int // packages the session finished
}

// PackageResult is the outcome of a single package within a session.
type PackageResult struct {
	SessionID string // Foreign key to Session
	Package   string
	Result    string
	Bytes     int64 // bytes accepted (backup) or emitted (restore)
}
