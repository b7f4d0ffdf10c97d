package app

import (
	"sync"

	"pkgvault/internal/model"
	"pkgvault/internal/pv"
)

// HistoryStore persists finished sessions.
type HistoryStore interface {
	RecordSession(session model.Session, results []model.PackageResult) error
}

// HistoryObserver records every finished session and its package outcomes.
// Package results are buffered until the session ends so that a session
// is stored in a single transaction.
type HistoryObserver struct {
	mu      sync.Mutex
	store   HistoryStore
	logger  pv.Logger
	pending map[string][]model.PackageResult
	err     error
}

// NewHistoryObserver creates an observer writing to store.
func NewHistoryObserver(store HistoryStore, logger pv.Logger) *HistoryObserver {
	return &HistoryObserver{
		store:   store,
		logger:  logger,
		pending: make(map[string][]model.PackageResult),
	}
}

func (h *HistoryObserver) OnPackageProgress(pv.ProgressEvent) {}

func (h *HistoryObserver) OnPackageDone(ev pv.PackageEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.pending[ev.SessionID] = append(h.pending[ev.SessionID], model.PackageResult{
		SessionID: ev.SessionID,
		Package:   ev.Package,
		Result:    ev.Result.String(),
		Bytes:     ev.Bytes,
	})
}

func (h *HistoryObserver) OnSessionDone(ev pv.SessionEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	results := h.pending[ev.SessionID]
	delete(h.pending, ev.SessionID)

	err := h.store.RecordSession(model.Session{
		ID:          ev.SessionID,
		Kind:        string(ev.Kind),
		Destination: ev.Destination,
		StartedAt:   ev.StartedAt,
		FinishedAt:  ev.FinishedAt,
		Result:      ev.Result.String(),
		Packages:    ev.Packages,
	}, results)
	if err != nil {
		// Observers cannot fail the session; the error surfaces from Err.
		h.logger.Error("recording session history", "session", ev.SessionID, "error", err)
		if h.err == nil {
			h.err = err
		}
	}
}

// Err returns the first error hit while recording history.
func (h *HistoryObserver) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

var _ pv.Observer = (*HistoryObserver)(nil)
