package pv

import (
	"errors"
	"io"
)

// Status is the per-call result code reported to the host.
type Status int

const (
	StatusOK Status = iota
	StatusError
	StatusRejected
	StatusQuotaExceeded
	StatusNonIncrementalRequired
	StatusNoMoreData
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	case StatusRejected:
		return "rejected"
	case StatusQuotaExceeded:
		return "quotaExceeded"
	case StatusNonIncrementalRequired:
		return "nonIncrementalRequired"
	case StatusNoMoreData:
		return "noMoreData"
	default:
		return "unknown"
	}
}

// StatusOf maps an engine error to the status the host sees.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrQuotaExceeded):
		return StatusQuotaExceeded
	case errors.Is(err, ErrNonIncrementalRequired):
		return StatusNonIncrementalRequired
	case errors.Is(err, ErrRejected), errors.Is(err, ErrSessionActive):
		return StatusRejected
	case errors.Is(err, io.EOF), errors.Is(err, ErrNoMorePackages):
		return StatusNoMoreData
	default:
		return StatusError
	}
}

// Result is the outcome reported to observers for a package or a session.
type Result int

const (
	ResultOK Result = iota
	ResultRejected
	ResultQuotaExceeded
	ResultError
	ResultCancelled
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultRejected:
		return "rejected"
	case ResultQuotaExceeded:
		return "quotaExceeded"
	case ResultError:
		return "error"
	case ResultCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ResultOf maps an engine error to the observer vocabulary.
func ResultOf(err error) Result {
	switch StatusOf(err) {
	case StatusOK, StatusNoMoreData:
		return ResultOK
	case StatusRejected:
		return ResultRejected
	case StatusQuotaExceeded:
		return ResultQuotaExceeded
	default:
		return ResultError
	}
}
