package pv

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionActive is returned when a backup or restore is started while
	// another one is still in flight. Nothing is mutated.
	ErrSessionActive = errors.New("another session is active")

	// ErrQuotaExceeded is returned when accepting data would push the current
	// package past its quota. The session stays usable.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrNonIncrementalRequired asks the host to resend the package as a full
	// snapshot instead of a delta.
	ErrNonIncrementalRequired = errors.New("non-incremental backup required")

	// ErrRejected is returned when the engine declines a package.
	ErrRejected = errors.New("package rejected")

	// ErrNoMorePackages signals the end of restore iteration.
	ErrNoMorePackages = errors.New("no more packages")
)

// ConfigError reports an invalid backup or restore configuration. It is
// returned before any I/O takes place.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("invalid configuration: %v", e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

// IOError wraps a failure reading a source, writing a sink, or touching the
// container. The affected package is aborted.
type IOError struct {
	Op      string
	Package string
	Err     error
}

func (e *IOError) Error() string {
	if e.Package == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Package, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// CryptoError wraps key derivation, cipher setup, or padding failures.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *CryptoError) Unwrap() error { return e.Err }

// ProtocolError reports a call made out of order by the host.
type ProtocolError struct {
	Call   string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation in %s: %s", e.Call, e.Reason)
}

func protocolErr(call, format string, args ...any) error {
	return &ProtocolError{Call: call, Reason: fmt.Sprintf(format, args...)}
}
