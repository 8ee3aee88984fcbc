package block

import (
	"errors"
	"fmt"
)

// ============================================================================
// Standard Block Layer Errors
// ============================================================================

// These errors provide a consistent way to indicate common failure conditions
// across the framework and all driver implementations. Callers should check
// for them with errors.Is and map them to whatever their own surface needs.
//
// Usage Pattern:
//
//	n, err := block.Open(ctx, "cow", "", opts, children, 0)
//	if err != nil {
//	    if errors.Is(err, block.ErrInvalidOption) {
//	        // reject the configuration
//	    }
//	}
//
// Implementations should wrap these errors with additional context:
//
//	return fmt.Errorf("driver %q: %w", name, block.ErrNotFound)

var (
	// ErrNotFound indicates a registry lookup for an unknown driver name.
	ErrNotFound = errors.New("driver not found")

	// ErrDuplicateName indicates an attempt to register a driver under a
	// format name that is already taken. The registry is append-only, so
	// the original registration stays in place.
	ErrDuplicateName = errors.New("driver name already registered")

	// ErrUnsupported indicates an operation the bound driver does not
	// implement. Operations whose absence is defined as a successful no-op
	// (flush, get-block-status) never return it; everything else must fail
	// distinguishably rather than silently succeed.
	ErrUnsupported = errors.New("operation not supported by driver")

	// ErrPermissionConflict indicates that a permission-negotiation batch
	// could not be satisfied. No edge in the batch has been modified.
	ErrPermissionConflict = errors.New("conflicting block device permissions")

	// ErrInvalidOption indicates open/reopen option validation failure:
	// an unknown key, a malformed value, or a missing required option.
	ErrInvalidOption = errors.New("invalid option")

	// ErrFatal marks invariant violations that are programming errors on
	// the caller's side, such as issuing I/O against a closed node. Where
	// the violation cannot be reported through a return value (closing a
	// node with in-flight requests) the framework panics instead.
	ErrFatal = errors.New("block layer invariant violated")
)

// Errno-style codes carried by IOError. They mirror the usual system error
// numbers so that values can cross process boundaries unchanged.
const (
	EIO     = 5
	EACCES  = 13
	EINVAL  = 22
	ENOSPC  = 28
	ENOTSUP = 95
)

// IOError describes a failed data transfer. Code holds an errno-style value
// and is always positive; a negative byte count is never used to smuggle an
// error code through the Go API.
type IOError struct {
	Op   string // operation that failed, e.g. "read", "write", "flush"
	Code int    // errno-style code (EIO, EACCES, ...)
	Err  error  // underlying cause, may be nil
}

func (e *IOError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failed (errno %d): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s failed (errno %d)", e.Op, e.Code)
}

func (e *IOError) Unwrap() error { return e.Err }

// NewIOError builds an IOError for op with the given errno-style code.
func NewIOError(op string, code int, err error) *IOError {
	return &IOError{Op: op, Code: code, Err: err}
}

// IOErrorCode extracts the errno-style code from err, returning EIO when err
// is an I/O failure without a more specific code and 0 when err is nil or not
// an IOError at all.
func IOErrorCode(err error) int {
	if err == nil {
		return 0
	}
	var ioErr *IOError
	if errors.As(err, &ioErr) {
		if ioErr.Code != 0 {
			return ioErr.Code
		}
		return EIO
	}
	return 0
}
