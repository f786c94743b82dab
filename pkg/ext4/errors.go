package ext4

import (
	"errors"
	"fmt"

	"github.com/marmos91/ext4bridge/pkg/engine"
)

// Error is a failed engine status.
//
// Code is the errno-style status returned by the engine. Context names the
// engine call (or bridge step) that failed and may be empty.
//
// Errors compare equal under errors.Is when their codes match, so callers
// test for a kind with the sentinels below regardless of context:
//
//	if errors.Is(err, ext4.ErrNotFound) { ... }
type Error struct {
	// Code is the engine status (never engine.EOK)
	Code int

	// Context identifies which call failed
	Context string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Context == "" {
		return fmt.Sprintf("ext4 error %d", e.Code)
	}
	return fmt.Sprintf("ext4 error %d: %s", e.Code, e.Context)
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// codeClosed is outside the errno range used by the engine.
const codeClosed = -1

// Error kinds, matched by code.
var (
	// ErrNotFound: no such entry or inode. Expected and recoverable.
	ErrNotFound = &Error{Code: engine.ENOENT}

	// ErrNotEmpty: the directory still has entries besides . and ..
	ErrNotEmpty = &Error{Code: engine.ENOTEMPTY}

	// ErrIsDir: the operation does not accept a directory
	ErrIsDir = &Error{Code: engine.EISDIR}

	// ErrNotDir: the operation needs a directory
	ErrNotDir = &Error{Code: engine.ENOTDIR}

	// ErrNotSupported: block size and cache item size disagree at mount,
	// or the engine does not support the on-disk format
	ErrNotSupported = &Error{Code: engine.ENOTSUP}

	// ErrNameTooLong: a name or symlink target does not fit
	ErrNameTooLong = &Error{Code: engine.ENAMETOOLONG}

	// ErrIO: the device failed
	ErrIO = &Error{Code: engine.EIO}

	// ErrExist: the name is already taken
	ErrExist = &Error{Code: engine.EEXIST}

	// ErrInvalid: bad argument
	ErrInvalid = &Error{Code: engine.EINVAL}

	// ErrClosed: the filesystem has been closed
	ErrClosed = &Error{Code: codeClosed, Context: "filesystem closed"}
)

// check converts an engine status into an error labelled with context.
func check(code int, context string) error {
	if code == engine.EOK {
		return nil
	}
	return &Error{Code: code, Context: context}
}

// Code extracts the engine status from err, or engine.EIO for foreign
// errors. A nil error yields engine.EOK.
func Code(err error) int {
	if err == nil {
		return engine.EOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return engine.EIO
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
