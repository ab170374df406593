// Package errors defines the errno-coded error type returned by every layer of
// the volume engine.
//
// Callers test for a class of failure with the standard library's errors.Is
// against one of the sentinels below, no matter how much context has been
// attached along the way:
//
//	err := volume.Mkdir(...)
//	if errors.Is(err, xerrors.ErrNoSpaceOnDevice) { ... }
package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// DriverError is a wrapper around an errno code with a customizable message.
type DriverError interface {
	error
	Errno() Errno
	Unwrap() error

	// WithMessage returns a copy of this error with `message` appended to the
	// description. The original error stays in the chain, so errors.Is(new, old)
	// is true.
	WithMessage(message string) DriverError

	// Wrap returns a copy of this error that also carries `err` as a cause.
	// Both the receiver and `err` satisfy errors.Is on the result.
	Wrap(err error) DriverError
}

type driverError struct {
	errno         Errno
	message       string
	originalError error
}

var ErrNotPermitted = New(EPERM)
var ErrNotFound = New(ENOENT)
var ErrIOFailed = New(EIO)
var ErrInvalidFileDescriptor = New(EBADF)
var ErrBusy = New(EBUSY)
var ErrExists = New(EEXIST)
var ErrCrossDeviceLink = New(EXDEV)
var ErrNotADirectory = New(ENOTDIR)
var ErrIsADirectory = New(EISDIR)
var ErrInvalidArgument = New(EINVAL)
var ErrFileTooLarge = New(EFBIG)
var ErrNoSpaceOnDevice = New(ENOSPC)
var ErrReadOnlyFileSystem = New(EROFS)
var ErrTooManyLinks = New(EMLINK)
var ErrArgumentOutOfRange = New(EDOM)
var ErrResultOutOfRange = New(ERANGE)
var ErrNameTooLong = New(ENAMETOOLONG)
var ErrNotImplemented = New(ENOSYS)
var ErrDirectoryNotEmpty = New(ENOTEMPTY)
var ErrLinkCycleDetected = New(ELOOP)
var ErrNotSupported = New(ENOTSUP)
var ErrAlreadyInProgress = New(EALREADY)
var ErrFileSystemCorrupted = New(EUCLEAN)
var ErrInvalidFileSystem = New(EMEDIUMTYPE)

// New creates a new [DriverError] with a default message derived from the
// error code.
func New(errnoCode Errno) DriverError {
	return driverError{
		errno:   errnoCode,
		message: StrError(errnoCode),
	}
}

// NewWithMessage creates a new DriverError from an error code with a custom
// message appended to the default one.
func NewWithMessage(errnoCode Errno, message string) DriverError {
	return driverError{
		errno:   errnoCode,
		message: fmt.Sprintf("%s: %s", StrError(errnoCode), message),
	}
}

// NewFromError creates a DriverError with the given code that wraps an
// arbitrary error.
func NewFromError(errnoCode Errno, originalError error) DriverError {
	return driverError{
		errno:         errnoCode,
		message:       fmt.Sprintf("%s: %s", StrError(errnoCode), originalError.Error()),
		originalError: originalError,
	}
}

// CastToDriverError converts any error into a [DriverError]. Errors that
// already are one are returned as-is; anything else becomes an EIO wrapping the
// original. nil stays nil.
func CastToDriverError(err error) DriverError {
	if err == nil {
		return nil
	}

	var driverErr DriverError
	if stderrors.As(err, &driverErr) {
		return driverErr
	}
	return NewFromError(EIO, err)
}

// Error implements the `error` interface.
func (e driverError) Error() string {
	if e.message != "" {
		return e.message
	}
	return StrError(e.errno)
}

func (e driverError) Errno() Errno {
	return e.errno
}

func (e driverError) Unwrap() error {
	return e.originalError
}

func (e driverError) WithMessage(message string) DriverError {
	return driverError{
		errno:         e.errno,
		message:       fmt.Sprintf("%s: %s", e.Error(), message),
		originalError: e,
	}
}

func (e driverError) Wrap(err error) DriverError {
	return driverError{
		errno:         e.errno,
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}
