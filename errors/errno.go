// Portable errno codes. The syscall package doesn't define all of these on
// every platform (EUCLEAN and EMEDIUMTYPE in particular), and the numeric
// values here are ours, not the host's.

package errors

import (
	"fmt"
)

type Errno int

const (
	EOK Errno = iota
	EPERM
	ENOENT
	EIO
	EBADF
	EBUSY
	EEXIST
	EXDEV
	ENOTDIR
	EISDIR
	EINVAL
	EFBIG
	ENOSPC
	EROFS
	EMLINK
	EDOM
	ERANGE
	ENAMETOOLONG
	ENOSYS
	ENOTEMPTY
	ELOOP
	ENOTSUP
	EALREADY
	EUCLEAN
	EMEDIUMTYPE
)

var errorMessagesByCode = map[Errno]string{
	EPERM:        "Operation not permitted",
	ENOENT:       "No such file or directory",
	EIO:          "Input/output error",
	EBADF:        "Bad file descriptor",
	EBUSY:        "Device or resource busy",
	EEXIST:       "File exists",
	EXDEV:        "Invalid cross-device link",
	ENOTDIR:      "Not a directory",
	EISDIR:       "Is a directory",
	EINVAL:       "Invalid argument",
	EFBIG:        "File too large",
	ENOSPC:       "No space left on device",
	EROFS:        "Read-only file system",
	EMLINK:       "Too many links",
	EDOM:         "Numerical argument out of domain",
	ERANGE:       "Numerical result out of range",
	ENAMETOOLONG: "File name too long",
	ENOSYS:       "Function not implemented",
	ENOTEMPTY:    "Directory not empty",
	ELOOP:        "Too many levels of symbolic links",
	ENOTSUP:      "Operation not supported",
	EALREADY:     "Operation already in progress",
	EUCLEAN:      "Structure needs cleaning",
	EMEDIUMTYPE:  "Wrong medium type",
}

// StrError returns the POSIX description of an error code, like strerror(3).
func StrError(code Errno) string {
	message, ok := errorMessagesByCode[code]
	if ok {
		return message
	}
	return fmt.Sprintf("error %d not recognized.", int(code))
}
