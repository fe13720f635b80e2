package hostsim

import (
	"errors"
	"syscall"
)

// Socket calls report failures with the same errno values a real network stack uses,
// so that applications can test them with errors.Is.
var (
	ErrWouldBlock       error = syscall.EWOULDBLOCK
	ErrInProgress       error = syscall.EINPROGRESS
	ErrAlready          error = syscall.EALREADY
	ErrIsConnected      error = syscall.EISCONN
	ErrNotConnected     error = syscall.ENOTCONN
	ErrConnReset        error = syscall.ECONNRESET
	ErrConnRefused      error = syscall.ECONNREFUSED
	ErrPipe             error = syscall.EPIPE
	ErrBadDescriptor    error = syscall.EBADF
	ErrAddrInUse        error = syscall.EADDRINUSE
	ErrInvalid          error = syscall.EINVAL
	ErrMessageSize      error = syscall.EMSGSIZE
	ErrNotSupported     error = syscall.EOPNOTSUPP
	ErrDestAddrNeeded   error = syscall.EDESTADDRREQ
	ErrNotSocket        error = syscall.ENOTSOCK
	ErrAddrNotAvailable error = syscall.EADDRNOTAVAIL
)

// load-time failures
var (
	ErrGraphAttribute    = errors.New("topology graph attribute missing or malformed")
	ErrGraphDisconnected = errors.New("topology graph is not a single strongly connected cluster")
	ErrNoVertex          = errors.New("topology has no vertex to attach to")
	ErrDuplicateHost     = errors.New("duplicate hostname")
)
