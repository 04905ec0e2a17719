// Package kerr defines the error-kind taxonomy shared by every core
// component and the negative-errno translation used at the syscall
// boundary.
package kerr

import "fmt"

// Kind enumerates the error categories the core may produce. These are
// the only kinds any component returns; new failure modes map onto the
// closest existing kind rather than growing the set.
type Kind int

const (
	_ Kind = iota
	NotFound
	PermissionDenied
	Exists
	InvalidArgument
	ResourceExhausted
	WouldBlock
	Timeout
	DeviceError
	ProtocolError
	Fatal
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not-found"
	case PermissionDenied:
		return "permission-denied"
	case Exists:
		return "exists"
	case InvalidArgument:
		return "invalid-argument"
	case ResourceExhausted:
		return "resource-exhausted"
	case WouldBlock:
		return "would-block"
	case Timeout:
		return "timeout"
	case DeviceError:
		return "device-error"
	case ProtocolError:
		return "protocol-error"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps a Kind with the operation and component that raised it.
// Component errors are always returned as *Error so callers can
// recover the Kind with errors.As.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var ke *Error
	if ok := asError(err, &ke); ok {
		return ke.Kind == kind
	}
	return false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if ke, ok := err.(*Error); ok {
			*target = ke
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Errno is the negative-integer ABI result a syscall returns on
// failure, mirroring golang.org/x/sys/unix.Errno's shape: small
// negative integers keyed to a fixed table rather than the Kind
// itself, so the syscall table's ordering stays stable even if Kind
// gains members.
type Errno int32

const (
	ENOENT  Errno = -2
	EACCES  Errno = -13
	EEXIST  Errno = -17
	EINVAL  Errno = -22
	ENOSPC  Errno = -28
	EAGAIN  Errno = -11
	ETIME   Errno = -62
	EIO     Errno = -5
	EPROTO  Errno = -71
	EFAULT  Errno = -14
)

// ToErrno maps a component error to the syscall-visible errno. Errors
// that are not *Error (e.g. a bare io.EOF bubbling from a provider)
// map to EIO: an unclassified failure is reported as a device/IO
// error rather than panicking the dispatcher.
func ToErrno(err error) Errno {
	if err == nil {
		return 0
	}
	var ke *Error
	if !asError(err, &ke) {
		return EIO
	}
	switch ke.Kind {
	case NotFound:
		return ENOENT
	case PermissionDenied:
		return EACCES
	case Exists:
		return EEXIST
	case InvalidArgument:
		return EINVAL
	case ResourceExhausted:
		return ENOSPC
	case WouldBlock:
		return EAGAIN
	case Timeout:
		return ETIME
	case DeviceError:
		return EIO
	case ProtocolError:
		return EPROTO
	case Fatal:
		return EFAULT
	default:
		return EIO
	}
}

// Panic is raised for Fatal-kind invariant violations; it is caught
// only at the top of the boot goroutine, which logs the reason and
// halts rather than letting the runtime panic unwind further.
type Panic struct {
	Reason string
}

func (p Panic) Error() string { return p.Reason }
