// Package errs defines the error-kind sum type that carries every failure
// across component boundaries, plus the POSIX/NFS4 status translation
// table mandated by the design notes: keep one mapping in one place.
package errs

import "fmt"

// Kind classifies an Error independent of its NFS4 or POSIX rendering.
type Kind int

const (
	KindNotFound Kind = iota
	KindIoError
	KindReadOnly
	KindShareDenied
	KindGrace
	KindDelay
	KindBadStateid
	KindOldStateid
	KindBadSession
	KindDeadSession
	KindStaleClientid
	KindInvalidArgument
	KindAlreadyExists
	KindNotEmpty
	KindIsDirectory
	KindNotDirectory
	KindNoSpace
	KindNotSupported
	KindStaleHandle
	KindAccessDenied
	KindExpired
	KindNoMatchingLayout
	KindLayoutUnavailable
	KindBadSlot
	KindSeqMisordered
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindIoError:
		return "IoError"
	case KindReadOnly:
		return "ReadOnly"
	case KindShareDenied:
		return "ShareDenied"
	case KindGrace:
		return "Grace"
	case KindDelay:
		return "Delay"
	case KindBadStateid:
		return "BadStateid"
	case KindOldStateid:
		return "OldStateid"
	case KindBadSession:
		return "BadSession"
	case KindDeadSession:
		return "DeadSession"
	case KindStaleClientid:
		return "StaleClientid"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindNotEmpty:
		return "NotEmpty"
	case KindIsDirectory:
		return "IsDirectory"
	case KindNotDirectory:
		return "NotDirectory"
	case KindNoSpace:
		return "NoSpace"
	case KindNotSupported:
		return "NotSupported"
	case KindStaleHandle:
		return "StaleHandle"
	case KindAccessDenied:
		return "AccessDenied"
	case KindExpired:
		return "Expired"
	case KindNoMatchingLayout:
		return "NoMatchingLayout"
	case KindLayoutUnavailable:
		return "LayoutUnavailable"
	case KindBadSlot:
		return "BadSlot"
	case KindSeqMisordered:
		return "SeqMisordered"
	default:
		return "Unknown"
	}
}

// Error is the sum-type error carried through the core. Path and Detail
// are optional context for logging; they are never parsed by callers.
type Error struct {
	Kind   Kind
	Detail string
	Path   string
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Path, e.Detail)
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return e.Kind.String()
}

func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

func NewWithPath(kind Kind, path, detail string) *Error {
	return &Error{Kind: kind, Path: path, Detail: detail}
}

func NotFound(path string) *Error {
	return NewWithPath(KindNotFound, path, "no such piece, file, or stateid")
}

func IoError(detail string) *Error {
	return New(KindIoError, detail)
}

func ReadOnly() *Error {
	return New(KindReadOnly, "write attempted on non-master replica")
}

func ShareDenied() *Error {
	return New(KindShareDenied, "share reservation conflict")
}

func Grace() *Error {
	return New(KindGrace, "server is in grace period")
}

func Delay(detail string) *Error {
	return New(KindDelay, detail)
}

func BadStateid() *Error {
	return New(KindBadStateid, "stateid unknown")
}

func OldStateid() *Error {
	return New(KindOldStateid, "stateid seqid is stale")
}

func BadSession() *Error {
	return New(KindBadSession, "session unknown")
}

func DeadSession() *Error {
	return New(KindDeadSession, "session is dead")
}

func StaleClientid() *Error {
	return New(KindStaleClientid, "client was purged")
}

func InvalidArgument(detail string) *Error {
	return New(KindInvalidArgument, detail)
}

func AlreadyExists(path string) *Error {
	return NewWithPath(KindAlreadyExists, path, "already exists")
}

func NotEmpty(path string) *Error {
	return NewWithPath(KindNotEmpty, path, "directory not empty")
}

func IsDirectory(path string) *Error {
	return NewWithPath(KindIsDirectory, path, "is a directory")
}

func NotDirectory(path string) *Error {
	return NewWithPath(KindNotDirectory, path, "not a directory")
}

func NoSpace() *Error {
	return New(KindNoSpace, "no space left on device")
}

func NotSupported(op string) *Error {
	return New(KindNotSupported, op)
}

func StaleHandle() *Error {
	return New(KindStaleHandle, "file handle is stale")
}

func AccessDenied(detail string) *Error {
	return New(KindAccessDenied, detail)
}

func NoMatchingLayout() *Error {
	return New(KindNoMatchingLayout, "no matching layout")
}

func LayoutUnavailable() *Error {
	return New(KindLayoutUnavailable, "requested layout cannot be served as a single segment")
}

func BadSlot() *Error {
	return New(KindBadSlot, "slot id out of range")
}

func SeqMisordered() *Error {
	return New(KindSeqMisordered, "slot sequence id misordered")
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}

func IsNotFound(err error) bool         { return Is(err, KindNotFound) }
func IsIoError(err error) bool          { return Is(err, KindIoError) }
func IsReadOnly(err error) bool         { return Is(err, KindReadOnly) }
func IsShareDenied(err error) bool      { return Is(err, KindShareDenied) }
func IsGrace(err error) bool            { return Is(err, KindGrace) }
func IsDelay(err error) bool            { return Is(err, KindDelay) }
func IsBadStateid(err error) bool       { return Is(err, KindBadStateid) }
func IsOldStateid(err error) bool       { return Is(err, KindOldStateid) }
func IsBadSession(err error) bool       { return Is(err, KindBadSession) }
func IsDeadSession(err error) bool      { return Is(err, KindDeadSession) }
func IsStaleClientid(err error) bool    { return Is(err, KindStaleClientid) }
func IsAlreadyExists(err error) bool    { return Is(err, KindAlreadyExists) }
func IsNotEmpty(err error) bool         { return Is(err, KindNotEmpty) }
func IsNoMatchingLayout(err error) bool { return Is(err, KindNoMatchingLayout) }
func IsBadSlot(err error) bool          { return Is(err, KindBadSlot) }
func IsSeqMisordered(err error) bool    { return Is(err, KindSeqMisordered) }
