package tor

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// ErrorKind classifies failures reported by the control subsystem.
// Callers match on the kind with errors.Is against the sentinel values below.
type ErrorKind string

const (
	// KindBinaryNotFound means no tor executable could be located.
	KindBinaryNotFound ErrorKind = "binary_not_found"
	// KindAlreadyRunning means Start was called while a daemon is active.
	KindAlreadyRunning ErrorKind = "already_running"
	// KindAlreadyStopped means Stop was called with nothing to stop.
	KindAlreadyStopped ErrorKind = "already_stopped"
	// KindInvalidState means the requested transition is not allowed.
	KindInvalidState ErrorKind = "invalid_state"
	// KindConnectionTimeout means a dial or a reply wait exceeded its deadline.
	KindConnectionTimeout ErrorKind = "connection_timeout"
	// KindConnectionRefused covers transport errors. Error.Code carries the errno name.
	KindConnectionRefused ErrorKind = "connection_refused"
	// KindAuthenticationFailed means the daemon rejected AUTHENTICATE.
	KindAuthenticationFailed ErrorKind = "authentication_failed"
	// KindProtocol means a reply was malformed or carried an error status.
	KindProtocol ErrorKind = "protocol_error"
	// KindValidation means caller input was rejected before reaching the daemon.
	KindValidation ErrorKind = "validation_error"
	// KindInvalidURL means a URL could not be parsed.
	KindInvalidURL ErrorKind = "invalid_url"
	// KindStartupTimeout means the daemon did not bootstrap in time.
	KindStartupTimeout ErrorKind = "startup_timeout"
	// KindLaunchFailed means the daemon could not be spawned or exited early.
	KindLaunchFailed ErrorKind = "launch_failed"
	// KindNotConnected means an operation needs a control session that does not exist.
	KindNotConnected ErrorKind = "not_connected"
)

// Sentinel errors for errors.Is matching. Each compares equal to any *Error of the same kind.
var (
	ErrBinaryNotFound       = &Error{Kind: KindBinaryNotFound}
	ErrAlreadyRunning       = &Error{Kind: KindAlreadyRunning}
	ErrAlreadyStopped       = &Error{Kind: KindAlreadyStopped}
	ErrInvalidState         = &Error{Kind: KindInvalidState}
	ErrConnectionTimeout    = &Error{Kind: KindConnectionTimeout}
	ErrConnectionRefused    = &Error{Kind: KindConnectionRefused}
	ErrAuthenticationFailed = &Error{Kind: KindAuthenticationFailed}
	ErrProtocol             = &Error{Kind: KindProtocol}
	ErrValidation           = &Error{Kind: KindValidation}
	ErrInvalidURL           = &Error{Kind: KindInvalidURL}
	ErrStartupTimeout       = &Error{Kind: KindStartupTimeout}
	ErrLaunchFailed         = &Error{Kind: KindLaunchFailed}
	ErrNotConnected         = &Error{Kind: KindNotConnected}
)

// Error is the structured error returned by every component in this package.
//
// Design decision: One error type with a Kind field keeps the taxonomy closed
// while still allowing wrapping of the underlying cause. Op names the operation
// that failed ("connect", "authenticate", "newnym", ...), and Code is set for
// transport failures to the errno name reported by the operating system.
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Code string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind ErrorKind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// transportError classifies a network failure into a timeout or a refused
// connection carrying the errno name.
func transportError(op string, err error) *Error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(KindConnectionTimeout, op, "", err)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return newError(KindConnectionTimeout, op, "", err)
	}
	e := newError(KindConnectionRefused, op, "", err)
	e.Code = errnoName(err)
	return e
}

// errnoName maps common socket errnos to their symbolic names.
func errnoName(err error) string {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return ""
	}
	switch errno {
	case syscall.ECONNREFUSED:
		return "ECONNREFUSED"
	case syscall.ECONNRESET:
		return "ECONNRESET"
	case syscall.ECONNABORTED:
		return "ECONNABORTED"
	case syscall.EHOSTUNREACH:
		return "EHOSTUNREACH"
	case syscall.ENETUNREACH:
		return "ENETUNREACH"
	case syscall.ETIMEDOUT:
		return "ETIMEDOUT"
	case syscall.EPIPE:
		return "EPIPE"
	default:
		return fmt.Sprintf("errno %d", int(errno))
	}
}

// ProxyStatus represents the result of probing the SOCKS port.
type ProxyStatus int

const (
	// ProxyStatusOK indicates the port speaks SOCKS5 and handled a CONNECT.
	ProxyStatusOK ProxyStatus = iota
	// ProxyStatusWrongType indicates something listens but does not speak SOCKS5 like Tor.
	ProxyStatusWrongType
	// ProxyStatusCannotConnect indicates nothing accepted the TCP connection.
	ProxyStatusCannotConnect
	// ProxyStatusTimeout indicates the probe ran out of time.
	ProxyStatusTimeout
)

// String returns a human-readable description of the proxy status.
func (s ProxyStatus) String() string {
	switch s {
	case ProxyStatusOK:
		return "OK"
	case ProxyStatusWrongType:
		return "wrong type (not Tor)"
	case ProxyStatusCannotConnect:
		return "cannot connect"
	case ProxyStatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Err returns the error matching this status, or nil if OK.
func (s ProxyStatus) Err() error {
	switch s {
	case ProxyStatusOK:
		return nil
	case ProxyStatusWrongType:
		return newError(KindProtocol, "socks probe", "proxy is not a Tor SOCKS5 proxy", nil)
	case ProxyStatusTimeout:
		return newError(KindConnectionTimeout, "socks probe", "timeout connecting to SOCKS port", nil)
	default:
		return newError(KindConnectionRefused, "socks probe", "cannot connect to SOCKS port", nil)
	}
}
