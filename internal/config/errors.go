package config

import "errors"

// Configuration validation errors returned by Config.Validate.
//
// Design decision: sentinels rather than formatted errors so callers can use
// errors.Is; Validate wraps them with the offending value.
var (
	// ErrInvalidPort is returned when a SOCKS or control port is outside 1-65535.
	ErrInvalidPort = errors.New("invalid port: must be between 1 and 65535")

	// ErrPortConflict is returned when the SOCKS and control listeners share
	// an address.
	ErrPortConflict = errors.New("port conflict: socksPort and controlPort must differ")

	// ErrInvalidTimeout is returned when a connection, circuit or startup
	// timeout is not positive.
	ErrInvalidTimeout = errors.New("invalid timeout: must be positive")

	// ErrInvalidGracePeriod is returned when the stop grace period is negative.
	ErrInvalidGracePeriod = errors.New("invalid stop grace period: must be non-negative")

	// ErrInvalidIsolationMode is returned for a mode other than none,
	// per_tab, per_domain or per_session.
	ErrInvalidIsolationMode = errors.New("invalid isolation mode")

	// ErrInvalidPoolSize is returned when the isolation pool is empty or does
	// not fit above the SOCKS port.
	ErrInvalidPoolSize = errors.New("invalid isolation pool size")

	// ErrInvalidTransport is returned for an unknown pluggable transport.
	ErrInvalidTransport = errors.New("invalid transport")
)
