// Package log provides slog loggers that mask control-port secrets.
//
// The SecureHandler sanitizes attributes before they reach the output:
//   - passwords, cookies and hashed passwords by attribute key
//   - 64 digit hex cookies, AUTHENTICATE commands and onion service keys by value
//   - the cert= parameter of bridge lines, in attributes and messages
//
// Even in verbose mode these values are masked, because daemon output and
// debug logs are the first thing users paste into bug reports.
//
// # Usage
//
//	logger := log.NewSecureLogger(os.Stderr, verbose)
//	slog.SetDefault(logger)
//
// The logger is a plain *slog.Logger and can be handed to the manager and to
// tornago.
package log
