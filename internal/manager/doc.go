// Package manager is the facade external collaborators talk to. It composes
// the internal/tor building blocks behind one state machine, one event
// dispatcher and structured results.
//
// Every operation returns a Result (or a typed result embedding it) instead
// of an error, so a caller such as a browser-window orchestrator can decide
// per call how to react. Result.Kind exposes the tor.ErrorKind of a failure.
package manager
