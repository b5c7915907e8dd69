// Package tor contains the building blocks for supervising a local Tor daemon
// and driving it over its control port.
//
// The pieces are independent so they can be tested alone and composed by the
// manager package:
//
//   - BinaryLocator finds the tor executable.
//   - Supervisor spawns the daemon with a generated torrc and follows its
//     bootstrap progress.
//   - ControlClient frames control-port replies and serializes commands
//     through a FIFO queue, one in flight at a time.
//   - CircuitManager, ExitPolicyManager, BridgeManager and IsolationManager
//     implement circuit rotation, country restrictions, bridges and stream
//     isolation on top of it.
//   - IsOnionURL and HandleOnionLocation classify onion addresses.
//
// Every failure is an *Error carrying an ErrorKind; match with errors.Is
// against the Err* sentinels.
package tor
