package manager

import (
	"github.com/nao1215/torctl/internal/tor"
)

// Result is returned by every Manager operation. Failures are reported
// through Success and Err instead of a separate error return so a caller can
// decide per call how to react.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Err     error  `json:"-"`
}

// Kind returns the error kind, or "" on success.
func (r Result) Kind() tor.ErrorKind {
	return tor.KindOf(r.Err)
}

// Error returns the error text, or "" on success.
func (r Result) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

func ok(msg string) Result {
	return Result{Success: true, Message: msg}
}

func fail(err error) Result {
	return Result{Success: false, Message: err.Error(), Err: err}
}

// ConnectResult is returned by ConnectControlPort.
type ConnectResult struct {
	Result
	Authenticated bool `json:"authenticated"`
}

// IdentityResult is returned by NewIdentity.
type IdentityResult struct {
	Result
	Identity tor.Identity `json:"identity"`
}

// CircuitsResult is returned by CircuitInfo.
type CircuitsResult struct {
	Result
	Circuits []tor.Circuit `json:"circuits"`
}

// InfoResult carries a single GETINFO value.
type InfoResult struct {
	Result
	Value string `json:"value"`
}

// EstablishedResult is returned by Established.
type EstablishedResult struct {
	Result
	Established bool `json:"established"`
}

// ExcludeResult is returned by ExcludeExitCountries.
type ExcludeResult struct {
	Result
	Dropped []string `json:"dropped,omitempty"`
}

// BridgeResult reports the bridge count after a change.
type BridgeResult struct {
	Result
	Count int `json:"count"`
}

// BuiltinBridgesResult is returned by FetchBuiltinBridges. Success is always
// false; BuiltinBridges holds the defaults to use instead.
type BuiltinBridgesResult struct {
	Result
	Transport      tor.Transport `json:"transport"`
	BuiltinBridges []string      `json:"builtinBridges"`
}

// ModeResult is returned by SetIsolationMode.
type ModeResult struct {
	Result
	Mode tor.IsolationMode `json:"mode"`
}

// PortResult is returned by Port.
type PortResult struct {
	Result
	Port     int  `json:"port"`
	Isolated bool `json:"isolated"`
}

// ProxyResult is returned by ProxyFor.
type ProxyResult struct {
	Result
	Proxy tor.Proxy `json:"proxy"`
	Rules string    `json:"rules"`
}

// OnionResult is returned by IsOnionURL.
type OnionResult struct {
	Result
	Info tor.OnionInfo `json:"info"`
}

// OnionLocationResult is returned by HandleOnionLocation.
type OnionLocationResult struct {
	Result
	Location tor.OnionLocation `json:"location"`
}

// StatusResult is returned by Status.
type StatusResult struct {
	Result
	Status Status `json:"status"`
}
