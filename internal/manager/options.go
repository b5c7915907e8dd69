package manager

import (
	"log/slog"
	"time"

	"github.com/nao1215/torctl/internal/tor"
)

// Default option values.
const (
	DefaultSocksHost   = "127.0.0.1"
	DefaultSocksPort   = 9050
	DefaultControlHost = "127.0.0.1"
	DefaultControlPort = 9051
)

// Options configure a Manager. Start from DefaultOptions; zero durations and
// ports are replaced with their defaults by New.
type Options struct {
	SocksHost       string
	SocksPort       int
	ControlHost     string
	ControlPort     int
	ControlPassword string
	// CookiePath authenticates against an attached daemon with its cookie file.
	// A daemon launched by the manager always uses the cookie in DataDirectory.
	CookiePath    string
	DataDirectory string
	TorBinary     string

	ConnectionTimeout time.Duration
	CircuitTimeout    time.Duration
	StartupTimeout    time.Duration
	StopGracePeriod   time.Duration

	// AutoStart launches a daemon on Start. When false, Start attaches to one
	// already listening on the control port.
	AutoStart bool
	// KillOnExit ties the launched daemon's lifetime to this process.
	KillOnExit bool

	IsolationPoolSize int
	TransportPlugins  map[tor.Transport]string
	// LookupExitAddress fills the exit address and country after a new identity.
	LookupExitAddress bool

	Logger *slog.Logger
}

// DefaultOptions returns the documented defaults. DataDirectory is left
// empty; New then uses a temporary directory per launch.
func DefaultOptions() Options {
	return Options{
		SocksHost:         DefaultSocksHost,
		SocksPort:         DefaultSocksPort,
		ControlHost:       DefaultControlHost,
		ControlPort:       DefaultControlPort,
		ConnectionTimeout: tor.DefaultConnectionTimeout,
		CircuitTimeout:    tor.DefaultCircuitTimeout,
		StartupTimeout:    tor.DefaultStartupTimeout,
		StopGracePeriod:   tor.DefaultStopGracePeriod,
		AutoStart:         true,
		KillOnExit:        true,
		IsolationPoolSize: tor.DefaultIsolationPoolSize,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SocksHost == "" {
		o.SocksHost = d.SocksHost
	}
	if o.SocksPort == 0 {
		o.SocksPort = d.SocksPort
	}
	if o.ControlHost == "" {
		o.ControlHost = d.ControlHost
	}
	if o.ControlPort == 0 {
		o.ControlPort = d.ControlPort
	}
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = d.ConnectionTimeout
	}
	if o.CircuitTimeout <= 0 {
		o.CircuitTimeout = d.CircuitTimeout
	}
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = d.StartupTimeout
	}
	if o.StopGracePeriod <= 0 {
		o.StopGracePeriod = d.StopGracePeriod
	}
	if o.IsolationPoolSize <= 0 {
		o.IsolationPoolSize = d.IsolationPoolSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
