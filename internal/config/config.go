package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"

	"github.com/nao1215/torctl/internal/manager"
	"github.com/nao1215/torctl/internal/tor"
)

// Default configuration values.
const (
	// AppName is the application name used for XDG directory paths.
	AppName = "torctl"

	// DefaultConnectionTimeout bounds a control-port dial. The control port is
	// local, so a slow dial means the daemon is not there.
	DefaultConnectionTimeout = 10 * time.Second

	// DefaultCircuitTimeout bounds circuit commands such as SIGNAL NEWNYM.
	DefaultCircuitTimeout = 30 * time.Second

	// DefaultStartupTimeout is the maximum time to wait for a launched daemon
	// to bootstrap. A first start on a slow network can take minutes.
	DefaultStartupTimeout = 120 * time.Second

	// DefaultStopGracePeriod is how long Stop waits after the interrupt
	// before killing the daemon.
	DefaultStopGracePeriod = 5 * time.Second

	// JournalFileName is the SQLite event journal inside the data directory.
	JournalFileName = "journal.db"
)

// Config holds every torctl setting. It is populated from the config file
// and then from CLI flags, and converted to manager.Options by
// ManagerOptions.
//
// Design decision: Config stays a flat struct mirroring the YAML file so that
// `torctl init` can write it back out unchanged.
type Config struct {
	SocksHost       string `yaml:"socksHost"`
	SocksPort       int    `yaml:"socksPort"`
	ControlHost     string `yaml:"controlHost"`
	ControlPort     int    `yaml:"controlPort"`
	ControlPassword string `yaml:"controlPassword,omitempty"`
	// CookiePath authenticates against a daemon started elsewhere.
	CookiePath string `yaml:"cookiePath,omitempty"`
	// DataDirectory holds the generated torrc, the daemon state and the journal.
	DataDirectory string `yaml:"dataDirectory"`
	// TorBinary overrides the daemon lookup in TOR_BINARY and $PATH.
	TorBinary string `yaml:"torBinary,omitempty"`

	ConnectionTimeout time.Duration `yaml:"connectionTimeout"`
	CircuitTimeout    time.Duration `yaml:"circuitTimeout"`
	StartupTimeout    time.Duration `yaml:"startupTimeout"`
	StopGracePeriod   time.Duration `yaml:"stopGracePeriod"`

	// AutoStart launches a daemon. When false, torctl attaches to the daemon
	// listening on the control port.
	AutoStart  bool `yaml:"autoStart"`
	KillOnExit bool `yaml:"killOnExit"`

	IsolationMode     string `yaml:"isolationMode"`
	IsolationPoolSize int    `yaml:"isolationPoolSize"`

	ExitCountries        []string `yaml:"exitCountries,omitempty"`
	ExcludeExitCountries []string `yaml:"excludeExitCountries,omitempty"`
	EntryCountries       []string `yaml:"entryCountries,omitempty"`

	Transport string   `yaml:"transport"`
	Bridges   []string `yaml:"bridges,omitempty"`
	// TransportPlugins maps a transport name to its plugin executable.
	TransportPlugins map[string]string `yaml:"transportPlugins,omitempty"`

	// LookupExitAddress resolves the exit IP and country after a new identity.
	LookupExitAddress bool `yaml:"lookupExitAddress"`

	// Journal records events in a SQLite database in DataDirectory.
	Journal bool `yaml:"journal"`

	// Verbose enables debug logging. Only set from the command line.
	Verbose bool `yaml:"-"`

	// ConfigFilePath is the file the config was loaded from, if any.
	ConfigFilePath string `yaml:"-"`
}

// NewConfig returns a Config with the default values.
func NewConfig() *Config {
	return &Config{
		SocksHost:         manager.DefaultSocksHost,
		SocksPort:         manager.DefaultSocksPort,
		ControlHost:       manager.DefaultControlHost,
		ControlPort:       manager.DefaultControlPort,
		DataDirectory:     filepath.Join(XDGDataDir(), "tor"),
		ConnectionTimeout: DefaultConnectionTimeout,
		CircuitTimeout:    DefaultCircuitTimeout,
		StartupTimeout:    DefaultStartupTimeout,
		StopGracePeriod:   DefaultStopGracePeriod,
		AutoStart:         true,
		KillOnExit:        true,
		IsolationMode:     string(tor.IsolationNone),
		IsolationPoolSize: tor.DefaultIsolationPoolSize,
		Transport:         string(tor.TransportVanilla),
	}
}

// XDGDataDir returns the XDG data directory for torctl.
// On Linux: ~/.local/share/torctl
func XDGDataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// XDGConfigDir returns the XDG config directory for torctl.
// On Linux: ~/.config/torctl
func XDGConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// JournalPath returns the location of the event journal.
func (c *Config) JournalPath() string {
	return filepath.Join(c.DataDirectory, JournalFileName)
}

// Validate checks the configuration and returns the first problem found.
// Country codes are not checked here: the exit policy rejects or drops them
// when they are applied.
func (c *Config) Validate() error {
	if !validPort(c.SocksPort) {
		return fmt.Errorf("%w: socksPort %d", ErrInvalidPort, c.SocksPort)
	}
	if !validPort(c.ControlPort) {
		return fmt.Errorf("%w: controlPort %d", ErrInvalidPort, c.ControlPort)
	}
	if c.SocksHost == c.ControlHost && c.SocksPort == c.ControlPort {
		return ErrPortConflict
	}

	if c.ConnectionTimeout <= 0 || c.CircuitTimeout <= 0 || c.StartupTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.StopGracePeriod < 0 {
		return ErrInvalidGracePeriod
	}

	if _, err := tor.ParseIsolationMode(c.IsolationMode); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidIsolationMode, c.IsolationMode)
	}
	if c.IsolationPoolSize <= 0 {
		return ErrInvalidPoolSize
	}
	if c.SocksPort+c.IsolationPoolSize > 65535 {
		return fmt.Errorf("%w: pool of %d above port %d", ErrInvalidPoolSize, c.IsolationPoolSize, c.SocksPort)
	}

	if _, err := tor.ParseTransport(c.Transport); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidTransport, c.Transport)
	}
	for name := range c.TransportPlugins {
		if _, err := tor.ParseTransport(name); err != nil {
			return fmt.Errorf("%w: plugin for %q", ErrInvalidTransport, name)
		}
	}
	return nil
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

// ManagerOptions converts the configuration. Call Validate first; plugins for
// unknown transports are ignored.
func (c *Config) ManagerOptions(logger *slog.Logger) manager.Options {
	var plugins map[tor.Transport]string
	for name, path := range c.TransportPlugins {
		t, err := tor.ParseTransport(name)
		if err != nil {
			continue
		}
		if plugins == nil {
			plugins = make(map[tor.Transport]string)
		}
		plugins[t] = path
	}

	return manager.Options{
		SocksHost:         c.SocksHost,
		SocksPort:         c.SocksPort,
		ControlHost:       c.ControlHost,
		ControlPort:       c.ControlPort,
		ControlPassword:   c.ControlPassword,
		CookiePath:        c.CookiePath,
		DataDirectory:     c.DataDirectory,
		TorBinary:         c.TorBinary,
		ConnectionTimeout: c.ConnectionTimeout,
		CircuitTimeout:    c.CircuitTimeout,
		StartupTimeout:    c.StartupTimeout,
		StopGracePeriod:   c.StopGracePeriod,
		AutoStart:         c.AutoStart,
		KillOnExit:        c.KillOnExit,
		IsolationPoolSize: c.IsolationPoolSize,
		TransportPlugins:  plugins,
		LookupExitAddress: c.LookupExitAddress,
		Logger:            logger,
	}
}
