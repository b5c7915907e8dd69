package tor

import (
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// BinaryEnv names the environment variable consulted before $PATH.
const BinaryEnv = "TOR_BINARY"

// defaultSearchPaths lists install locations checked after $PATH.
// Tor Browser bundles are included so a desktop install can be reused.
func defaultSearchPaths() []string {
	home, _ := os.UserHomeDir() //nolint:errcheck // empty home only drops the bundle paths
	switch runtime.GOOS {
	case "darwin":
		return []string{
			"/opt/homebrew/bin/tor",
			"/usr/local/bin/tor",
			"/Applications/Tor Browser.app/Contents/MacOS/Tor/tor",
		}
	case "windows":
		return []string{
			filepath.Join(home, "Desktop", "Tor Browser", "Browser", "TorBrowser", "Tor", "tor.exe"),
			filepath.Join(os.Getenv("ProgramFiles"), "Tor Browser", "Browser", "TorBrowser", "Tor", "tor.exe"),
		}
	default:
		paths := []string{
			"/usr/bin/tor",
			"/usr/local/bin/tor",
			"/usr/sbin/tor",
			"/snap/bin/tor",
		}
		if home != "" {
			paths = append(paths, filepath.Join(home, "tor-browser", "Browser", "TorBrowser", "Tor", "tor"))
		}
		return paths
	}
}

// BinaryLocator resolves the tor executable.
//
// Resolution order: explicit override, $TOR_BINARY, $PATH, search paths.
// An explicit override that does not exist is an error rather than a fallthrough,
// so a typo in configuration is never silently replaced by another binary.
type BinaryLocator struct {
	override    string
	searchPaths []string
	lookPath    func(string) (string, error)
	getenv      func(string) string
	logger      *slog.Logger
}

// LocatorOption configures a BinaryLocator.
type LocatorOption func(*BinaryLocator)

// WithBinaryOverride pins the executable path.
func WithBinaryOverride(path string) LocatorOption {
	return func(l *BinaryLocator) {
		l.override = path
	}
}

// WithSearchPaths replaces the default search paths.
func WithSearchPaths(paths ...string) LocatorOption {
	return func(l *BinaryLocator) {
		l.searchPaths = paths
	}
}

// WithLocatorLogger sets the logger.
func WithLocatorLogger(logger *slog.Logger) LocatorOption {
	return func(l *BinaryLocator) {
		l.logger = logger
	}
}

// NewBinaryLocator creates a locator with the platform defaults.
func NewBinaryLocator(opts ...LocatorOption) *BinaryLocator {
	l := &BinaryLocator{
		searchPaths: defaultSearchPaths(),
		lookPath:    exec.LookPath,
		getenv:      os.Getenv,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Locate returns the absolute path of the tor executable.
func (l *BinaryLocator) Locate() (string, error) {
	if l.override != "" {
		if isExecutableFile(l.override) {
			return l.override, nil
		}
		return "", newError(KindBinaryNotFound, "locate", "configured binary does not exist: "+l.override, nil)
	}

	if env := l.getenv(BinaryEnv); env != "" {
		if isExecutableFile(env) {
			l.logger.Debug("tor binary from environment", "path", env)
			return env, nil
		}
		l.logger.Warn("ignoring "+BinaryEnv+": not an executable file", "path", env)
	}

	if path, err := l.lookPath("tor"); err == nil {
		l.logger.Debug("tor binary from PATH", "path", path)
		return path, nil
	}

	for _, candidate := range l.searchPaths {
		if isExecutableFile(candidate) {
			l.logger.Debug("tor binary from search paths", "path", candidate)
			return candidate, nil
		}
	}

	return "", newError(KindBinaryNotFound, "locate", "tor was not found in PATH or the search paths", nil)
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}
