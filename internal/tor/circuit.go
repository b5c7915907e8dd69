package tor

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultCircuitTimeout bounds NEWNYM and circuit queries.
const DefaultCircuitTimeout = 30 * time.Second

// Circuit is one entry of "GETINFO circuit-status".
type Circuit struct {
	ID          string   `json:"id"`
	Status      string   `json:"status"`
	Path        []string `json:"path"`
	BuildFlags  []string `json:"buildFlags,omitempty"`
	Purpose     string   `json:"purpose,omitempty"`
	TimeCreated string   `json:"timeCreated,omitempty"`
}

// NodeCount returns the number of relays in the path.
func (c Circuit) NodeCount() int {
	return len(c.Path)
}

// Relay is a parsed path element "$FINGERPRINT~nickname".
type Relay struct {
	Fingerprint string
	Nickname    string
}

// Relays parses the path tokens.
func (c Circuit) Relays() []Relay {
	relays := make([]Relay, 0, len(c.Path))
	for _, token := range c.Path {
		if !strings.HasPrefix(token, "$") {
			relays = append(relays, Relay{Nickname: token})
			continue
		}
		fp, nick, found := strings.Cut(token[1:], "~")
		if !found {
			fp, nick, _ = strings.Cut(token[1:], "=")
		}
		relays = append(relays, Relay{Fingerprint: fp, Nickname: nick})
	}
	return relays
}

// ParseCircuits parses the body of a circuit-status reply, one circuit per
// non-empty line. A leading "circuit-status=" header is tolerated.
func ParseCircuits(body string) []Circuit {
	var circuits []Circuit
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "circuit-status="))
		if line == "" || line == "." || line == "OK" {
			continue
		}
		if c, ok := parseCircuitLine(line); ok {
			circuits = append(circuits, c)
		}
	}
	return circuits
}

func parseCircuitLine(line string) (Circuit, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Circuit{}, false
	}
	c := Circuit{ID: fields[0], Status: fields[1]}
	rest := fields[2:]
	if len(rest) > 0 && !strings.Contains(rest[0], "=") {
		c.Path = strings.Split(rest[0], ",")
		rest = rest[1:]
	}
	for _, field := range rest {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "BUILD_FLAGS":
			c.BuildFlags = strings.Split(value, ",")
		case "PURPOSE":
			c.Purpose = value
		case "TIME_CREATED":
			c.TimeCreated = value
		}
	}
	return c, true
}

// Identity is the outcome of a successful NEWNYM.
type Identity struct {
	ChangeCount int
	ChangedAt   time.Time
	ExitIP      string
	ExitCountry string
}

// ExitProber reports the current exit address seen through the SOCKS port.
type ExitProber interface {
	ExitIP(ctx context.Context) (string, error)
}

// CircuitManager rotates and inspects circuits over a control client.
type CircuitManager struct {
	control *ControlClient
	timeout time.Duration
	prober  ExitProber
	logger  *slog.Logger

	mu         sync.Mutex
	changes    int
	lastChange time.Time
}

// CircuitOption configures a CircuitManager.
type CircuitOption func(*CircuitManager)

// WithCircuitTimeout bounds each circuit operation.
func WithCircuitTimeout(timeout time.Duration) CircuitOption {
	return func(m *CircuitManager) {
		if timeout > 0 {
			m.timeout = timeout
		}
	}
}

// WithExitProber enables exit address lookup after NEWNYM.
func WithExitProber(p ExitProber) CircuitOption {
	return func(m *CircuitManager) {
		m.prober = p
	}
}

// WithCircuitLogger sets the logger.
func WithCircuitLogger(logger *slog.Logger) CircuitOption {
	return func(m *CircuitManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewCircuitManager creates a CircuitManager on control.
func NewCircuitManager(control *ControlClient, opts ...CircuitOption) *CircuitManager {
	m := &CircuitManager{
		control: control,
		timeout: DefaultCircuitTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewIdentity sends SIGNAL NEWNYM, connecting and authenticating first when needed.
func (m *CircuitManager) NewIdentity(ctx context.Context) (Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if err := m.control.EnsureAuthenticated(ctx); err != nil {
		return Identity{}, err
	}
	if err := m.control.Signal(ctx, "NEWNYM"); err != nil {
		return Identity{}, err
	}

	m.mu.Lock()
	m.changes++
	m.lastChange = time.Now()
	id := Identity{ChangeCount: m.changes, ChangedAt: m.lastChange}
	m.mu.Unlock()

	if m.prober != nil {
		m.lookupExit(ctx, &id)
	}
	m.logger.Info("new identity requested", "circuit_changes", id.ChangeCount)
	return id, nil
}

// lookupExit fills the exit address and country. Failures only log.
func (m *CircuitManager) lookupExit(ctx context.Context, id *Identity) {
	ip, err := m.prober.ExitIP(ctx)
	if err != nil {
		m.logger.Debug("exit address lookup failed", "error", err)
		return
	}
	id.ExitIP = ip
	key := "ip-to-country/" + ip
	info, err := m.control.GetInfo(ctx, key)
	if err != nil {
		m.logger.Debug("exit country lookup failed", "error", err)
		return
	}
	if cc := info[key]; cc != "" && cc != "??" {
		id.ExitCountry = strings.ToUpper(cc)
	}
}

// Circuits queries circuit-status.
func (m *CircuitManager) Circuits(ctx context.Context) ([]Circuit, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if err := m.control.EnsureAuthenticated(ctx); err != nil {
		return nil, err
	}
	info, err := m.control.GetInfo(ctx, "circuit-status")
	if err != nil {
		return nil, err
	}
	return ParseCircuits(info["circuit-status"]), nil
}

// Version queries the daemon version.
func (m *CircuitManager) Version(ctx context.Context) (string, error) {
	return m.info(ctx, "version")
}

// Established reports whether the daemon has built at least one circuit.
func (m *CircuitManager) Established(ctx context.Context) (bool, error) {
	v, err := m.info(ctx, "status/circuit-established")
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

// BootstrapPhase queries status/bootstrap-phase.
func (m *CircuitManager) BootstrapPhase(ctx context.Context) (BootstrapStatus, error) {
	v, err := m.info(ctx, "status/bootstrap-phase")
	if err != nil {
		return BootstrapStatus{}, err
	}
	st, ok := ParseBootstrapPhase(v)
	if !ok {
		return BootstrapStatus{}, newError(KindProtocol, "bootstrap-phase", "unparsable value: "+v, nil)
	}
	return st, nil
}

func (m *CircuitManager) info(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if err := m.control.EnsureAuthenticated(ctx); err != nil {
		return "", err
	}
	info, err := m.control.GetInfo(ctx, key)
	if err != nil {
		return "", err
	}
	return info[key], nil
}

// ChangeCount returns the number of successful NEWNYM signals.
func (m *CircuitManager) ChangeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changes
}

// LastChange returns the time of the last NEWNYM, zero if none.
func (m *CircuitManager) LastChange() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastChange
}

// Reset clears the counters.
func (m *CircuitManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes = 0
	m.lastChange = time.Time{}
}
