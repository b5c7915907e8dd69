package tor

import (
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultIsolationPoolSize is the number of isolated SOCKS ports.
const DefaultIsolationPoolSize = 10

// IsolationMode selects what an isolation key represents.
type IsolationMode string

// Isolation modes.
const (
	IsolationNone       IsolationMode = "none"
	IsolationPerTab     IsolationMode = "per_tab"
	IsolationPerDomain  IsolationMode = "per_domain"
	IsolationPerSession IsolationMode = "per_session"
)

// ParseIsolationMode accepts "per_domain", "PerDomain", "per-domain" and so
// on. An empty mode is rejected like any other unknown value.
func ParseIsolationMode(s string) (IsolationMode, error) {
	norm := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(s))
	switch norm {
	case "none":
		return IsolationNone, nil
	case "pertab":
		return IsolationPerTab, nil
	case "perdomain":
		return IsolationPerDomain, nil
	case "persession":
		return IsolationPerSession, nil
	default:
		return "", newError(KindValidation, "isolation mode", "unknown mode "+strconv.Quote(s)+"; accepted: none, per_tab, per_domain, per_session", nil)
	}
}

// IsolationSlot is one key to port binding.
type IsolationSlot struct {
	Key      string    `json:"key"`
	Port     int       `json:"port"`
	LastUsed time.Time `json:"lastUsed"`
}

// PortAssignment is the answer of Port.
type PortAssignment struct {
	Port     int
	Isolated bool
	Key      string
}

// IsolationManager binds keys to SOCKS ports from a fixed pool.
//
// The pool is the range starting one above the base port, skipping the
// control port. Allocation is a round-robin cursor, not LRU: when the cursor
// wraps, the key currently holding the recycled port loses its binding.
type IsolationManager struct {
	basePort int
	ports    []int
	now      func() time.Time

	mu     sync.Mutex
	mode   IsolationMode
	slots  map[string]*IsolationSlot
	owner  map[int]string
	cursor int
}

// NewIsolationManager builds the pool of size ports above basePort, skipping skipPort.
func NewIsolationManager(basePort, size, skipPort int) *IsolationManager {
	if size <= 0 {
		size = DefaultIsolationPoolSize
	}
	ports := make([]int, 0, size)
	for p := basePort + 1; len(ports) < size && p <= 65535; p++ {
		if p == skipPort {
			continue
		}
		ports = append(ports, p)
	}
	return &IsolationManager{
		basePort: basePort,
		ports:    ports,
		now:      time.Now,
		mode:     IsolationNone,
		slots:    make(map[string]*IsolationSlot),
		owner:    make(map[int]string),
	}
}

// SetMode switches mode. A change of mode drops all bindings.
func (m *IsolationManager) SetMode(mode string) (IsolationMode, error) {
	parsed, err := ParseIsolationMode(mode)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if parsed != m.mode {
		m.resetLocked()
		m.mode = parsed
	}
	return parsed, nil
}

// Mode returns the current mode.
func (m *IsolationManager) Mode() IsolationMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Port returns the port bound to key, allocating one when needed.
func (m *IsolationManager) Port(key string) (PortAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode == IsolationNone {
		return PortAssignment{Port: m.basePort, Isolated: false, Key: key}, nil
	}
	if m.mode == IsolationPerDomain {
		key = domainKey(key)
	}
	if strings.TrimSpace(key) == "" {
		return PortAssignment{}, newError(KindValidation, "isolation port", "isolation key is empty", nil)
	}
	if len(m.ports) == 0 {
		return PortAssignment{}, newError(KindValidation, "isolation port", "isolation pool is empty", nil)
	}

	if slot, ok := m.slots[key]; ok {
		slot.LastUsed = m.now()
		return PortAssignment{Port: slot.Port, Isolated: true, Key: key}, nil
	}

	port := m.ports[m.cursor]
	m.cursor = (m.cursor + 1) % len(m.ports)
	if prev, ok := m.owner[port]; ok {
		delete(m.slots, prev)
	}
	m.owner[port] = key
	m.slots[key] = &IsolationSlot{Key: key, Port: port, LastUsed: m.now()}
	return PortAssignment{Port: port, Isolated: true, Key: key}, nil
}

// Release drops the binding of key. The port is not returned to the cursor.
func (m *IsolationManager) Release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode == IsolationPerDomain {
		key = domainKey(key)
	}
	if slot, ok := m.slots[key]; ok {
		delete(m.owner, slot.Port)
		delete(m.slots, key)
	}
}

// Ports returns the pool, for the torrc.
func (m *IsolationManager) Ports() []int {
	return append([]int(nil), m.ports...)
}

// Slots returns the live bindings ordered by port.
func (m *IsolationManager) Slots() []IsolationSlot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]IsolationSlot, 0, len(m.slots))
	for _, p := range m.ports {
		if key, ok := m.owner[p]; ok {
			out = append(out, *m.slots[key])
		}
	}
	return out
}

// Reset drops all bindings and rewinds the cursor. The mode is kept.
func (m *IsolationManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
}

func (m *IsolationManager) resetLocked() {
	m.slots = make(map[string]*IsolationSlot)
	m.owner = make(map[int]string)
	m.cursor = 0
}

// domainKey reduces a URL or host to its lower-cased hostname.
func domainKey(key string) string {
	key = strings.TrimSpace(key)
	if strings.Contains(key, "://") {
		if u, err := url.Parse(key); err == nil && u.Hostname() != "" {
			return strings.ToLower(u.Hostname())
		}
	}
	host, _, _ := strings.Cut(key, "/")
	if h, _, found := strings.Cut(host, ":"); found && !strings.Contains(h, "[") {
		host = h
	}
	return strings.ToLower(host)
}
