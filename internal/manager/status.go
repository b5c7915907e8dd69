package manager

import (
	"time"

	"github.com/nao1215/torctl/internal/tor"
)

// Status is a point-in-time snapshot of the manager and, when the control
// port answers, of the daemon.
type Status struct {
	GeneratedAt time.Time `json:"generatedAt"`
	State       State     `json:"state"`
	PID         int       `json:"pid,omitempty"`

	Proxy          tor.Proxy `json:"proxy"`
	ProxyRules     string    `json:"proxyRules"`
	ControlAddress string    `json:"controlAddress"`
	Authenticated  bool      `json:"authenticated"`

	Version            string         `json:"version,omitempty"`
	CircuitEstablished bool           `json:"circuitEstablished"`
	Bootstrap          int            `json:"bootstrap"`
	BootstrapPhase     string         `json:"bootstrapPhase,omitempty"`
	Circuits           []tor.Circuit  `json:"circuits,omitempty"`
	ControlError       string         `json:"controlError,omitempty"`
	ExitPolicy         tor.ExitPolicy `json:"exitPolicy"`

	Transport tor.Transport `json:"transport"`
	Bridges   []tor.Bridge  `json:"bridges,omitempty"`

	IsolationMode  tor.IsolationMode   `json:"isolationMode"`
	IsolationSlots []tor.IsolationSlot `json:"isolationSlots,omitempty"`

	Stats Stats `json:"stats"`
}

// CircuitCounts returns the number of circuits per status, e.g. BUILT: 3.
func (s Status) CircuitCounts() map[string]int {
	counts := make(map[string]int)
	for _, c := range s.Circuits {
		counts[c.Status]++
	}
	return counts
}
