package manager

import "time"

// Stats are counters kept by the manager. They are copied out by Stats and
// never mutated by callers.
type Stats struct {
	StartedAt         time.Time     `json:"startedAt,omitzero"`
	CircuitChanges    int           `json:"circuitChanges"`
	LastCircuitChange time.Time     `json:"lastCircuitChange,omitzero"`
	ConnectionErrors  int           `json:"connectionErrors"`
	BootstrapDuration time.Duration `json:"bootstrapDuration"`
}

// Uptime returns the time since the daemon reached the starting state, or
// zero when it has not been started.
func (s Stats) Uptime(now time.Time) time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(s.StartedAt)
}
