package tor

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

// ExitPolicy holds the country restrictions as "{xx}" tokens.
type ExitPolicy struct {
	Exit    []string `json:"exit,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
	Entry   []string `json:"entry,omitempty"`
}

// Empty reports whether no restriction is set.
func (p ExitPolicy) Empty() bool {
	return len(p.Exit) == 0 && len(p.Exclude) == 0 && len(p.Entry) == 0
}

// ConfPairs returns the SETCONF keywords for the whole policy. Empty sets
// reset the option.
func (p ExitPolicy) ConfPairs() []ConfPair {
	return []ConfPair{
		{Key: "ExitNodes", Value: strings.Join(p.Exit, ",")},
		{Key: "ExcludeExitNodes", Value: strings.Join(p.Exclude, ",")},
		{Key: "EntryNodes", Value: strings.Join(p.Entry, ",")},
	}
}

func (p ExitPolicy) clone() ExitPolicy {
	return ExitPolicy{
		Exit:    slices.Clone(p.Exit),
		Exclude: slices.Clone(p.Exclude),
		Entry:   slices.Clone(p.Entry),
	}
}

// ExitPolicyManager validates and applies country restrictions.
//
// While the daemon is not live and no control session is authenticated,
// changes are only stored; the stored policy is written to the torrc on the
// next launch. Otherwise every change is pushed with SETCONF, and include
// lists are followed by a new identity.
type ExitPolicyManager struct {
	control *ControlClient
	rotate  func(context.Context) error
	logger  *slog.Logger

	mu     sync.Mutex
	policy ExitPolicy
	live   bool
}

// PolicyOption configures an ExitPolicyManager.
type PolicyOption func(*ExitPolicyManager)

// WithRotate sets the new-identity function run after include lists change.
func WithRotate(fn func(context.Context) error) PolicyOption {
	return func(m *ExitPolicyManager) {
		m.rotate = fn
	}
}

// WithPolicyLogger sets the logger.
func WithPolicyLogger(logger *slog.Logger) PolicyOption {
	return func(m *ExitPolicyManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewExitPolicyManager creates a manager pushing through control.
func NewExitPolicyManager(control *ControlClient, opts ...PolicyOption) *ExitPolicyManager {
	m := &ExitPolicyManager{
		control: control,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetLive switches between store-only and push-through behavior.
func (m *ExitPolicyManager) SetLive(live bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live = live
}

// Policy returns a copy of the stored policy.
func (m *ExitPolicyManager) Policy() ExitPolicy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy.clone()
}

// SetExitCountries restricts exits to codes. Any unknown code rejects the call.
func (m *ExitPolicyManager) SetExitCountries(ctx context.Context, codes ...string) error {
	tokens, err := strictTokens("set exit countries", codes)
	if err != nil {
		return err
	}
	live := m.update(func(p *ExitPolicy) { p.Exit = tokens })
	return m.push(ctx, live, true, ConfPair{Key: "ExitNodes", Value: strings.Join(tokens, ",")})
}

// SetEntryCountries restricts guards to codes. Any unknown code rejects the call.
func (m *ExitPolicyManager) SetEntryCountries(ctx context.Context, codes ...string) error {
	tokens, err := strictTokens("set entry countries", codes)
	if err != nil {
		return err
	}
	live := m.update(func(p *ExitPolicy) { p.Entry = tokens })
	return m.push(ctx, live, true, ConfPair{Key: "EntryNodes", Value: strings.Join(tokens, ",")})
}

// ExcludeExitCountries excludes codes from exit selection. Unknown codes are
// dropped rather than rejected. It returns the dropped codes.
func (m *ExitPolicyManager) ExcludeExitCountries(ctx context.Context, codes ...string) ([]string, error) {
	var (
		tokens  []string
		dropped []string
	)
	for _, code := range codes {
		if !IsKnownCountry(code) {
			dropped = append(dropped, code)
			continue
		}
		tokens = appendUnique(tokens, CountryToken(code))
	}
	if len(dropped) > 0 {
		m.logger.Debug("dropping unknown exclude codes", "codes", dropped)
	}
	live := m.update(func(p *ExitPolicy) { p.Exclude = tokens })
	return dropped, m.push(ctx, live, false, ConfPair{Key: "ExcludeExitNodes", Value: strings.Join(tokens, ",")})
}

// ClearExitRestrictions empties all three sets and pushes the reset.
func (m *ExitPolicyManager) ClearExitRestrictions(ctx context.Context) error {
	live := m.update(func(p *ExitPolicy) { *p = ExitPolicy{} })
	return m.push(ctx, live, false, ExitPolicy{}.ConfPairs()...)
}

// Reset drops the stored policy without contacting the daemon.
func (m *ExitPolicyManager) Reset() {
	m.update(func(p *ExitPolicy) { *p = ExitPolicy{} })
}

func (m *ExitPolicyManager) update(fn func(*ExitPolicy)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.policy)
	return m.live || m.control.Authenticated()
}

func (m *ExitPolicyManager) push(ctx context.Context, live, rotate bool, pairs ...ConfPair) error {
	if !live {
		m.logger.Debug("daemon not live, exit policy stored for next launch")
		return nil
	}
	if err := m.control.EnsureAuthenticated(ctx); err != nil {
		return err
	}
	if err := m.control.SetConf(ctx, pairs...); err != nil {
		return err
	}
	if rotate && m.rotate != nil {
		return m.rotate(ctx)
	}
	return nil
}

// strictTokens validates every code and converts them to tokens.
func strictTokens(op string, codes []string) ([]string, error) {
	if len(codes) == 0 {
		return nil, newError(KindValidation, op, "no country codes given", nil)
	}
	var (
		tokens  []string
		unknown []string
	)
	for _, code := range codes {
		if !IsKnownCountry(code) {
			unknown = append(unknown, code)
			continue
		}
		tokens = appendUnique(tokens, CountryToken(code))
	}
	if len(unknown) > 0 {
		return nil, newError(KindValidation, op, fmt.Sprintf("unknown country code(s) %s; accepted codes: %s",
			strings.Join(unknown, ", "), strings.Join(knownCountries, ", ")), nil)
	}
	return tokens, nil
}

func appendUnique(list []string, v string) []string {
	if slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}
