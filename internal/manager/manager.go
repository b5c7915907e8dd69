package manager

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nao1215/torctl/internal/tor"
)

// bootstrapPollInterval is how often an attached daemon is polled for
// bootstrap progress.
const bootstrapPollInterval = 500 * time.Millisecond

// Manager is the facade over the tor building blocks. It owns one daemon
// process (or one attached daemon), one control connection and the state
// machine Stopped -> Starting -> Bootstrapping -> Connected -> Stopping.
//
// All methods are safe for concurrent use. Events are delivered
// synchronously, never while the manager's lock is held.
type Manager struct {
	opts   Options
	logger *slog.Logger
	events *Dispatcher

	locator   *tor.BinaryLocator
	control   *tor.ControlClient
	circuits  *tor.CircuitManager
	policy    *tor.ExitPolicyManager
	bridges   *tor.BridgeManager
	isolation *tor.IsolationManager
	proxy     tor.Proxy

	mu         sync.Mutex
	state      State
	supervisor *tor.Supervisor
	dataDir    string
	tempDir    bool
	poolOpen   bool
	bootstrap  tor.BootstrapStatus
	stats      Stats
}

// New creates a stopped manager. Nothing is spawned or dialed until Start
// or ConnectControlPort.
func New(opts Options) *Manager {
	opts = opts.withDefaults()
	logger := opts.Logger

	m := &Manager{
		opts:   opts,
		logger: logger,
		events: NewDispatcher(),
		state:  StateStopped,
		proxy:  tor.NewProxy(opts.SocksHost, opts.SocksPort),
	}

	m.control = tor.NewControlClient(
		net.JoinHostPort(opts.ControlHost, strconv.Itoa(opts.ControlPort)),
		tor.WithControlTimeout(opts.ConnectionTimeout),
		tor.WithControlAuth(m.configuredAuth()),
		tor.WithControlLogger(logger),
	)
	m.control.OnDisconnect(m.onControlDisconnect)

	circuitOpts := []tor.CircuitOption{
		tor.WithCircuitTimeout(opts.CircuitTimeout),
		tor.WithCircuitLogger(logger),
	}
	if opts.LookupExitAddress {
		circuitOpts = append(circuitOpts, tor.WithExitProber(tor.NewTornagoExitProber(m.proxy, opts.CircuitTimeout)))
	}
	m.circuits = tor.NewCircuitManager(m.control, circuitOpts...)
	m.policy = tor.NewExitPolicyManager(m.control, tor.WithRotate(m.rotate), tor.WithPolicyLogger(logger))
	m.bridges = tor.NewBridgeManager(opts.TransportPlugins)
	m.isolation = tor.NewIsolationManager(opts.SocksPort, opts.IsolationPoolSize, opts.ControlPort)

	locatorOpts := []tor.LocatorOption{tor.WithLocatorLogger(logger)}
	if opts.TorBinary != "" {
		locatorOpts = append(locatorOpts, tor.WithBinaryOverride(opts.TorBinary))
	}
	m.locator = tor.NewBinaryLocator(locatorOpts...)
	return m
}

// Subscribe registers h for the named event, or every event with EventAll.
func (m *Manager) Subscribe(name EventName, h Handler) SubscriptionID {
	return m.events.Subscribe(name, h)
}

// Unsubscribe removes a handler registered with Subscribe.
func (m *Manager) Unsubscribe(id SubscriptionID) bool {
	return m.events.Unsubscribe(id)
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns a copy of the counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Authenticated reports whether the control session is authenticated.
func (m *Manager) Authenticated() bool {
	return m.control.Authenticated()
}

// PID returns the process id of a launched daemon, or 0.
func (m *Manager) PID() int {
	m.mu.Lock()
	sup := m.supervisor
	m.mu.Unlock()
	if sup == nil {
		return 0
	}
	return sup.PID()
}

// transition moves the state machine and emits stateChange. It reports
// false, without side effects, when the table does not allow the move.
func (m *Manager) transition(to State) bool {
	m.mu.Lock()
	from := m.state
	if !from.CanTransition(to) {
		m.mu.Unlock()
		m.logger.Debug("refusing state transition", "from", from, "to", to)
		return false
	}
	m.state = to
	m.mu.Unlock()

	m.logger.Info("state changed", "from", from, "to", to)
	m.events.Emit(Event{Name: EventStateChange, State: to, From: from})
	return true
}

func (m *Manager) live() bool {
	return m.State() == StateConnected
}

func (m *Manager) configuredAuth() tor.ControlAuth {
	return tor.ControlAuth{Password: m.opts.ControlPassword, CookiePath: m.opts.CookiePath}
}

// countError bumps the connection error counter for transport failures.
func (m *Manager) countError(err error) {
	switch tor.KindOf(err) {
	case tor.KindConnectionRefused, tor.KindConnectionTimeout, tor.KindNotConnected:
		m.mu.Lock()
		m.stats.ConnectionErrors++
		m.mu.Unlock()
	}
}

func stateError(kind tor.ErrorKind, op string, st State, hint string) *tor.Error {
	msg := "manager is " + st.String()
	if hint != "" {
		msg += "; " + hint
	}
	return &tor.Error{Kind: kind, Op: op, Msg: msg}
}

// Start launches the daemon and blocks until it has bootstrapped, or, with
// AutoStart disabled, attaches to a daemon already listening on the control
// port. Start outside Stopped fails and changes nothing.
func (m *Manager) Start(ctx context.Context) Result {
	if r, startable := m.startable(); !startable {
		return r
	}
	if !m.opts.AutoStart {
		return m.attach(ctx)
	}

	binary, err := m.locator.Locate()
	if err != nil {
		return m.fault("start", err)
	}

	if !m.transition(StateStarting) {
		r, _ := m.startable()
		return r
	}
	m.markStarted()

	sup, err := m.prepareLaunch(binary)
	if err != nil {
		return m.fault("start", err)
	}

	hooks := tor.SupervisorHooks{
		OnOutput: func() {
			m.transition(StateBootstrapping)
		},
		OnBootstrap: m.emitBootstrap,
	}
	began := time.Now()
	if err := sup.Start(ctx, hooks); err != nil {
		return m.fault("start", err)
	}
	m.mu.Lock()
	m.stats.BootstrapDuration = time.Since(began)
	m.mu.Unlock()

	return m.connected(ctx, sup)
}

// Ready makes sure the manager is connected: it starts (or attaches) from
// Stopped and succeeds at once when already connected.
func (m *Manager) Ready(ctx context.Context) Result {
	switch st := m.State(); st {
	case StateConnected:
		return ok("connected")
	case StateStopped:
		return m.Start(ctx)
	default:
		return fail(stateError(tor.KindInvalidState, "ready", st, ""))
	}
}

func (m *Manager) startable() (Result, bool) {
	st := m.State()
	switch {
	case st == StateStopped:
		return Result{}, true
	case st.Running():
		return fail(stateError(tor.KindAlreadyRunning, "start", st, "")), false
	default:
		return fail(stateError(tor.KindInvalidState, "start", st, "call Stop first")), false
	}
}

func (m *Manager) markStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.StartedAt = time.Now()
	m.stats.BootstrapDuration = 0
	m.bootstrap = tor.BootstrapStatus{}
}

// fault moves a failed start to Error unless a Stop is already under way.
func (m *Manager) fault(op string, err error) Result {
	m.countError(err)
	m.logger.Error(op+" failed", "error", err)
	if st := m.State(); st != StateStopping && st != StateStopped {
		m.transition(StateError)
	}
	return fail(err)
}

func (m *Manager) emitBootstrap(st tor.BootstrapStatus) {
	m.mu.Lock()
	m.bootstrap = st
	m.mu.Unlock()
	m.logger.Debug("bootstrap progress", "progress", st.Progress, "phase", st.Phase())
	m.events.Emit(Event{Name: EventBootstrap, Progress: st.Progress, Phase: st.Phase()})
}

// prepareLaunch writes the torrc and builds the supervisor.
func (m *Manager) prepareLaunch(binary string) (*tor.Supervisor, error) {
	dataDir, temp := m.opts.DataDirectory, false
	if dataDir == "" {
		dir, err := os.MkdirTemp("", "torctl-")
		if err != nil {
			return nil, &tor.Error{Kind: tor.KindLaunchFailed, Op: "start", Msg: "create data directory", Err: err}
		}
		dataDir, temp = dir, true
	} else if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, &tor.Error{Kind: tor.KindLaunchFailed, Op: "start", Msg: "create data directory " + dataDir, Err: err}
	}

	policy := m.policy.Policy()
	rc := tor.Torrc{
		SocksHost:        m.opts.SocksHost,
		SocksPort:        m.opts.SocksPort,
		ControlHost:      m.opts.ControlHost,
		ControlPort:      m.opts.ControlPort,
		DataDirectory:    dataDir,
		ExitNodes:        policy.Exit,
		ExcludeExitNodes: policy.Exclude,
		EntryNodes:       policy.Entry,
		BridgeLines:      m.bridges.TorrcLines(),
	}

	var auth tor.ControlAuth
	if m.opts.ControlPassword != "" {
		hashed, err := tor.HashControlPassword(m.opts.ControlPassword)
		if err != nil {
			return nil, &tor.Error{Kind: tor.KindLaunchFailed, Op: "start", Msg: "hash control password", Err: err}
		}
		rc.HashedPassword = hashed
		auth.Password = m.opts.ControlPassword
	} else {
		rc.CookieAuthFile = filepath.Join(dataDir, tor.CookieFileName)
		auth.CookiePath = rc.CookieAuthFile
	}

	poolOpen := m.isolation.Mode() != tor.IsolationNone
	if poolOpen {
		rc.IsolationPorts = m.isolation.Ports()
	}
	if m.opts.KillOnExit {
		rc.OwningPID = os.Getpid()
	}

	path := filepath.Join(dataDir, tor.TorrcFileName)
	if err := rc.WriteFile(path); err != nil {
		return nil, &tor.Error{Kind: tor.KindLaunchFailed, Op: "start", Msg: "write " + path, Err: err}
	}

	sup := tor.NewSupervisor(binary, []string{"-f", path},
		tor.WithStartupTimeout(m.opts.StartupTimeout),
		tor.WithStopGracePeriod(m.opts.StopGracePeriod),
		tor.WithSupervisorLogger(m.logger),
	)

	m.mu.Lock()
	if st := m.state; st != StateStarting {
		m.mu.Unlock()
		if temp {
			_ = os.RemoveAll(dataDir) //nolint:errcheck // best effort
		}
		return nil, stateError(tor.KindInvalidState, "start", st, "start was interrupted")
	}
	m.supervisor = sup
	m.dataDir = dataDir
	m.tempDir = temp
	m.poolOpen = poolOpen
	m.mu.Unlock()
	m.control.SetAuth(auth)

	m.logger.Debug("torrc written", "path", path, "data_directory", dataDir)
	return sup, nil
}

// attach connects to a daemon started elsewhere and waits for it to finish
// bootstrapping. Stored policy, bridges and isolation ports are pushed with
// SETCONF since no torrc is written.
func (m *Manager) attach(ctx context.Context) Result {
	if !m.transition(StateStarting) {
		r, _ := m.startable()
		return r
	}
	m.markStarted()
	m.control.SetAuth(m.configuredAuth())
	began := time.Now()

	if err := m.control.EnsureAuthenticated(ctx); err != nil {
		return m.fault("attach", err)
	}
	st, err := m.circuits.BootstrapPhase(ctx)
	if err != nil {
		return m.fault("attach", err)
	}
	m.transition(StateBootstrapping)
	m.emitBootstrap(st)

	if !st.Done() {
		ticker := time.NewTicker(bootstrapPollInterval)
		defer ticker.Stop()
		deadline := time.NewTimer(m.opts.StartupTimeout)
		defer deadline.Stop()

		for !st.Done() {
			select {
			case <-ctx.Done():
				return m.fault("attach", &tor.Error{Kind: tor.KindLaunchFailed, Op: "attach", Msg: "attach cancelled", Err: ctx.Err()})
			case <-deadline.C:
				return m.fault("attach", &tor.Error{Kind: tor.KindStartupTimeout, Op: "attach",
					Msg: "bootstrap did not complete within " + m.opts.StartupTimeout.String()})
			case <-ticker.C:
				next, err := m.circuits.BootstrapPhase(ctx)
				if err != nil {
					return m.fault("attach", err)
				}
				if next != st {
					m.emitBootstrap(next)
				}
				st = next
			}
		}
	}
	m.mu.Lock()
	m.stats.BootstrapDuration = time.Since(began)
	m.mu.Unlock()

	if err := m.pushStoredConfig(ctx); err != nil {
		return m.fault("attach", err)
	}
	return m.connected(ctx, nil)
}

func (m *Manager) pushStoredConfig(ctx context.Context) error {
	if policy := m.policy.Policy(); !policy.Empty() {
		if err := m.control.SetConf(ctx, policy.ConfPairs()...); err != nil {
			return err
		}
	}
	if m.bridges.Count() > 0 {
		if err := m.control.SetConf(ctx, m.bridges.ConfPairs()...); err != nil {
			return err
		}
	}
	if m.isolation.Mode() != tor.IsolationNone {
		return m.openIsolationPool(ctx)
	}
	return nil
}

// connected finishes a successful start. sup is nil for an attached daemon.
func (m *Manager) connected(ctx context.Context, sup *tor.Supervisor) Result {
	if !m.transition(StateConnected) {
		if sup != nil {
			// A Stop that raced the launch may have missed the process.
			_ = sup.Stop(ctx) //nolint:errcheck // the start already failed
		}
		return fail(stateError(tor.KindInvalidState, "start", m.State(), "start was interrupted"))
	}
	m.policy.SetLive(true)

	latency := m.probeLatency(ctx)
	m.events.Emit(Event{Name: EventConnected, Latency: latency})

	if sup != nil {
		go m.watchExit(sup, sup.Exited())
	}
	return ok("connected")
}

func (m *Manager) probeLatency(ctx context.Context) time.Duration {
	status, latency := m.proxy.ProbeSOCKS(ctx)
	if status != tor.ProxyStatusOK {
		m.logger.Warn("SOCKS port probe failed", "addr", m.proxy.Address(), "status", status.String())
		return 0
	}
	return latency
}

// watchExit moves to Error when a launched daemon exits on its own.
func (m *Manager) watchExit(sup *tor.Supervisor, exited <-chan struct{}) {
	<-exited

	m.mu.Lock()
	current := m.supervisor == sup
	st := m.state
	m.mu.Unlock()
	if !current || st != StateConnected {
		return
	}

	m.logger.Error("tor exited unexpectedly", "output", strings.Join(sup.Tail(), " | "))
	m.policy.SetLive(false)
	m.transition(StateError)
	m.events.Emit(Event{Name: EventDisconnected, Reason: "daemon exited unexpectedly"})
	_ = m.control.Close() //nolint:errcheck // the daemon is gone
}

func (m *Manager) onControlDisconnect(err error) {
	reason := "control connection closed"
	if err != nil {
		reason = err.Error()
	}
	m.events.Emit(Event{Name: EventDisconnected, Reason: reason})
}

// Stop closes the control connection and stops a launched daemon: interrupt,
// grace period, then kill. Stop from Stopped succeeds with "already stopped".
func (m *Manager) Stop(ctx context.Context) Result {
	switch st := m.State(); st {
	case StateStopped:
		return ok("already stopped")
	case StateStopping:
		return fail(stateError(tor.KindInvalidState, "stop", st, "stop already in progress"))
	}
	if !m.transition(StateStopping) {
		return fail(stateError(tor.KindInvalidState, "stop", m.State(), ""))
	}

	m.policy.SetLive(false)
	_ = m.control.Close() //nolint:errcheck // Close never fails

	m.mu.Lock()
	sup, dataDir, temp := m.supervisor, m.dataDir, m.tempDir
	m.supervisor = nil
	m.dataDir, m.tempDir, m.poolOpen = "", false, false
	m.bootstrap = tor.BootstrapStatus{}
	m.mu.Unlock()

	var stopErr error
	if sup != nil {
		stopErr = sup.Stop(ctx)
	}
	if temp {
		if err := os.RemoveAll(dataDir); err != nil {
			m.logger.Warn("failed to remove data directory", "path", dataDir, "error", err)
		}
	}
	m.isolation.Reset()
	m.control.SetAuth(m.configuredAuth())
	m.transition(StateStopped)

	if stopErr != nil {
		return fail(stopErr)
	}
	return ok("stopped")
}

// Cleanup stops the manager and resets every piece of instance state:
// exit policy, bridges, isolation mode and bindings, counters.
func (m *Manager) Cleanup(ctx context.Context) Result {
	r := m.Stop(ctx)
	m.policy.Reset()
	m.bridges.ClearBridges()
	if _, err := m.isolation.SetMode(string(tor.IsolationNone)); err != nil {
		m.logger.Debug("isolation reset failed", "error", err)
	}
	m.isolation.Reset()
	m.circuits.Reset()
	m.mu.Lock()
	m.stats = Stats{}
	m.mu.Unlock()
	if r.Success {
		r.Message = "cleaned up"
	}
	return r
}

// ConnectControlPort connects and authenticates. It succeeds at once when
// the session is already authenticated.
func (m *Manager) ConnectControlPort(ctx context.Context) ConnectResult {
	if m.control.Authenticated() {
		return ConnectResult{Result: ok("already connected"), Authenticated: true}
	}
	if err := m.control.EnsureAuthenticated(ctx); err != nil {
		m.countError(err)
		return ConnectResult{Result: fail(err)}
	}
	return ConnectResult{Result: ok("authenticated"), Authenticated: true}
}

// DisconnectControlPort closes the control connection. The daemon keeps running.
func (m *Manager) DisconnectControlPort() Result {
	if !m.control.Connected() {
		return ok("not connected")
	}
	_ = m.control.Close() //nolint:errcheck // Close never fails
	return ok("disconnected")
}

// NewIdentity requests new circuits and emits newIdentity.
func (m *Manager) NewIdentity(ctx context.Context) IdentityResult {
	id, err := m.circuits.NewIdentity(ctx)
	if err != nil {
		m.countError(err)
		m.logger.Warn("new identity failed", "error", err)
		return IdentityResult{Result: fail(err)}
	}

	m.mu.Lock()
	m.stats.CircuitChanges = id.ChangeCount
	m.stats.LastCircuitChange = id.ChangedAt
	m.mu.Unlock()

	m.events.Emit(Event{
		Name:               EventNewIdentity,
		CircuitChangeCount: id.ChangeCount,
		NewExitIP:          id.ExitIP,
		NewExitCountry:     id.ExitCountry,
	})
	return IdentityResult{Result: ok("new identity requested"), Identity: id}
}

func (m *Manager) rotate(ctx context.Context) error {
	if r := m.NewIdentity(ctx); !r.Success {
		return r.Err
	}
	return nil
}

// CircuitInfo lists the daemon's circuits.
func (m *Manager) CircuitInfo(ctx context.Context) CircuitsResult {
	circuits, err := m.circuits.Circuits(ctx)
	if err != nil {
		m.countError(err)
		return CircuitsResult{Result: fail(err)}
	}
	return CircuitsResult{Result: ok(fmt.Sprintf("%d circuits", len(circuits))), Circuits: circuits}
}

// Version returns the daemon version.
func (m *Manager) Version(ctx context.Context) InfoResult {
	v, err := m.circuits.Version(ctx)
	if err != nil {
		m.countError(err)
		return InfoResult{Result: fail(err)}
	}
	return InfoResult{Result: ok(v), Value: v}
}

// Established reports whether the daemon has built a circuit.
func (m *Manager) Established(ctx context.Context) EstablishedResult {
	established, err := m.circuits.Established(ctx)
	if err != nil {
		m.countError(err)
		return EstablishedResult{Result: fail(err)}
	}
	return EstablishedResult{Result: ok(strconv.FormatBool(established)), Established: established}
}

// SetExitCountries restricts exit relays. Any unknown code rejects the call.
// While connected the change is pushed and followed by a new identity;
// otherwise it is written to the torrc on the next Start.
func (m *Manager) SetExitCountries(ctx context.Context, codes ...string) Result {
	if err := m.policy.SetExitCountries(ctx, codes...); err != nil {
		m.countError(err)
		return fail(err)
	}
	return ok("exit countries: " + strings.Join(m.policy.Policy().Exit, ","))
}

// SetEntryCountries restricts guard relays. Any unknown code rejects the call.
func (m *Manager) SetEntryCountries(ctx context.Context, codes ...string) Result {
	if err := m.policy.SetEntryCountries(ctx, codes...); err != nil {
		m.countError(err)
		return fail(err)
	}
	return ok("entry countries: " + strings.Join(m.policy.Policy().Entry, ","))
}

// ExcludeExitCountries excludes exit relays by country. Unknown codes are
// dropped, not rejected, and reported in Dropped.
func (m *Manager) ExcludeExitCountries(ctx context.Context, codes ...string) ExcludeResult {
	dropped, err := m.policy.ExcludeExitCountries(ctx, codes...)
	if err != nil {
		m.countError(err)
		return ExcludeResult{Result: fail(err), Dropped: dropped}
	}
	return ExcludeResult{
		Result:  ok("excluded exit countries: " + strings.Join(m.policy.Policy().Exclude, ",")),
		Dropped: dropped,
	}
}

// ClearExitRestrictions removes every country restriction.
func (m *Manager) ClearExitRestrictions(ctx context.Context) Result {
	if err := m.policy.ClearExitRestrictions(ctx); err != nil {
		m.countError(err)
		return fail(err)
	}
	return ok("exit restrictions cleared")
}

// ExitPolicy returns the stored country restrictions.
func (m *Manager) ExitPolicy() tor.ExitPolicy {
	return m.policy.Policy()
}

// AddBridge stores a bridge line verbatim. Use ApplyBridges to push the list
// to a running daemon; a launched daemon picks it up on the next Start.
func (m *Manager) AddBridge(line string) BridgeResult {
	n, err := m.bridges.AddBridge(line)
	if err != nil {
		return BridgeResult{Result: fail(err), Count: m.bridges.Count()}
	}
	return BridgeResult{Result: ok(fmt.Sprintf("%d bridges configured", n)), Count: n}
}

// Bridges returns the configured bridges in insertion order.
func (m *Manager) Bridges() []tor.Bridge {
	return m.bridges.Bridges()
}

// ClearBridges removes every bridge.
func (m *Manager) ClearBridges() Result {
	m.bridges.ClearBridges()
	return ok("bridges cleared")
}

// SetTransport selects the pluggable transport.
func (m *Manager) SetTransport(name string) Result {
	t, err := tor.ParseTransport(name)
	if err != nil {
		return fail(err)
	}
	if err := m.bridges.SetTransport(t); err != nil {
		return fail(err)
	}
	return ok("transport: " + string(t))
}

// FetchBuiltinBridges returns the built-in bridges of a transport. No
// distribution service is queried, so Success is false and BuiltinBridges
// carries the defaults to use.
func (m *Manager) FetchBuiltinBridges(transport string) BuiltinBridgesResult {
	t, err := tor.ParseTransport(transport)
	if err != nil {
		return BuiltinBridgesResult{Result: fail(err)}
	}
	builtin, err := m.bridges.FetchBuiltinBridges(t)
	if err != nil {
		return BuiltinBridgesResult{Result: fail(err)}
	}
	return BuiltinBridgesResult{
		Result:         Result{Success: builtin.Success, Message: builtin.Message},
		Transport:      builtin.Transport,
		BuiltinBridges: builtin.Bridges,
	}
}

// UseBuiltinBridges selects transport and adds its built-in bridges.
func (m *Manager) UseBuiltinBridges(transport string) BridgeResult {
	t, err := tor.ParseTransport(transport)
	if err != nil {
		return BridgeResult{Result: fail(err), Count: m.bridges.Count()}
	}
	n, err := m.bridges.UseBuiltin(t)
	if err != nil {
		return BridgeResult{Result: fail(err), Count: m.bridges.Count()}
	}
	return BridgeResult{Result: ok(fmt.Sprintf("%d bridges configured", n)), Count: n}
}

// ApplyBridges pushes the bridge configuration to a connected daemon.
func (m *Manager) ApplyBridges(ctx context.Context) Result {
	if !m.live() {
		return ok("bridges stored for next start")
	}
	if err := m.control.EnsureAuthenticated(ctx); err != nil {
		m.countError(err)
		return fail(err)
	}
	if err := m.control.SetConf(ctx, m.bridges.ConfPairs()...); err != nil {
		m.countError(err)
		return fail(err)
	}
	return ok("bridges applied")
}

// SetIsolationMode selects none, per_tab, per_domain or per_session. A change
// of mode drops all bindings. While connected, the isolation ports are
// opened on the daemon when they are not yet.
func (m *Manager) SetIsolationMode(ctx context.Context, mode string) ModeResult {
	parsed, err := m.isolation.SetMode(mode)
	if err != nil {
		return ModeResult{Result: fail(err), Mode: m.isolation.Mode()}
	}
	if parsed != tor.IsolationNone && m.live() {
		if err := m.openIsolationPool(ctx); err != nil {
			m.countError(err)
			return ModeResult{Result: fail(err), Mode: parsed}
		}
	}
	return ModeResult{Result: ok("isolation mode: " + string(parsed)), Mode: parsed}
}

// openIsolationPool adds the pool to the daemon's SocksPort list.
func (m *Manager) openIsolationPool(ctx context.Context) error {
	m.mu.Lock()
	open := m.poolOpen
	m.mu.Unlock()
	if open {
		return nil
	}

	pairs := []tor.ConfPair{{Key: "SocksPort", Value: m.proxy.Address()}}
	for _, p := range m.isolation.Ports() {
		pairs = append(pairs, tor.ConfPair{Key: "SocksPort", Value: net.JoinHostPort(m.opts.SocksHost, strconv.Itoa(p))})
	}
	if err := m.control.EnsureAuthenticated(ctx); err != nil {
		return err
	}
	if err := m.control.SetConf(ctx, pairs...); err != nil {
		return err
	}

	m.mu.Lock()
	m.poolOpen = true
	m.mu.Unlock()
	return nil
}

// Port returns the SOCKS port for an isolation key.
func (m *Manager) Port(key string) PortResult {
	a, err := m.isolation.Port(key)
	if err != nil {
		return PortResult{Result: fail(err)}
	}
	return PortResult{Result: ok(strconv.Itoa(a.Port)), Port: a.Port, Isolated: a.Isolated}
}

// Proxy returns the base SOCKS descriptor.
func (m *Manager) Proxy() tor.Proxy {
	return m.proxy
}

// ProxyFor returns a descriptor bound to the isolation port of key.
func (m *Manager) ProxyFor(key string) ProxyResult {
	r := m.Port(key)
	if !r.Success {
		return ProxyResult{Result: r.Result}
	}
	p := tor.NewProxy(m.opts.SocksHost, r.Port)
	return ProxyResult{Result: ok(p.Rules()), Proxy: p, Rules: p.Rules()}
}

// IsolationSlots returns the live key bindings.
func (m *Manager) IsolationSlots() []tor.IsolationSlot {
	return m.isolation.Slots()
}

// ReleaseIsolation drops the binding of key, for example when a tab closes.
// The next request for key is bound to a fresh port.
func (m *Manager) ReleaseIsolation(key string) Result {
	m.isolation.Release(key)
	return ok("released " + key)
}

// DialContext opens a stream to addr through the SOCKS port isolating key.
func (m *Manager) DialContext(ctx context.Context, key, network, addr string) (net.Conn, error) {
	r := m.ProxyFor(key)
	if !r.Success {
		return nil, r.Err
	}
	d, err := r.Proxy.Dialer()
	if err != nil {
		return nil, err
	}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s through %s: %w", addr, r.Rules, err)
	}
	return conn, nil
}

// IsOnionURL classifies raw. Malformed URLs fail instead of classifying as
// not onion.
func (m *Manager) IsOnionURL(raw string) OnionResult {
	info, err := tor.IsOnionURL(raw)
	if err != nil {
		return OnionResult{Result: fail(err)}
	}
	msg := "not an onion address"
	if info.IsOnion {
		msg = fmt.Sprintf("onion v%d", info.Version)
	}
	return OnionResult{Result: ok(msg), Info: info}
}

// HandleOnionLocation decides on an Onion-Location candidate and emits
// onionLocation whether or not the redirect is recommended.
func (m *Manager) HandleOnionLocation(raw string) OnionLocationResult {
	loc := tor.HandleOnionLocation(raw)
	m.events.Emit(Event{Name: EventOnionLocation, URL: loc.URL, ShouldRedirect: loc.ShouldRedirect})

	if !loc.ShouldRedirect {
		return OnionLocationResult{
			Result:   Result{Success: false, Message: loc.Reason},
			Location: loc,
		}
	}
	return OnionLocationResult{Result: ok("redirect to " + loc.URL), Location: loc}
}

// NormalizeOnion reduces raw to its canonical "<label>.onion" form and
// requires a valid v3 checksum. v2 addresses are refused as retired.
func (m *Manager) NormalizeOnion(raw string) OnionResult {
	address, err := tor.NormalizeAddress(raw)
	if err != nil {
		return OnionResult{Result: fail(err)}
	}
	info, err := tor.IsOnionURL(address)
	if err != nil {
		return OnionResult{Result: fail(err)}
	}
	return OnionResult{Result: ok(address), Info: info}
}

// OnionAddressFromKeyFile derives the v3 address published by a hidden
// service key file.
func (m *Manager) OnionAddressFromKeyFile(path string) OnionResult {
	address, err := tor.ReadOnionPublicKey(path)
	if err != nil {
		return OnionResult{Result: fail(err)}
	}
	return m.NormalizeOnion(address)
}

// Status collects a snapshot. Daemon fields are filled when the control port
// is connected or the manager is connected; a failing query is reported in
// ControlError without failing the call.
func (m *Manager) Status(ctx context.Context) StatusResult {
	m.mu.Lock()
	st := m.state
	stats := m.stats
	boot := m.bootstrap
	m.mu.Unlock()

	s := Status{
		GeneratedAt:    time.Now(),
		State:          st,
		PID:            m.PID(),
		Proxy:          m.proxy,
		ProxyRules:     m.proxy.Rules(),
		ControlAddress: m.control.Addr(),
		Bootstrap:      boot.Progress,
		BootstrapPhase: boot.Phase(),
		ExitPolicy:     m.policy.Policy(),
		Transport:      m.bridges.Transport(),
		Bridges:        m.bridges.Bridges(),
		IsolationMode:  m.isolation.Mode(),
		IsolationSlots: m.isolation.Slots(),
		Stats:          stats,
	}

	if st == StateConnected || m.control.Connected() {
		if err := m.collectLive(ctx, &s); err != nil {
			s.ControlError = err.Error()
		}
	}
	s.Authenticated = m.control.Authenticated()
	return StatusResult{Result: ok(st.String()), Status: s}
}

func (m *Manager) collectLive(ctx context.Context, s *Status) error {
	version, err := m.circuits.Version(ctx)
	if err != nil {
		return err
	}
	s.Version = version

	if s.CircuitEstablished, err = m.circuits.Established(ctx); err != nil {
		return err
	}
	boot, err := m.circuits.BootstrapPhase(ctx)
	if err != nil {
		return err
	}
	s.Bootstrap, s.BootstrapPhase = boot.Progress, boot.Phase()

	if s.Circuits, err = m.circuits.Circuits(ctx); err != nil {
		return err
	}
	return nil
}
