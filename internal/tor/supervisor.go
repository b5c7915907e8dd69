package tor

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Supervisor defaults.
const (
	// DefaultStartupTimeout bounds the wait for "Bootstrapped 100%".
	DefaultStartupTimeout = 2 * time.Minute
	// DefaultStopGracePeriod is how long Stop waits after the interrupt before killing.
	DefaultStopGracePeriod = 5 * time.Second
	// tailSize is the number of output lines kept for error reports.
	tailSize = 20
)

// SupervisorHooks receive startup notifications on the goroutine that called Start.
type SupervisorHooks struct {
	// OnOutput is called once, when the first output line is observed.
	OnOutput func()
	// OnBootstrap is called for every bootstrap marker up to and including 100%.
	OnBootstrap func(BootstrapStatus)
}

func (h SupervisorHooks) output() {
	if h.OnOutput != nil {
		h.OnOutput()
	}
}

func (h SupervisorHooks) bootstrap(s BootstrapStatus) {
	if h.OnBootstrap != nil {
		h.OnBootstrap(s)
	}
}

// Supervisor owns one daemon child process.
type Supervisor struct {
	binary         string
	args           []string
	startupTimeout time.Duration
	gracePeriod    time.Duration
	logger         *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	exited  chan struct{}
	exitErr error
	tail    *lineRing
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithStartupTimeout sets the maximum time to wait for bootstrap.
func WithStartupTimeout(timeout time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if timeout > 0 {
			s.startupTimeout = timeout
		}
	}
}

// WithStopGracePeriod sets how long Stop waits before force-killing.
func WithStopGracePeriod(grace time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if grace > 0 {
			s.gracePeriod = grace
		}
	}
}

// WithSupervisorLogger sets the logger daemon output is forwarded to.
func WithSupervisorLogger(logger *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSupervisor prepares a supervisor for binary with args. Nothing is spawned
// until Start.
func NewSupervisor(binary string, args []string, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		binary:         binary,
		args:           args,
		startupTimeout: DefaultStartupTimeout,
		gracePeriod:    DefaultStopGracePeriod,
		logger:         slog.Default(),
		tail:           newLineRing(tailSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start spawns the daemon and blocks until it reports 100% bootstrap, exits,
// the startup timeout fires, or ctx is done. On any failure the process is
// killed before Start returns.
func (s *Supervisor) Start(ctx context.Context, hooks SupervisorHooks) error {
	if s.binary == "" {
		return newError(KindBinaryNotFound, "start", "no tor binary configured", nil)
	}

	s.mu.Lock()
	if s.cmd != nil {
		s.mu.Unlock()
		return newError(KindAlreadyRunning, "start", "daemon process already running", nil)
	}

	cmd := exec.Command(s.binary, s.args...) //nolint:gosec // binary comes from the locator
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.mu.Unlock()
		return newError(KindLaunchFailed, "start", "stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.mu.Unlock()
		return newError(KindLaunchFailed, "start", "stderr pipe", err)
	}
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return newError(KindLaunchFailed, "start", s.binary, err)
	}

	exited := make(chan struct{})
	s.cmd = cmd
	s.exited = exited
	s.exitErr = nil
	tail := newLineRing(tailSize)
	s.tail = tail
	s.mu.Unlock()

	s.logger.Info("tor process started", "pid", cmd.Process.Pid, "binary", s.binary)

	firstOutput := make(chan struct{})
	var once sync.Once
	progress := make(chan BootstrapStatus, 128)
	// Readers block on a full progress channel until Start returns; markers
	// seen after that have no listener and are dropped.
	startDone := make(chan struct{})
	defer close(startDone)

	onLine := func(line string) {
		tail.add(line)
		once.Do(func() { close(firstOutput) })
		if st, ok := ParseBootstrapLine(line); ok {
			select {
			case progress <- st:
			case <-startDone:
			}
		}
	}

	// Both pipes must be drained for the life of the process or tor blocks on write.
	var g errgroup.Group
	g.Go(func() error { return s.drain(stdout, "stdout", onLine) })
	g.Go(func() error { return s.drain(stderr, "stderr", onLine) })
	go func() {
		if err := g.Wait(); err != nil {
			s.logger.Debug("tor output reader stopped", "error", err)
		}
		waitErr := cmd.Wait()
		s.mu.Lock()
		s.exitErr = waitErr
		s.mu.Unlock()
		close(exited)
	}()

	timer := time.NewTimer(s.startupTimeout)
	defer timer.Stop()

	first := firstOutput
	for {
		select {
		case <-first:
			first = nil
			hooks.output()
		case st := <-progress:
			if first != nil {
				first = nil
				hooks.output()
			}
			hooks.bootstrap(st)
			if st.Done() {
				s.logger.Info("tor bootstrap complete", "pid", cmd.Process.Pid)
				return nil
			}
		case <-exited:
			drainProgress(progress, hooks)
			s.reset(cmd)
			return newError(KindLaunchFailed, "start",
				"daemon exited before bootstrap completed: "+strings.Join(s.Tail(), " | "), s.exitError())
		case <-timer.C:
			s.kill(cmd, exited)
			return newError(KindStartupTimeout, "start",
				"bootstrap did not complete within "+s.startupTimeout.String(), nil)
		case <-ctx.Done():
			s.kill(cmd, exited)
			return newError(KindLaunchFailed, "start", "startup cancelled", ctx.Err())
		}
	}
}

// drainProgress replays markers that were still queued when the process exited.
func drainProgress(progress <-chan BootstrapStatus, hooks SupervisorHooks) {
	for {
		select {
		case st := <-progress:
			hooks.bootstrap(st)
		default:
			return
		}
	}
}

func (s *Supervisor) drain(r io.Reader, stream string, onLine func(string)) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		s.logger.Debug("tor output", "stream", stream, "line", line)
		onLine(line)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

// Stop interrupts the daemon and waits up to the grace period before
// force-killing it. Stop on a supervisor with no process is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd, exited := s.cmd, s.exited
	s.mu.Unlock()
	if cmd == nil {
		return nil
	}

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		// Interrupt is unsupported on Windows; go straight to Kill.
		if !errors.Is(err, os.ErrProcessDone) {
			s.logger.Debug("interrupt failed, killing tor", "error", err)
			_ = cmd.Process.Kill() //nolint:errcheck // exit is awaited below
		}
	}

	grace := time.NewTimer(s.gracePeriod)
	defer grace.Stop()

	select {
	case <-exited:
	case <-grace.C:
		s.logger.Warn("tor did not exit within grace period, killing", "pid", cmd.Process.Pid, "grace", s.gracePeriod)
		_ = cmd.Process.Kill() //nolint:errcheck // exit is awaited below
		<-exited
	case <-ctx.Done():
		_ = cmd.Process.Kill() //nolint:errcheck // exit is awaited below
		<-exited
	}

	s.reset(cmd)
	s.logger.Info("tor process stopped", "pid", cmd.Process.Pid)
	return nil
}

func (s *Supervisor) kill(cmd *exec.Cmd, exited <-chan struct{}) {
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Debug("kill failed", "error", err)
	}
	<-exited
	s.reset(cmd)
}

func (s *Supervisor) reset(cmd *exec.Cmd) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == cmd {
		s.cmd = nil
	}
}

// Running reports whether a child process is owned.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil
}

// PID returns the child's process id, or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Exited returns a channel closed when the current child exits, or nil when
// no child was ever started.
func (s *Supervisor) Exited() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited
}

func (s *Supervisor) exitError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

// Tail returns the most recent output lines.
func (s *Supervisor) Tail() []string {
	s.mu.Lock()
	ring := s.tail
	s.mu.Unlock()
	return ring.lines()
}

// lineRing keeps the last n lines of output.
type lineRing struct {
	mu   sync.Mutex
	buf  []string
	next int
	full bool
}

func newLineRing(n int) *lineRing {
	return &lineRing{buf: make([]string, n)}
}

func (r *lineRing) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = line
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *lineRing) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]string(nil), r.buf[:r.next]...)
	}
	out := make([]string, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
