package tor

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Control client defaults.
const (
	// DefaultConnectionTimeout bounds dialing and each command without its own deadline.
	DefaultConnectionTimeout = 10 * time.Second
	// queueDepth is the number of commands that may wait behind the in-flight one.
	queueDepth = 64
)

// ControlAuth selects the AUTHENTICATE credential. Password wins over a
// cookie; with neither the command is sent bare.
type ControlAuth struct {
	Password   string
	CookiePath string
	Cookie     []byte
}

// ConfPair is one SETCONF keyword. An empty Value resets the option to its default.
type ConfPair struct {
	Key   string
	Value string
}

// ControlClient speaks the daemon's control protocol over one TCP connection.
//
// Commands are queued FIFO and written one at a time: the next command goes
// out only after the previous reply has been framed and handed back. A caller
// that gives up (context done) leaves its request in place; the reply is
// still consumed when it arrives, so later callers never receive it.
type ControlClient struct {
	addr    string
	timeout time.Duration
	auth    ControlAuth
	logger  *slog.Logger
	dial    func(ctx context.Context, network, address string) (net.Conn, error)

	connectMu sync.Mutex

	mu            sync.Mutex
	sess          *session
	authenticated bool
	onDisconnect  func(error)

	nextID atomic.Uint64
}

// ControlOption configures a ControlClient.
type ControlOption func(*ControlClient)

// WithControlTimeout sets the dial timeout and the default per-command timeout.
func WithControlTimeout(timeout time.Duration) ControlOption {
	return func(c *ControlClient) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithControlAuth sets the credential used by Authenticate.
func WithControlAuth(auth ControlAuth) ControlOption {
	return func(c *ControlClient) {
		c.auth = auth
	}
}

// WithControlLogger sets the logger.
func WithControlLogger(logger *slog.Logger) ControlOption {
	return func(c *ControlClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewControlClient creates a client for addr ("host:port"). It does not dial.
func NewControlClient(addr string, opts ...ControlOption) *ControlClient {
	var d net.Dialer
	c := &ControlClient{
		addr:    addr,
		timeout: DefaultConnectionTimeout,
		logger:  slog.Default(),
		dial:    d.DialContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Addr returns the control port address.
func (c *ControlClient) Addr() string {
	return c.addr
}

// SetAuth replaces the credential. It takes effect on the next Authenticate.
func (c *ControlClient) SetAuth(auth ControlAuth) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auth = auth
}

// OnDisconnect registers fn to be called when a connection ends, whether by
// Close or by a read error. fn runs on an internal goroutine.
func (c *ControlClient) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

// Connected reports whether a live connection exists.
func (c *ControlClient) Connected() bool {
	return c.current() != nil
}

// Authenticated reports whether the live connection has authenticated.
func (c *ControlClient) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil && c.sess.alive() && c.authenticated
}

func (c *ControlClient) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || !c.sess.alive() {
		return nil
	}
	return c.sess
}

// Connect dials the control port. It returns nil immediately when a live
// connection already exists.
func (c *ControlClient) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.current() != nil {
		return nil
	}

	dctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dial(dctx, "tcp", c.addr)
	if err != nil {
		if errors.Is(dctx.Err(), context.DeadlineExceeded) {
			return newError(KindConnectionTimeout, "connect", c.addr, err)
		}
		e := transportError("connect", err)
		e.Msg = c.addr
		return e
	}

	s := newSession(conn, c.timeout, c.logger)
	c.mu.Lock()
	c.sess = s
	c.authenticated = false
	c.mu.Unlock()

	go s.readLoop()
	go s.dispatchLoop()
	go c.watch(s)

	c.logger.Debug("control port connected", "addr", c.addr)
	return nil
}

func (c *ControlClient) watch(s *session) {
	<-s.done
	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
		c.authenticated = false
	}
	fn := c.onDisconnect
	c.mu.Unlock()

	c.logger.Debug("control port disconnected", "addr", c.addr, "reason", s.closeErr())
	if fn != nil {
		fn(s.closeErr())
	}
}

// Close tears down the connection. Pending requests fail with ErrNotConnected.
func (c *ControlClient) Close() error {
	s := c.current()
	if s == nil {
		return nil
	}
	s.close(newError(KindNotConnected, "close", "connection closed by client", nil))
	return nil
}

// Send queues cmd and waits for its reply. cmd must not contain a line
// break. When ctx has no deadline the client timeout applies. A timeout fails only this call; the connection
// stays up.
func (c *ControlClient) Send(ctx context.Context, cmd string) (Reply, error) {
	if strings.ContainsAny(cmd, "\r\n") {
		return Reply{}, newError(KindValidation, "send", "command must be a single line", nil)
	}
	s := c.current()
	if s == nil {
		return Reply{}, newError(KindNotConnected, "send", "control port is not connected", nil)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req := &request{
		id:   c.nextID.Add(1),
		cmd:  cmd,
		ctx:  ctx,
		done: make(chan result, 1),
	}

	select {
	case s.queue <- req:
	case <-s.done:
		return Reply{}, s.failure("send")
	case <-ctx.Done():
		return Reply{}, newError(KindConnectionTimeout, "send", commandVerb(cmd), ctx.Err())
	}

	select {
	case res := <-req.done:
		return res.reply, res.err
	case <-s.done:
		// The dispatcher may have delivered just before closing.
		select {
		case res := <-req.done:
			return res.reply, res.err
		default:
		}
		return Reply{}, s.failure("send")
	case <-ctx.Done():
		c.logger.Debug("abandoning control request", "id", req.id, "command", commandVerb(cmd))
		return Reply{}, newError(KindConnectionTimeout, "send", commandVerb(cmd), ctx.Err())
	}
}

// Authenticate sends AUTHENTICATE with the configured credential.
func (c *ControlClient) Authenticate(ctx context.Context) error {
	cmd, err := c.authCommand()
	if err != nil {
		return err
	}
	reply, err := c.Send(ctx, cmd)
	if err != nil {
		return err
	}
	if !reply.OK() {
		c.setAuthenticated(false)
		return newError(KindAuthenticationFailed, "authenticate", reply.Text(), nil)
	}
	c.setAuthenticated(true)
	c.logger.Debug("control port authenticated", "addr", c.addr)
	return nil
}

func (c *ControlClient) setAuthenticated(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = v
}

// authCommand builds the AUTHENTICATE line for the configured credential.
func (c *ControlClient) authCommand() (string, error) {
	c.mu.Lock()
	auth := c.auth
	c.mu.Unlock()

	switch {
	case auth.Password != "":
		return "AUTHENTICATE " + quotedString(auth.Password), nil
	case len(auth.Cookie) > 0:
		return "AUTHENTICATE " + strings.ToUpper(hex.EncodeToString(auth.Cookie)), nil
	case auth.CookiePath != "":
		data, err := os.ReadFile(auth.CookiePath)
		if err != nil {
			return "", newError(KindAuthenticationFailed, "authenticate", "read cookie "+auth.CookiePath, err)
		}
		return "AUTHENTICATE " + strings.ToUpper(hex.EncodeToString(data)), nil
	default:
		return "AUTHENTICATE", nil
	}
}

// EnsureAuthenticated connects and authenticates when needed.
func (c *ControlClient) EnsureAuthenticated(ctx context.Context) error {
	if c.Authenticated() {
		return nil
	}
	if err := c.Connect(ctx); err != nil {
		e := &Error{Kind: KindConnectionRefused, Op: "connect", Msg: "cannot connect to control port " + c.addr, Err: err}
		var inner *Error
		if errors.As(err, &inner) {
			e.Kind = inner.Kind
			e.Code = inner.Code
			e.Err = inner.Err
		}
		return e
	}
	return c.Authenticate(ctx)
}

// Signal sends "SIGNAL name".
func (c *ControlClient) Signal(ctx context.Context, name string) error {
	reply, err := c.Send(ctx, "SIGNAL "+name)
	if err != nil {
		return err
	}
	if !reply.OK() {
		return newError(KindProtocol, "signal "+name, reply.Text(), nil)
	}
	return nil
}

// GetInfo runs GETINFO for keys and returns the values by key. Values sent
// as data blocks are joined with newlines.
func (c *ControlClient) GetInfo(ctx context.Context, keys ...string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}
	reply, err := c.Send(ctx, "GETINFO "+strings.Join(keys, " "))
	if err != nil {
		return nil, err
	}
	if !reply.OK() {
		return nil, newError(KindProtocol, "getinfo", reply.Text(), nil)
	}
	return parseInfoReply(reply), nil
}

func parseInfoReply(reply Reply) map[string]string {
	values := make(map[string]string)
	for _, l := range reply.Lines {
		key, value, ok := strings.Cut(l.Text, "=")
		if !ok {
			continue
		}
		if l.Sep == '+' {
			data := l.Data
			if value != "" {
				data = append([]string{value}, data...)
			}
			values[key] = strings.Join(data, "\n")
			continue
		}
		values[key] = value
	}
	return values
}

// SetConf applies pairs with a single SETCONF.
func (c *ControlClient) SetConf(ctx context.Context, pairs ...ConfPair) error {
	if len(pairs) == 0 {
		return nil
	}
	reply, err := c.Send(ctx, setConfCommand(pairs))
	if err != nil {
		return err
	}
	if !reply.OK() {
		return newError(KindProtocol, "setconf", reply.Text(), nil)
	}
	return nil
}

func setConfCommand(pairs []ConfPair) string {
	var b strings.Builder
	b.WriteString("SETCONF")
	for _, p := range pairs {
		b.WriteByte(' ')
		b.WriteString(p.Key)
		if p.Value == "" {
			continue
		}
		b.WriteByte('=')
		if strings.ContainsAny(p.Value, " \"\\\r\n") {
			b.WriteString(quotedString(p.Value))
		} else {
			b.WriteString(p.Value)
		}
	}
	return b.String()
}

// quotedString wraps s in double quotes, escaping backslashes, quotes and
// line breaks so the result always stays on one command line.
func quotedString(s string) string {
	return `"` + quoteReplacer.Replace(s) + `"`
}

var quoteReplacer = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\r", `\r`, "\n", `\n`)

// commandVerb returns the command without arguments so credentials never reach logs.
func commandVerb(cmd string) string {
	verb, _, _ := strings.Cut(cmd, " ")
	return verb
}

type request struct {
	id   uint64
	cmd  string
	ctx  context.Context //nolint:containedctx // carried to the dispatcher to skip expired requests
	done chan result
}

type result struct {
	reply Reply
	err   error
}

// session is one TCP connection with its reader and dispatcher goroutines.
type session struct {
	conn    net.Conn
	timeout time.Duration
	logger  *slog.Logger
	queue   chan *request
	replies chan Reply
	done    chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

func newSession(conn net.Conn, timeout time.Duration, logger *slog.Logger) *session {
	return &session{
		conn:    conn,
		timeout: timeout,
		logger:  logger,
		queue:   make(chan *request, queueDepth),
		replies: make(chan Reply, 1),
		done:    make(chan struct{}),
	}
}

func (s *session) alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *session) close(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		_ = s.conn.Close() //nolint:errcheck // the session is gone either way
		close(s.done)
	})
}

func (s *session) closeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *session) failure(op string) error {
	err := s.closeErr()
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if err == nil || errors.Is(err, io.EOF) {
		return newError(KindNotConnected, op, "control connection closed", err)
	}
	return transportError(op, err)
}

// readLoop frames replies and hands them to the dispatcher. Asynchronous
// events are logged and dropped.
func (s *session) readLoop() {
	r := bufio.NewReader(s.conn)
	var f replyFramer
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			s.close(err)
			return
		}
		reply, complete, err := f.feed(line)
		if err != nil {
			s.logger.Warn("control protocol error", "error", err)
			s.close(err)
			return
		}
		if !complete {
			continue
		}
		if reply.Async() {
			s.logger.Debug("control event", "status", reply.Status, "text", reply.Text())
			continue
		}
		select {
		case s.replies <- reply:
		case <-s.done:
			return
		}
	}
}

// dispatchLoop writes queued commands one at a time.
func (s *session) dispatchLoop() {
	for {
		select {
		case <-s.done:
			return
		case req := <-s.queue:
			if err := req.ctx.Err(); err != nil {
				req.done <- result{err: newError(KindConnectionTimeout, "send", commandVerb(req.cmd), err)}
				continue
			}
			s.discardStale()

			if err := s.write(req.cmd); err != nil {
				s.close(err)
				req.done <- result{err: s.failure("send")}
				return
			}

			select {
			case reply := <-s.replies:
				req.done <- result{reply: reply}
			case <-s.done:
				req.done <- result{err: s.failure("send")}
				return
			}
		}
	}
}

func (s *session) discardStale() {
	for {
		select {
		case reply := <-s.replies:
			s.logger.Warn("discarding unsolicited control reply", "status", reply.Status)
		default:
			return
		}
	}
}

func (s *session) write(cmd string) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
		return err
	}
	if _, err := io.WriteString(s.conn, cmd+"\r\n"); err != nil {
		return fmt.Errorf("write %s: %w", commandVerb(cmd), err)
	}
	return nil
}
