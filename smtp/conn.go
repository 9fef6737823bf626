package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/relaypost-dev/relaypost/smtperr"
)

// State is the connection lifecycle position.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateConnected
	StateReady
	StateSending
	StateClosing
	StateError
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	case StateSending:
		return "sending"
	case StateClosing:
		return "closing"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Capabilities is the server feature table populated from the EHLO reply.
// It is reset on every EHLO, including the one after STARTTLS.
type Capabilities struct {
	Auth                []string
	Size                int64
	STARTTLS            bool
	EightBitMIME        bool
	Pipelining          bool
	EnhancedStatusCodes bool
	SMTPUTF8            bool
}

// HasAuth reports whether mechanism is advertised, case-insensitively.
func (c Capabilities) HasAuth(mechanism string) bool {
	for _, m := range c.Auth {
		if strings.EqualFold(m, mechanism) {
			return true
		}
	}
	return false
}

// Events is the explicit notification channel registered at construction.
// All callbacks are optional. Command receives every dispatched command line
// with credentials redacted.
type Events struct {
	Error   func(err error)
	Close   func()
	Command func(line string)
}

// Metrics is an optional interface for recording connection and send
// metrics. Pass nil to disable metrics.
type Metrics interface {
	IncConnection(host, result string)
	IncSend(status string)
	ObserveSendDuration(seconds float64)
}

// Options configures a submission connection.
type Options struct {
	Host   string
	Port   int
	Secure bool

	// Name is announced in EHLO/HELO. Defaults to localhost.
	Name string

	// Auth, when set, is performed during Connect once the session is
	// established (and upgraded to TLS where possible).
	Auth *Credentials

	// TLS overrides the TLS configuration used for implicit TLS and for
	// STARTTLS. When nil a config with ServerName = Host is used.
	TLS *tls.Config

	// InsecureSkipVerify disables certificate verification when TLS is nil.
	InsecureSkipVerify bool

	// DisableSTARTTLS keeps the connection plaintext even when the server
	// advertises STARTTLS.
	DisableSTARTTLS bool

	ConnectionTimeout time.Duration
	GreetingTimeout   time.Duration
	SocketTimeout     time.Duration

	Logger  *slog.Logger
	Metrics Metrics
	Events  Events
}

const (
	defaultConnectionTimeout = 10 * time.Second
	defaultGreetingTimeout   = 5 * time.Second
	defaultSocketTimeout     = 60 * time.Second
)

func (o Options) withDefaults() Options {
	if o.Port == 0 {
		if o.Secure {
			o.Port = 465
		} else {
			o.Port = 587
		}
	}
	if o.Name == "" {
		o.Name = "localhost"
	}
	if o.ConnectionTimeout == 0 {
		o.ConnectionTimeout = defaultConnectionTimeout
	}
	if o.GreetingTimeout == 0 {
		o.GreetingTimeout = defaultGreetingTimeout
	}
	if o.SocketTimeout == 0 {
		o.SocketTimeout = defaultSocketTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}

// Conn is a single SMTP submission connection. It owns its socket
// exclusively; command dispatch is serialized so exactly one command is
// outstanding at any moment and replies resolve in FIFO order.
type Conn struct {
	opts   Options
	logger *slog.Logger

	// cmdMu serializes command dispatch, so a command is written only after
	// the previous reply resolved. sync.Mutex does not order its waiters:
	// commands issued concurrently from several goroutines go out one at a
	// time, in no defined order.
	cmdMu sync.Mutex

	mu     sync.Mutex
	state  State
	sock   net.Conn
	reader *bufio.Reader
	parser responseParser
	secure bool
	caps   Capabilities
	idle   *time.Timer

	closeOnce sync.Once
}

// NewConn creates an unconnected Conn with defaults applied.
func NewConn(opts Options) *Conn {
	opts = opts.withDefaults()
	return &Conn{
		opts:   opts,
		logger: opts.Logger,
		state:  StateClosed,
	}
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Capabilities returns the feature table from the most recent EHLO.
func (c *Conn) Capabilities() Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

// Secure reports whether the transport is TLS, either implicit or upgraded.
func (c *Conn) Secure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.secure
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect dials the server and drives the session to READY: greeting, EHLO,
// optional STARTTLS upgrade with a second EHLO, then authentication when
// credentials were supplied.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
	case StateReady:
		c.mu.Unlock()
		return nil
	default:
		st := c.state
		c.mu.Unlock()
		return smtperr.New(smtperr.KindConnectionFailed,
			fmt.Sprintf("cannot connect while %s", st))
	}
	c.state = StateConnecting
	c.mu.Unlock()

	addr := net.JoinHostPort(c.opts.Host, strconv.Itoa(c.opts.Port))
	c.logger.Debug("connecting", "addr", addr, "secure", c.opts.Secure)

	dialer := net.Dialer{Timeout: c.opts.ConnectionTimeout}
	sock, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.incConnection("connect_error")
		c.setState(StateClosed)
		if isTimeout(err) {
			return smtperr.Wrap(smtperr.KindConnectionTimeout,
				fmt.Sprintf("connection to %s timed out", addr), err)
		}
		return smtperr.Wrap(smtperr.KindConnectionFailed,
			fmt.Sprintf("cannot connect to %s", addr), err)
	}

	if c.opts.Secure {
		tlsConn := tls.Client(sock, c.tlsConfig())
		_ = tlsConn.SetDeadline(time.Now().Add(c.opts.ConnectionTimeout))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = sock.Close()
			c.incConnection("tls_error")
			c.setState(StateClosed)
			if isTimeout(err) {
				return smtperr.Wrap(smtperr.KindConnectionTimeout,
					fmt.Sprintf("TLS handshake with %s timed out", addr), err)
			}
			return smtperr.Wrap(smtperr.KindTLSFailed,
				fmt.Sprintf("TLS handshake with %s failed", addr), err)
		}
		_ = tlsConn.SetDeadline(time.Time{})
		sock = tlsConn
	}

	c.mu.Lock()
	c.sock = sock
	c.reader = bufio.NewReader(sock)
	c.secure = c.opts.Secure
	c.state = StateConnected
	c.mu.Unlock()

	if err := c.handshake(ctx); err != nil {
		c.incConnection("handshake_error")
		return err
	}

	c.incConnection("success")
	c.setState(StateReady)
	c.resetIdle()
	return nil
}

// handshake runs greeting, EHLO, STARTTLS and AUTH on a freshly connected
// socket.
func (c *Conn) handshake(ctx context.Context) error {
	greeting, err := c.readResponse(c.opts.GreetingTimeout)
	if err != nil {
		return err
	}
	if greeting.Code != 220 {
		err := smtperr.New(smtperr.KindConnectionFailed, "unexpected greeting from server").
			WithStatus(greeting.Code, greeting.String())
		c.destroy(err)
		return err
	}
	c.logger.Debug("greeting received", "message", greeting.Message)

	if err := c.hello(); err != nil {
		return err
	}

	if !c.Secure() && c.Capabilities().STARTTLS && !c.opts.DisableSTARTTLS {
		if err := c.upgradeTLS(ctx); err != nil {
			return err
		}
	}

	if c.opts.Auth != nil {
		if err := c.Authenticate(ctx, *c.opts.Auth); err != nil {
			c.destroy(err)
			return err
		}
	}
	return nil
}

// hello sends EHLO and populates the capability table, falling back once to
// HELO when the server rejects EHLO. The table is cleared before parsing so
// stale capabilities never survive a renegotiation.
func (c *Conn) hello() error {
	c.mu.Lock()
	c.caps = Capabilities{}
	c.mu.Unlock()

	resp, err := c.cmd("EHLO "+c.opts.Name, false)
	if err != nil {
		if smtperr.KindOf(err) != smtperr.KindSMTPError {
			return err
		}
		// Old servers reject EHLO; HELO leaves the capability table empty.
		c.logger.Debug("EHLO rejected, falling back to HELO")
		if _, err := c.cmd("HELO "+c.opts.Name, false); err != nil {
			return err
		}
		return nil
	}

	caps := parseCapabilities(resp.Message)
	c.mu.Lock()
	c.caps = caps
	c.mu.Unlock()
	c.logger.Debug("capabilities", "auth", caps.Auth, "starttls", caps.STARTTLS, "size", caps.Size)
	return nil
}

// upgradeTLS performs the STARTTLS exchange and replaces the transport in
// place. After the 220 reply no plaintext bytes may cross the socket, so
// any data already buffered is treated as a protocol violation.
func (c *Conn) upgradeTLS(ctx context.Context) error {
	resp, err := c.cmd("STARTTLS", false)
	if err != nil {
		wrapped := smtperr.Wrap(smtperr.KindTLSFailed, "server rejected STARTTLS", err)
		c.destroy(wrapped)
		return wrapped
	}
	if resp.Code != 220 {
		wrapped := smtperr.New(smtperr.KindTLSFailed, "unexpected STARTTLS reply").
			WithStatus(resp.Code, resp.String())
		c.destroy(wrapped)
		return wrapped
	}

	c.mu.Lock()
	sock := c.sock
	buffered := c.reader.Buffered()
	c.mu.Unlock()

	if buffered > 0 {
		err := smtperr.New(smtperr.KindTLSFailed, "plaintext data received after STARTTLS reply")
		c.destroy(err)
		return err
	}

	tlsConn := tls.Client(sock, c.tlsConfig())
	_ = tlsConn.SetDeadline(time.Now().Add(c.opts.ConnectionTimeout))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		wrapped := smtperr.Wrap(smtperr.KindTLSFailed, "TLS handshake failed", err)
		c.destroy(wrapped)
		return wrapped
	}
	_ = tlsConn.SetDeadline(time.Time{})

	// The plaintext transport is consumed by the handshake; from here on the
	// connection holds only the TLS transport.
	c.mu.Lock()
	c.sock = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	c.secure = true
	c.caps = Capabilities{}
	c.mu.Unlock()

	c.logger.Debug("connection upgraded to TLS")
	return c.hello()
}

func (c *Conn) tlsConfig() *tls.Config {
	if c.opts.TLS != nil {
		cfg := c.opts.TLS.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = c.opts.Host
		}
		return cfg
	}
	return &tls.Config{
		ServerName:         c.opts.Host,
		InsecureSkipVerify: c.opts.InsecureSkipVerify,
	}
}

// cmd writes one command line and blocks until its reply resolves. Replies
// in [200,399] resolve successfully; anything else rejects with SMTP_ERROR
// carrying the code and raw response. sensitive suppresses the line in the
// command event beyond the AUTH prefix redaction.
func (c *Conn) cmd(line string, sensitive bool) (Response, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	st := c.state
	sock := c.sock
	c.mu.Unlock()

	if st != StateConnected && st != StateReady && st != StateSending {
		return Response{}, smtperr.New(smtperr.KindConnectionFailed,
			fmt.Sprintf("cannot send command while connection is %s", st))
	}

	c.stopIdle()
	defer c.resetIdle()

	c.emitCommand(line, sensitive)

	_ = sock.SetWriteDeadline(time.Now().Add(c.opts.SocketTimeout))
	if _, err := sock.Write([]byte(line + "\r\n")); err != nil {
		wrapped := smtperr.Wrap(smtperr.KindConnectionFailed, "write failed", err)
		c.destroy(wrapped)
		return Response{}, wrapped
	}
	_ = sock.SetWriteDeadline(time.Time{})

	resp, err := c.readResponse(c.opts.SocketTimeout)
	if err != nil {
		return Response{}, err
	}

	if resp.Code >= 200 && resp.Code < 400 {
		return resp, nil
	}
	return resp, smtperr.New(smtperr.KindSMTPError, resp.Message).
		WithStatus(resp.Code, resp.String())
}

// writeRaw streams already-framed payload bytes (the DATA body) without
// awaiting a reply.
func (c *Conn) writeRaw(p []byte) error {
	c.mu.Lock()
	sock := c.sock
	st := c.state
	c.mu.Unlock()

	if st != StateReady && st != StateSending {
		return smtperr.New(smtperr.KindConnectionFailed,
			fmt.Sprintf("cannot write while connection is %s", st))
	}

	_ = sock.SetWriteDeadline(time.Now().Add(c.opts.SocketTimeout))
	if _, err := sock.Write(p); err != nil {
		wrapped := smtperr.Wrap(smtperr.KindConnectionFailed, "write failed", err)
		c.destroy(wrapped)
		return wrapped
	}
	_ = sock.SetWriteDeadline(time.Time{})
	return nil
}

// readResponse blocks until a complete reply arrives. Malformed lines are
// discarded; when the reply window cannot be closed the deadline fires.
func (c *Conn) readResponse(timeout time.Duration) (Response, error) {
	c.mu.Lock()
	sock := c.sock
	reader := c.reader
	c.mu.Unlock()

	if sock == nil {
		return Response{}, smtperr.New(smtperr.KindConnectionFailed, "connection is closed")
	}

	_ = sock.SetReadDeadline(time.Now().Add(timeout))
	defer func() { _ = sock.SetReadDeadline(time.Time{}) }()

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			var wrapped *smtperr.Error
			if isTimeout(err) {
				wrapped = smtperr.Wrap(smtperr.KindConnectionTimeout,
					"timed out waiting for server response", err)
			} else {
				wrapped = smtperr.Wrap(smtperr.KindConnectionFailed,
					"connection lost while waiting for server response", err)
			}
			c.destroy(wrapped)
			return Response{}, wrapped
		}

		line = strings.TrimRight(line, "\r\n")
		resp, done := c.parser.feed(line)
		if !done {
			continue
		}
		c.logger.Debug("reply", "code", resp.Code, "message", resp.Message)
		return resp, nil
	}
}

// beginSend claims the connection for a send transaction.
func (c *Conn) beginSend() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return smtperr.New(smtperr.KindConnectionFailed,
			fmt.Sprintf("cannot start transaction while connection is %s", c.state))
	}
	c.state = StateSending
	return nil
}

// endSend releases the connection after a transaction, unless it died
// mid-flight.
func (c *Conn) endSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateSending {
		c.state = StateReady
	}
}

// Quit sends QUIT, ignoring any error, and destroys the socket.
func (c *Conn) Quit() {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()

	if st == StateReady || st == StateSending {
		_, _ = c.cmd("QUIT", false)
		c.mu.Lock()
		if c.state == StateReady || c.state == StateSending {
			c.state = StateClosing
		}
		c.mu.Unlock()
	}
	c.destroy(nil)
}

// Close is an alias for Quit satisfying the facade surface.
func (c *Conn) Close() {
	c.Quit()
}

// destroy tears the connection down. A non-nil cause marks the terminal
// ERROR state and fires the error event; the close event fires exactly once
// either way.
func (c *Conn) destroy(cause error) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateError {
		c.mu.Unlock()
		return
	}
	if cause != nil {
		c.state = StateError
	} else {
		c.state = StateClosed
	}
	sock := c.sock
	c.sock = nil
	c.reader = nil
	if c.idle != nil {
		c.idle.Stop()
		c.idle = nil
	}
	c.mu.Unlock()

	if sock != nil {
		_ = sock.Close()
	}
	if cause != nil {
		c.logger.Debug("connection destroyed", "error", cause)
		if c.opts.Events.Error != nil {
			c.opts.Events.Error(cause)
		}
	}
	c.closeOnce.Do(func() {
		if c.opts.Events.Close != nil {
			c.opts.Events.Close()
		}
	})
}

// Idle watchdog. Armed whenever no command is in flight; firing destroys
// the connection with CONNECTION_TIMEOUT.
func (c *Conn) resetIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idle != nil {
		c.idle.Stop()
	}
	if c.state != StateReady && c.state != StateSending && c.state != StateConnected {
		return
	}
	c.idle = time.AfterFunc(c.opts.SocketTimeout, func() {
		c.destroy(smtperr.New(smtperr.KindConnectionTimeout, "connection idle timeout"))
	})
}

func (c *Conn) stopIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idle != nil {
		c.idle.Stop()
	}
}

func (c *Conn) emitCommand(line string, sensitive bool) {
	redacted := line
	if strings.HasPrefix(strings.ToUpper(line), "AUTH") {
		redacted = "AUTH ***"
	} else if sensitive {
		redacted = "***"
	}
	c.logger.Debug("command", "line", redacted)
	if c.opts.Events.Command != nil {
		c.opts.Events.Command(redacted)
	}
}

func (c *Conn) incConnection(result string) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.IncConnection(c.opts.Host, result)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// parseCapabilities builds the capability table from an EHLO reply body.
// The first line echoes the server hostname and is dropped.
func parseCapabilities(message string) Capabilities {
	caps := Capabilities{}
	lines := strings.Split(message, "\n")
	if len(lines) > 0 {
		lines = lines[1:]
	}

	for _, line := range lines {
		upper := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(upper, "AUTH ") || strings.HasPrefix(upper, "AUTH="):
			rest := upper[len("AUTH"):]
			rest = strings.TrimLeft(rest, "= ")
			for _, mech := range strings.Fields(rest) {
				caps.Auth = append(caps.Auth, mech)
			}
		case strings.HasPrefix(upper, "SIZE"):
			fields := strings.Fields(upper)
			if len(fields) == 2 {
				if n, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
					caps.Size = n
				}
			}
		case upper == "STARTTLS":
			caps.STARTTLS = true
		case upper == "8BITMIME":
			caps.EightBitMIME = true
		case upper == "PIPELINING":
			caps.Pipelining = true
		case upper == "ENHANCEDSTATUSCODES":
			caps.EnhancedStatusCodes = true
		case upper == "SMTPUTF8":
			caps.SMTPUTF8 = true
		}
	}
	return caps
}
