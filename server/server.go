// Package server implements the protocol-independent core of the test
// mail servers: line-framed client I/O with a session log, the command
// registry with enable/disable gating, the per-connection dispatch loop,
// the authenticator registry, listener lifecycle, and session history.
// The pop3 and smtp packages instantiate it with their command and
// session types.
package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/stubmail/stubmail/auth"
	"github.com/stubmail/stubmail/internal/metrics"
	"github.com/stubmail/stubmail/store"
)

// sessionRef is the constraint protocol sessions must satisfy.
// Embedding *Session provides all of it.
type sessionRef[C Command] interface {
	setSocketData(conn net.Conn)
	AddCommand(cmd C)
	Close()
	Closed() bool
}

// Protocol supplies the per-protocol behavior the core cannot know:
// session construction, the greeting banner, command execution, and the
// responses for unknown and disabled verbs. The concrete servers
// implement it themselves.
type Protocol[C Command, S sessionRef[C]] interface {
	CreateSession() S
	Greet(session S, client *Client) error
	Execute(cmd C, session S, client *Client) error
	UnknownCommand() ReplyError
	DisabledCommand() ReplyError
}

// Core is the shared implementation of a virtual mail server: it owns
// the listener, accepts one client at a time, and runs the dispatch
// loop against the protocol's command registry. At most one connection
// is active per server; the harness thread may mutate configuration and
// read state concurrently.
type Core[C Command, S sessionRef[C]] struct {
	protocol     string
	continuation string
	store        *store.MailboxStore
	handler      Protocol[C, S]

	mu             sync.Mutex // guards configuration and listener
	hostname       string
	parsers        map[string]Parser[C]
	enabled        map[string]bool
	port           int
	useSSL         bool
	sslProtocol    string
	authRequired   bool
	authTypes      []string
	authenticators map[string]auth.Authenticator
	clock          clockwork.Clock
	logger         *slog.Logger
	collector      metrics.Collector
	listener       net.Listener
	done           chan struct{}

	stopping atomic.Bool

	connMu   sync.Mutex // guards per-connection state and history
	client   *Client
	session  S
	sessions []S

	log Log
}

// NewCore creates the shared core for a protocol server. continuation is
// the protocol's authentication continuation prefix.
func NewCore[C Command, S sessionRef[C]](protocol, continuation string, st *store.MailboxStore, handler Protocol[C, S]) *Core[C, S] {
	hostname := "localhost"
	return &Core[C, S]{
		protocol:       protocol,
		continuation:   continuation,
		store:          st,
		handler:        handler,
		hostname:       hostname,
		parsers:        make(map[string]Parser[C]),
		enabled:        make(map[string]bool),
		sslProtocol:    "TLSv1.2",
		authenticators: auth.Registry(hostname),
		clock:          clockwork.NewRealClock(),
		logger:         slog.Default(),
		collector:      &metrics.NoopCollector{},
	}
}

// Protocol returns the protocol name ("POP3" or "SMTP").
func (c *Core[C, S]) Protocol() string {
	return c.protocol
}

// Store returns the mailbox store the server delivers into and
// authenticates against.
func (c *Core[C, S]) Store() *store.MailboxStore {
	return c.store
}

// Hostname returns the host name used in banners and challenges.
func (c *Core[C, S]) Hostname() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hostname
}

// SetHostname sets the host name used in banners and challenges. The
// default authenticators are re-registered so their challenges carry the
// new name; authenticators registered under other names are kept.
func (c *Core[C, S]) SetHostname(hostname string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hostname = hostname
	for name, authenticator := range auth.Registry(hostname) {
		c.authenticators[name] = authenticator
	}
}

// command registry ------------------------------------------------------

// AddCommand registers a parser for the verb, replacing any previous
// registration. Verbs are case-insensitive.
func (c *Core[C, S]) AddCommand(verb string, parser Parser[C]) {
	verb = strings.ToUpper(verb)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parsers[verb] = parser
}

// RemoveCommand removes the verb from the registry.
func (c *Core[C, S]) RemoveCommand(verb string) {
	verb = strings.ToUpper(verb)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.parsers, verb)
}

// CommandEnabled reports whether the verb is registered and enabled.
func (c *Core[C, S]) CommandEnabled(verb string) bool {
	verb = strings.ToUpper(verb)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.parsers[verb]; !ok {
		return false
	}
	enabled, ok := c.enabled[verb]
	return !ok || enabled
}

// SetCommandEnabled gates dispatch of the verb. Disabled verbs answer
// with the protocol's disabled-command response without being parsed.
func (c *Core[C, S]) SetCommandEnabled(verb string, enabled bool) {
	verb = strings.ToUpper(verb)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled[verb] = enabled
}

func (c *Core[C, S]) parser(verb string) (Parser[C], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	parser, ok := c.parsers[verb]
	return parser, ok
}

// configuration ---------------------------------------------------------

// SetPort sets the port to bind on the next Start. 0 selects a free
// port.
func (c *Core[C, S]) SetPort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("port out of range: %d", port)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.port = port
	return nil
}

// Port returns the port the server is listening on, or the configured
// port if the server has not been started.
func (c *Core[C, S]) Port() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener != nil {
		if addr, ok := c.listener.Addr().(*net.TCPAddr); ok {
			return addr.Port
		}
	}
	return c.port
}

// SetUseSSL selects between a plain and an implicit-TLS listener.
func (c *Core[C, S]) SetUseSSL(useSSL bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.useSSL = useSSL
}

// UseSSL reports whether the server listens with implicit TLS.
func (c *Core[C, S]) UseSSL() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.useSSL
}

// SetSSLProtocol selects the only TLS protocol version the listener
// enables ("TLSv1.0" through "TLSv1.3").
func (c *Core[C, S]) SetSSLProtocol(sslProtocol string) error {
	if _, err := tlsVersion(sslProtocol); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sslProtocol = sslProtocol
	return nil
}

// SSLProtocol returns the configured TLS protocol version.
func (c *Core[C, S]) SSLProtocol() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sslProtocol
}

// SetAuthenticationRequired makes mail transactions require a prior
// successful AUTH.
func (c *Core[C, S]) SetAuthenticationRequired(required bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authRequired = required
}

// AuthenticationRequired reports whether authentication is required.
func (c *Core[C, S]) AuthenticationRequired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authRequired
}

// SetAuthTypes replaces the ordered list of enabled authentication
// mechanisms. Every name must have a registered authenticator.
func (c *Core[C, S]) SetAuthTypes(authTypes ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, authType := range authTypes {
		if _, ok := c.authenticators[authType]; !ok {
			return fmt.Errorf("authenticator not found: %s", authType)
		}
	}
	c.authTypes = append([]string(nil), authTypes...)
	return nil
}

// AddAuthType appends a mechanism to the enabled list, moving it to the
// end if already present.
func (c *Core[C, S]) AddAuthType(authType string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.authenticators[authType]; !ok {
		return fmt.Errorf("authenticator not found: %s", authType)
	}
	c.authTypes = removeString(c.authTypes, authType)
	c.authTypes = append(c.authTypes, authType)
	return nil
}

// RemoveAuthType removes a mechanism from the enabled list.
func (c *Core[C, S]) RemoveAuthType(authType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authTypes = removeString(c.authTypes, authType)
}

// IsAuthTypeSupported reports whether the mechanism is enabled and has a
// registered authenticator.
func (c *Core[C, S]) IsAuthTypeSupported(authType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.authenticators[authType]; !ok {
		return false
	}
	for _, t := range c.authTypes {
		if t == authType {
			return true
		}
	}
	return false
}

// AuthTypes returns the enabled mechanisms in configuration order.
func (c *Core[C, S]) AuthTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.authTypes...)
}

// Authenticator returns the registered authenticator for the mechanism,
// or nil.
func (c *Core[C, S]) Authenticator(authType string) auth.Authenticator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticators[authType]
}

// AddAuthenticator registers an authenticator under the mechanism name.
func (c *Core[C, S]) AddAuthenticator(authType string, authenticator auth.Authenticator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticators[authType] = authenticator
}

// SetClock replaces the clock used for timestamps. Tests inject a
// clockwork.FakeClock for deterministic APOP timestamps.
func (c *Core[C, S]) SetClock(clock clockwork.Clock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
}

// Clock returns the server clock.
func (c *Core[C, S]) Clock() clockwork.Clock {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock
}

// SetLogger replaces the server logger.
func (c *Core[C, S]) SetLogger(logger *slog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = logger
}

// Logger returns the server logger.
func (c *Core[C, S]) Logger() *slog.Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logger
}

// SetMetricsCollector replaces the metrics collector. The default is a
// no-op collector.
func (c *Core[C, S]) SetMetricsCollector(collector metrics.Collector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collector = collector
}

// Collector returns the metrics collector.
func (c *Core[C, S]) Collector() metrics.Collector {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collector
}

// lifecycle -------------------------------------------------------------

// Start binds a loopback listener (plain or TLS per the configuration)
// and launches the worker that accepts and serves one client at a time.
func (c *Core[C, S]) Start() error {
	c.mu.Lock()
	if c.listener != nil {
		c.mu.Unlock()
		return fmt.Errorf("%s server already started", c.protocol)
	}
	port, useSSL, sslProtocol := c.port, c.useSSL, c.sslProtocol
	logger := c.logger
	c.mu.Unlock()

	listener, err := Listen(port, useSSL, sslProtocol)
	if err != nil {
		return fmt.Errorf("start %s server: %w", c.protocol, err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.listener = listener
	c.done = done
	c.mu.Unlock()
	c.stopping.Store(false)

	go c.run(listener, done)

	logger.Info("server started",
		"protocol", c.protocol,
		"addr", listener.Addr().String(),
		"ssl", useSSL,
	)
	return nil
}

// Stop signals the worker to stop, closes the listener (which wakes a
// blocked accept), and waits up to five seconds for the worker to exit.
func (c *Core[C, S]) Stop() error {
	c.stopping.Store(true)

	c.mu.Lock()
	listener := c.listener
	done := c.done
	logger := c.logger
	c.listener = nil
	c.done = nil
	c.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}

	// terminate an in-flight connection so the worker can exit
	c.connMu.Lock()
	client := c.client
	c.connMu.Unlock()
	if client != nil {
		_ = client.conn.Close()
	}

	if done != nil {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			logger.Warn("worker did not stop in time", "protocol", c.protocol)
		}
	}

	logger.Info("server stopped", "protocol", c.protocol)
	return nil
}

// inspection ------------------------------------------------------------

// ActiveSession returns the session of the current connection. It is the
// zero value (nil) between connections.
func (c *Core[C, S]) ActiveSession() S {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.session
}

// Sessions returns a snapshot of all sessions handled since Start, in
// accept order.
func (c *Core[C, S]) Sessions() []S {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return append([]S(nil), c.sessions...)
}

// Log returns the communication log of the current (or most recent)
// connection.
func (c *Core[C, S]) Log() string {
	return c.log.String()
}

// connection handling ---------------------------------------------------

func (c *Core[C, S]) run(listener net.Listener, done chan struct{}) {
	defer close(done)

	for !c.stopping.Load() {
		conn, err := listener.Accept()
		if err != nil {
			if !c.stopping.Load() {
				c.Logger().Error("accept failed",
					"protocol", c.protocol,
					"error", err.Error(),
				)
			}
			return
		}
		c.handleConnection(conn)
	}
}

func (c *Core[C, S]) handleConnection(conn net.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	logger := c.Logger()
	collector := c.Collector()
	collector.ConnectionOpened(c.protocol)
	defer collector.ConnectionClosed(c.protocol)
	if _, ok := conn.(*tls.Conn); ok {
		collector.TLSConnectionEstablished(c.protocol)
	}

	logger.Info("client connected",
		"protocol", c.protocol,
		"peer", conn.RemoteAddr().String(),
	)

	// clear log from any previous connection
	c.log.reset()

	client := NewClient(conn, &c.log, c.continuation)
	session := c.handler.CreateSession()
	session.setSocketData(conn)

	c.connMu.Lock()
	c.client = client
	c.session = session
	c.sessions = append(c.sessions, session)
	c.connMu.Unlock()

	defer func() {
		// test code may wait for the session to be closed
		if !session.Closed() {
			session.Close()
		}
		var zero S
		c.connMu.Lock()
		c.client = nil
		c.session = zero
		c.connMu.Unlock()
	}()

	if err := c.handler.Greet(session, client); err != nil {
		logger.Error("failed to greet client", "protocol", c.protocol, "error", err.Error())
		return
	}

	c.dispatchLoop(client, session)
}

// dispatchLoop reads and executes commands until the session closes or
// the connection fails.
func (c *Core[C, S]) dispatchLoop(client *Client, session S) {
	logger := c.Logger()
	collector := c.Collector()

	for {
		line, err := client.ReadLine()
		if err != nil {
			logger.Info("client closed connection", "protocol", c.protocol)
			return
		}
		if line == "" {
			continue
		}

		verb, parameters := splitVerb(line)

		parser, registered := c.parser(verb)
		if !registered {
			if err := client.WriteLine(c.handler.UnknownCommand().ProtocolResponse()); err != nil {
				return
			}
			continue
		}
		if !c.CommandEnabled(verb) {
			if err := client.WriteLine(c.handler.DisabledCommand().ProtocolResponse()); err != nil {
				return
			}
			continue
		}

		collector.CommandProcessed(c.protocol, verb)

		cmd, err := parser(parameters)
		if err != nil {
			if werr := c.writeReply(client, err); werr != nil {
				logger.Error("command failed",
					"protocol", c.protocol,
					"verb", verb,
					"error", err.Error(),
				)
				return
			}
			continue
		}

		session.AddCommand(cmd)

		if err := c.handler.Execute(cmd, session, client); err != nil {
			if werr := c.writeReply(client, err); werr != nil {
				logger.Error("command failed",
					"protocol", c.protocol,
					"verb", verb,
					"error", err.Error(),
				)
				return
			}
		}

		if session.Closed() {
			return
		}
	}
}

// writeReply converts a ReplyError into its negative response line. Any
// other error is returned unchanged and terminates the connection.
func (c *Core[C, S]) writeReply(client *Client, err error) error {
	var reply ReplyError
	if errors.As(err, &reply) {
		return client.WriteLine(reply.ProtocolResponse())
	}
	return err
}

// splitVerb splits a command line into the uppercased verb and the
// parameter remainder.
func splitVerb(line string) (string, string) {
	verb, parameters, _ := strings.Cut(line, " ")
	return strings.ToUpper(verb), parameters
}

func removeString(list []string, s string) []string {
	kept := list[:0]
	for _, v := range list {
		if v != s {
			kept = append(kept, v)
		}
	}
	return kept
}
