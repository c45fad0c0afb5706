package server

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
)

// Command is a parsed protocol command value. String renders the command
// as received, for history assertions.
type Command interface {
	fmt.Stringer
}

// Parser turns the parameter portion of a command line into a command
// value. parameters is everything after the verb and one space, or ""
// when the verb stands alone. Parse failures must be ReplyErrors.
type Parser[C Command] func(parameters string) (C, error)

// Session is the state shared by all protocol sessions: the
// authenticated identity, the ordered command history, the closed flag,
// and socket metadata. Protocol sessions embed it.
type Session[C Command] struct {
	mu       sync.Mutex
	authType string
	username string
	commands []C
	closed   bool
	conn     net.Conn
}

func (s *Session[C]) setSocketData(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
}

// Login records a successful authentication.
func (s *Session[C]) Login(authType, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authType = authType
	s.username = username
}

// Logout clears the authenticated identity.
func (s *Session[C]) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authType = ""
	s.username = ""
}

// Username returns the authenticated username, or "" before
// authentication.
func (s *Session[C]) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// AuthType returns the mechanism that authenticated the session.
func (s *Session[C]) AuthType() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authType
}

// AddCommand appends a parsed command to the session history.
func (s *Session[C]) AddCommand(cmd C) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)
}

// CommandHistory returns the parsed commands in receipt order.
func (s *Session[C]) CommandHistory() []C {
	s.mu.Lock()
	defer s.mu.Unlock()
	commands := make([]C, len(s.commands))
	copy(commands, s.commands)
	return commands
}

// Close marks the session as closed. The connection loop exits after the
// command that closed the session.
func (s *Session[C]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Closed reports whether the session has been closed.
func (s *Session[C]) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Peer returns the remote address of the connection.
func (s *Session[C]) Peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ""
	}
	return s.conn.RemoteAddr().String()
}

// TLSProtocol returns the negotiated TLS version name, or "" on a plain
// connection.
func (s *Session[C]) TLSProtocol() string {
	if state, ok := s.tlsState(); ok {
		return tls.VersionName(state.Version)
	}
	return ""
}

// CipherSuite returns the negotiated TLS cipher suite name, or "" on a
// plain connection.
func (s *Session[C]) CipherSuite() string {
	if state, ok := s.tlsState(); ok {
		return tls.CipherSuiteName(state.CipherSuite)
	}
	return ""
}

func (s *Session[C]) tlsState() (tls.ConnectionState, bool) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return tls.ConnectionState{}, false
	}
	return tlsConn.ConnectionState(), true
}
