// Package pop3 implements a virtual POP3 server for tests
// (RFC 1939, RFC 1734, RFC 2449).
//
// Limitations:
//   - Only one client can connect to the server at a time.
//   - STLS is not supported; use implicit TLS instead.
//   - The format of messages is not validated.
//   - The mailbox is not exclusively locked by the server.
package pop3

import (
	"strings"

	"github.com/stubmail/stubmail/server"
	"github.com/stubmail/stubmail/store"
)

// Command is a parsed POP3 command. Commands are created by the
// registered parsers, recorded in the session history, and executed
// against the server, session and client.
type Command interface {
	String() string
	Execute(srv *Server, sess *Session, client *server.Client) error
}

// Server is a virtual POP3 server backed by an in-memory mailbox store.
// The zero port selects a free port on Start; sessions and the wire log
// are retained for inspection by the test harness.
type Server struct {
	*server.Core[Command, *Session]
}

// NewServer creates a POP3 server for the given store with the default
// command set registered.
func NewServer(st *store.MailboxStore) *Server {
	s := &Server{}
	s.Core = server.NewCore[Command, *Session]("POP3", "+", st, s)

	s.AddCommand("CAPA", parseCAPA)
	s.AddCommand("AUTH", parseAUTH)
	s.AddCommand("APOP", parseAPOP)
	s.AddCommand("USER", parseUSER)
	s.AddCommand("PASS", parsePASS)
	s.AddCommand("STAT", parseSTAT)
	s.AddCommand("LIST", parseLIST)
	s.AddCommand("UIDL", parseUIDL)
	s.AddCommand("RETR", parseRETR)
	s.AddCommand("DELE", parseDELE)
	s.AddCommand("TOP", parseTOP)
	s.AddCommand("NOOP", parseNOOP)
	s.AddCommand("RSET", parseRSET)
	s.AddCommand("QUIT", parseQUIT)

	return s
}

// CreateSession builds the per-connection session, including the APOP
// timestamp derived from the server clock.
func (s *Server) CreateSession() *Session {
	return newSession(s.Clock(), s.Hostname())
}

// Greet writes the POP3 banner with the APOP challenge.
func (s *Server) Greet(sess *Session, client *server.Client) error {
	return client.WriteLine("+OK POP3 server ready " + sess.Timestamp())
}

// Execute runs a parsed command.
func (s *Server) Execute(cmd Command, sess *Session, client *server.Client) error {
	return cmd.Execute(s, sess, client)
}

// UnknownCommand returns the response for unregistered verbs.
func (s *Server) UnknownCommand() server.ReplyError {
	return ErrUnknownCommand
}

// DisabledCommand returns the response for disabled verbs.
func (s *Server) DisabledCommand() server.ReplyError {
	return ErrDisabledCommand
}

// capabilities returns the CAPA list, derived from the enabled commands
// and the configured authentication types.
func (s *Server) capabilities() []string {
	var caps []string
	if s.CommandEnabled("USER") {
		caps = append(caps, "USER")
	}
	if s.CommandEnabled("UIDL") {
		caps = append(caps, "UIDL")
	}
	if s.CommandEnabled("TOP") {
		caps = append(caps, "TOP")
	}
	if authTypes := s.AuthTypes(); len(authTypes) > 0 {
		caps = append(caps, "SASL "+strings.Join(authTypes, " "))
	}
	return caps
}
