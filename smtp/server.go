// Package smtp implements a virtual SMTP server for tests
// (RFC 5321, RFC 4954).
//
// Limitations:
//   - Only one client can connect to the server at a time.
//   - STARTTLS is advertised but not implemented; use implicit TLS.
//   - The format of messages is not validated.
//   - Messages are delivered into the in-memory store, never relayed.
package smtp

import (
	"strings"

	"github.com/stubmail/stubmail/server"
	"github.com/stubmail/stubmail/store"
)

// Command is a parsed SMTP command. Commands are created by the
// registered parsers, recorded in the session history, and executed
// against the server, session and client.
type Command interface {
	String() string
	Execute(srv *Server, sess *Session, client *server.Client) error
}

// Server is a virtual SMTP server backed by an in-memory mailbox store.
// Messages sent with DATA are delivered to the mailboxes of known
// recipients.
type Server struct {
	*server.Core[Command, *Session]
}

// NewServer creates an SMTP server for the given store with the default
// command set registered.
func NewServer(st *store.MailboxStore) *Server {
	s := &Server{}
	s.Core = server.NewCore[Command, *Session]("SMTP", "334", st, s)

	s.AddCommand("HELO", parseHELO)
	s.AddCommand("EHLO", parseEHLO)
	s.AddCommand("AUTH", parseAUTH)
	s.AddCommand("MAIL", parseMAIL)
	s.AddCommand("RCPT", parseRCPT)
	s.AddCommand("DATA", parseDATA)
	s.AddCommand("RSET", parseRSET)
	s.AddCommand("NOOP", parseNOOP)
	s.AddCommand("VRFY", parseVRFY)
	s.AddCommand("STARTTLS", parseSTARTTLS)
	s.AddCommand("QUIT", parseQUIT)

	return s
}

// CreateSession builds the per-connection session.
func (s *Server) CreateSession() *Session {
	return newSession()
}

// Greet writes the SMTP banner.
func (s *Server) Greet(sess *Session, client *server.Client) error {
	return client.WriteLine("220 " + s.Hostname() + " Service ready")
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

// Message returns the message delivered by the most recent DATA command
// across all sessions, or "" if none has been delivered.
func (s *Server) Message() string {
	sessions := s.Sessions()
	for i := len(sessions) - 1; i >= 0; i-- {
		if message := sessions[i].Message(); message != "" {
			return message
		}
	}
	return ""
}

// extensions returns the EHLO keyword lines, derived from the enabled
// commands and the configured authentication types.
func (s *Server) extensions() []string {
	var exts []string
	if !s.UseSSL() && s.CommandEnabled("STARTTLS") {
		exts = append(exts, "STARTTLS")
	}
	if authTypes := s.AuthTypes(); len(authTypes) > 0 {
		exts = append(exts, "AUTH "+strings.Join(authTypes, " "))
	}
	return exts
}

// authenticationRequired reports whether the command must be rejected
// because authentication is required and the client has not
// authenticated yet.
func (s *Server) authenticationRequired(sess *Session) bool {
	return s.AuthenticationRequired() && sess.Username() == ""
}
