package smtp

import (
	"sync"

	"github.com/stubmail/stubmail/server"
)

// Session is the per-connection SMTP state: the envelope accumulated
// between MAIL and DATA, the host named by HELO/EHLO, and the last
// delivered message retained for inspection.
type Session struct {
	server.Session[Command]

	mu         sync.Mutex
	clientHost string
	sender     string
	senderSet  bool
	recipients []string
	message    string
}

func newSession() *Session {
	return &Session{}
}

// ClientHost returns the host name announced by HELO or EHLO.
func (s *Session) ClientHost() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientHost
}

func (s *Session) setClientHost(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientHost = host
}

// Sender returns the envelope sender set by MAIL, or "" outside a
// transaction.
func (s *Session) Sender() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sender
}

// InTransaction reports whether a MAIL command has opened a transaction.
func (s *Session) InTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.senderSet
}

func (s *Session) setSender(sender string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = sender
	s.senderSet = true
}

// Recipients returns the envelope recipients in the order they were
// added; duplicates are preserved.
func (s *Session) Recipients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.recipients...)
}

func (s *Session) addRecipient(recipient string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recipients = append(s.recipients, recipient)
}

// reset clears the envelope (RSET, HELO, EHLO). The last delivered
// message is kept.
func (s *Session) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = ""
	s.senderSet = false
	s.recipients = nil
}

// endTransaction clears the envelope and retains the delivered message
// for inspection.
func (s *Session) endTransaction(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = ""
	s.senderSet = false
	s.recipients = nil
	s.message = message
}

// Message returns the last message delivered in this session, or "".
func (s *Session) Message() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.message
}
