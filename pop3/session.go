package pop3

import (
	"fmt"
	"os"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/stubmail/stubmail/server"
	"github.com/stubmail/stubmail/store"
)

// State represents the current state in the POP3 state machine
// (RFC 1939).
type State int

const (
	// StateAuthorization is the initial state where authentication is
	// required.
	StateAuthorization State = iota

	// StateTransaction is the state after successful authentication.
	StateTransaction

	// StateUpdate is the state entered by QUIT, in which deleted
	// messages are expunged.
	StateUpdate
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateAuthorization:
		return "AUTHORIZATION"
	case StateTransaction:
		return "TRANSACTION"
	case StateUpdate:
		return "UPDATE"
	default:
		return "UNKNOWN"
	}
}

// Session is the per-connection POP3 state: the protocol state machine,
// the APOP timestamp generated at session creation, the username given
// by USER, and the mailbox bound after authentication.
type Session struct {
	server.Session[Command]

	timestamp string

	mu          sync.Mutex
	state       State
	pendingUser string
	mailbox     *store.Mailbox
}

func newSession(clock clockwork.Clock, hostname string) *Session {
	timestamp := fmt.Sprintf("<%d.%d@%s>", os.Getpid(), clock.Now().UnixMilli(), hostname)
	return &Session{
		timestamp: timestamp,
		state:     StateAuthorization,
	}
}

// Timestamp returns the APOP challenge announced in the server banner.
func (s *Session) Timestamp() string {
	return s.timestamp
}

// State returns the current protocol state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// assertState fails with ErrInvalidState unless the session is in one of
// the expected states.
func (s *Session) assertState(states ...State) error {
	current := s.State()
	for _, state := range states {
		if current == state {
			return nil
		}
	}
	return ErrInvalidState
}

func (s *Session) setPendingUser(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingUser = username
}

func (s *Session) pendingUsername() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingUser
}

// Mailbox returns the mailbox bound to the session, or nil before
// authentication.
func (s *Session) Mailbox() *store.Mailbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mailbox
}

// login verifies the credentials against the store, binds the mailbox,
// and advances to the TRANSACTION state.
func (s *Session) login(authType, username, secret string, st *store.MailboxStore) error {
	mailbox := st.FindMailbox(username)
	if mailbox == nil || mailbox.Secret() != secret {
		return ErrAuthenticationFailed
	}

	s.Login(authType, username)
	s.mu.Lock()
	s.mailbox = mailbox
	s.state = StateTransaction
	s.mu.Unlock()
	return nil
}
