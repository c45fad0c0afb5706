// Package store provides the in-memory mailbox store shared by the
// protocol servers and the test harness. The store is owned by the
// harness and outlives server starts and stops; servers deliver into it
// and sessions read from it concurrently, so all reads return snapshots.
package store

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"sync"
)

// Message is a single mail message held in a mailbox. The content is
// immutable once stored; the deleted flag is transient POP3 bookkeeping
// that is only ever mutated by the single active session.
type Message struct {
	content string

	mu      sync.Mutex
	deleted bool
}

func newMessage(content string) *Message {
	return &Message{content: content}
}

// Content returns the message content with internal CRLFs preserved.
func (m *Message) Content() string {
	return m.content
}

// Size returns the byte length of the content.
func (m *Message) Size() int {
	return len(m.content)
}

// UID returns the stable unique identifier of the message: the lowercase
// hex MD5 of its content.
func (m *Message) UID() string {
	sum := md5.Sum([]byte(m.content))
	return hex.EncodeToString(sum[:])
}

// Deleted reports whether the message has been marked as deleted.
func (m *Message) Deleted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleted
}

// SetDeleted marks or unmarks the message as deleted.
func (m *Message) SetDeleted(deleted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = deleted
}

// Top returns the first n CRLF-separated lines of the message, joined by
// CRLF and without a trailing CRLF. If n is greater than or equal to the
// number of lines, the complete content is returned.
func (m *Message) Top(n int) string {
	lines := strings.Split(m.content, "\r\n")
	if n >= len(lines) {
		return m.content
	}
	if n < 0 {
		n = 0
	}
	return strings.Join(lines[:n], "\r\n")
}

// Mailbox is the in-memory inbox of one user. The secret is the cleartext
// password used by PLAIN/LOGIN and the shared secret for the
// challenge-response mechanisms. Messages preserve insertion order; POP3
// numbering is 1-based over this order.
type Mailbox struct {
	username string
	secret   string
	email    string

	mu       sync.RWMutex
	messages []*Message
}

func newMailbox(username, secret, email string) *Mailbox {
	return &Mailbox{username: username, secret: secret, email: email}
}

// Username returns the login name of the mailbox owner.
func (mb *Mailbox) Username() string {
	return mb.username
}

// Secret returns the cleartext secret of the mailbox owner.
func (mb *Mailbox) Secret() string {
	return mb.secret
}

// Email returns the primary email address of the mailbox.
func (mb *Mailbox) Email() string {
	return mb.email
}

// Messages returns a snapshot of the message list. Mutating the returned
// slice does not affect the mailbox; the messages themselves are shared.
func (mb *Mailbox) Messages() []*Message {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	messages := make([]*Message, len(mb.messages))
	copy(messages, mb.messages)
	return messages
}

// AddMessage appends a message with the given content.
func (mb *Mailbox) AddMessage(content string) *Message {
	msg := newMessage(content)
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.messages = append(mb.messages, msg)
	return msg
}

// RemoveDeletedMessages drops all messages whose deleted flag is set,
// preserving the order of the remaining messages.
func (mb *Mailbox) RemoveDeletedMessages() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	kept := mb.messages[:0]
	for _, msg := range mb.messages {
		if !msg.Deleted() {
			kept = append(kept, msg)
		}
	}
	mb.messages = kept
}

// MailboxStore maps usernames to mailboxes. Lookups also resolve the
// primary email address of a mailbox. Safe for concurrent use by the
// server worker and harness threads.
type MailboxStore struct {
	mu        sync.RWMutex
	mailboxes map[string]*Mailbox
}

// NewMailboxStore creates an empty store.
func NewMailboxStore() *MailboxStore {
	return &MailboxStore{mailboxes: make(map[string]*Mailbox)}
}

// AddMailbox inserts a new mailbox. An existing mailbox with the same
// username is replaced.
func (s *MailboxStore) AddMailbox(username, secret, email string) *Mailbox {
	mb := newMailbox(username, secret, email)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mailboxes[username] = mb
	return mb
}

// FindMailbox looks up a mailbox by exact match on either the username or
// the email address. Returns nil if no mailbox matches.
func (s *MailboxStore) FindMailbox(usernameOrEmail string) *Mailbox {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if mb, ok := s.mailboxes[usernameOrEmail]; ok {
		return mb
	}
	for _, mb := range s.mailboxes {
		if mb.email == usernameOrEmail {
			return mb
		}
	}
	return nil
}
