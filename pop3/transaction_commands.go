package pop3

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/stubmail/stubmail/server"
	"github.com/stubmail/stubmail/store"
)

// STAT reports the number and total size of the messages not marked as
// deleted (RFC 1939).
type STAT struct{}

func parseSTAT(parameters string) (Command, error) {
	if parameters != "" {
		return nil, NewError("STAT command takes no arguments")
	}
	return &STAT{}, nil
}

func (c *STAT) String() string { return "STAT" }

func (c *STAT) Execute(srv *Server, sess *Session, client *server.Client) error {
	if err := sess.assertState(StateTransaction); err != nil {
		return err
	}

	count, size := 0, 0
	for _, msg := range sess.Mailbox().Messages() {
		if !msg.Deleted() {
			count++
			size += msg.Size()
		}
	}
	return client.WriteLine(fmt.Sprintf("+OK %d %d", count, size))
}

// LIST reports message sizes, for all messages or a single one
// (RFC 1939).
type LIST struct {
	msg    int
	hasMsg bool
}

func parseLIST(parameters string) (Command, error) {
	if parameters == "" {
		return &LIST{}, nil
	}
	msg, err := parseMessageNumber(parameters)
	if err != nil {
		return nil, err
	}
	return &LIST{msg: msg, hasMsg: true}, nil
}

func (c *LIST) String() string {
	if !c.hasMsg {
		return "LIST"
	}
	return fmt.Sprintf("LIST %d", c.msg)
}

func (c *LIST) Execute(srv *Server, sess *Session, client *server.Client) error {
	if err := sess.assertState(StateTransaction); err != nil {
		return err
	}

	messages := sess.Mailbox().Messages()

	if c.hasMsg {
		msg, err := messageByNumber(messages, c.msg)
		if err != nil {
			return err
		}
		return client.WriteLine(fmt.Sprintf("+OK %d %d", c.msg, msg.Size()))
	}

	count := 0
	for _, msg := range messages {
		if !msg.Deleted() {
			count++
		}
	}
	if err := client.WriteLine(fmt.Sprintf("+OK %d messages", count)); err != nil {
		return err
	}
	for i, msg := range messages {
		if msg.Deleted() {
			continue
		}
		if err := client.WriteLine(fmt.Sprintf("%d %d", i+1, msg.Size())); err != nil {
			return err
		}
	}
	return client.WriteLine(".")
}

// UIDL reports message unique identifiers, for all messages or a single
// one (RFC 1939).
type UIDL struct {
	msg    int
	hasMsg bool
}

func parseUIDL(parameters string) (Command, error) {
	if parameters == "" {
		return &UIDL{}, nil
	}
	msg, err := parseMessageNumber(parameters)
	if err != nil {
		return nil, err
	}
	return &UIDL{msg: msg, hasMsg: true}, nil
}

func (c *UIDL) String() string {
	if !c.hasMsg {
		return "UIDL"
	}
	return fmt.Sprintf("UIDL %d", c.msg)
}

func (c *UIDL) Execute(srv *Server, sess *Session, client *server.Client) error {
	if err := sess.assertState(StateTransaction); err != nil {
		return err
	}

	messages := sess.Mailbox().Messages()

	if c.hasMsg {
		msg, err := messageByNumber(messages, c.msg)
		if err != nil {
			return err
		}
		return client.WriteLine(fmt.Sprintf("+OK %d %s", c.msg, msg.UID()))
	}

	if err := client.WriteLine("+OK"); err != nil {
		return err
	}
	for i, msg := range messages {
		if msg.Deleted() {
			continue
		}
		if err := client.WriteLine(fmt.Sprintf("%d %s", i+1, msg.UID())); err != nil {
			return err
		}
	}
	return client.WriteLine(".")
}

// RETR sends the complete message content (RFC 1939).
type RETR struct {
	msg int
}

func parseRETR(parameters string) (Command, error) {
	msg, err := parseMessageNumber(parameters)
	if err != nil {
		return nil, err
	}
	return &RETR{msg: msg}, nil
}

func (c *RETR) String() string { return fmt.Sprintf("RETR %d", c.msg) }

func (c *RETR) Execute(srv *Server, sess *Session, client *server.Client) error {
	if err := sess.assertState(StateTransaction); err != nil {
		return err
	}

	msg, err := messageByNumber(sess.Mailbox().Messages(), c.msg)
	if err != nil {
		return err
	}

	if err := client.WriteLine(fmt.Sprintf("+OK %d octets", msg.Size())); err != nil {
		return err
	}
	srv.Collector().MessageRetrieved(srv.Protocol(), int64(msg.Size()))
	return writeMultiline(client, msg.Content())
}

// DELE marks a message as deleted (RFC 1939).
type DELE struct {
	msg int
}

func parseDELE(parameters string) (Command, error) {
	msg, err := parseMessageNumber(parameters)
	if err != nil {
		return nil, err
	}
	return &DELE{msg: msg}, nil
}

func (c *DELE) String() string { return fmt.Sprintf("DELE %d", c.msg) }

func (c *DELE) Execute(srv *Server, sess *Session, client *server.Client) error {
	if err := sess.assertState(StateTransaction); err != nil {
		return err
	}

	messages := sess.Mailbox().Messages()
	if c.msg < 1 || c.msg > len(messages) {
		return ErrMessageNotFound
	}
	msg := messages[c.msg-1]
	if msg.Deleted() {
		return ErrMessageAlreadyDeleted
	}
	msg.SetDeleted(true)
	return client.WriteLine("+OK")
}

// TOP sends the first n lines of a message (RFC 2449).
type TOP struct {
	msg   int
	lines int
}

func parseTOP(parameters string) (Command, error) {
	fields := strings.Fields(parameters)
	if len(fields) != 2 {
		return nil, NewError("TOP command requires message number and line count")
	}
	msg, err := parseMessageNumber(fields[0])
	if err != nil {
		return nil, err
	}
	lines, err := strconv.Atoi(fields[1])
	if err != nil || lines < 0 {
		return nil, NewError("Invalid line count")
	}
	return &TOP{msg: msg, lines: lines}, nil
}

func (c *TOP) String() string { return fmt.Sprintf("TOP %d %d", c.msg, c.lines) }

func (c *TOP) Execute(srv *Server, sess *Session, client *server.Client) error {
	if err := sess.assertState(StateTransaction); err != nil {
		return err
	}

	msg, err := messageByNumber(sess.Mailbox().Messages(), c.msg)
	if err != nil {
		return err
	}

	if err := client.WriteLine("+OK"); err != nil {
		return err
	}
	return writeMultiline(client, msg.Top(c.lines))
}

// NOOP does nothing (RFC 1939).
type NOOP struct{}

func parseNOOP(parameters string) (Command, error) {
	if parameters != "" {
		return nil, NewError("NOOP command takes no arguments")
	}
	return &NOOP{}, nil
}

func (c *NOOP) String() string { return "NOOP" }

func (c *NOOP) Execute(srv *Server, sess *Session, client *server.Client) error {
	if err := sess.assertState(StateTransaction); err != nil {
		return err
	}
	return client.WriteLine("+OK")
}

// RSET unmarks all messages marked as deleted (RFC 1939).
type RSET struct{}

func parseRSET(parameters string) (Command, error) {
	if parameters != "" {
		return nil, NewError("RSET command takes no arguments")
	}
	return &RSET{}, nil
}

func (c *RSET) String() string { return "RSET" }

func (c *RSET) Execute(srv *Server, sess *Session, client *server.Client) error {
	if err := sess.assertState(StateTransaction); err != nil {
		return err
	}

	for _, msg := range sess.Mailbox().Messages() {
		if msg.Deleted() {
			msg.SetDeleted(false)
		}
	}
	return client.WriteLine("+OK")
}

// helpers ---------------------------------------------------------------

func parseMessageNumber(s string) (int, error) {
	msg, err := strconv.Atoi(s)
	if err != nil || msg < 1 {
		return 0, NewError("Invalid message number")
	}
	return msg, nil
}

// messageByNumber resolves a 1-based message number against a mailbox
// snapshot. Deleted messages are not addressable.
func messageByNumber(messages []*store.Message, n int) (*store.Message, error) {
	if n < 1 || n > len(messages) {
		return nil, ErrMessageNotFound
	}
	msg := messages[n-1]
	if msg.Deleted() {
		return nil, ErrMessageNotFound
	}
	return msg, nil
}

// writeMultiline writes content as the body of a multi-line response:
// lines starting with "." are dot-stuffed, and the termination line is
// appended.
func writeMultiline(client *server.Client, content string) error {
	for _, line := range strings.Split(content, "\r\n") {
		if strings.HasPrefix(line, ".") {
			line = "." + line
		}
		if err := client.WriteLine(line); err != nil {
			return err
		}
	}
	return client.WriteLine(".")
}
