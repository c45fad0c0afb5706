package smtp

import (
	"strings"

	"github.com/stubmail/stubmail/server"
)

// HELO resets the envelope and greets the client (RFC 5321).
type HELO struct {
	host string
}

func parseHELO(parameters string) (Command, error) {
	if parameters == "" {
		return nil, SyntaxError("Hostname expected")
	}
	return &HELO{host: parameters}, nil
}

func (c *HELO) String() string { return "HELO " + c.host }

func (c *HELO) Execute(srv *Server, sess *Session, client *server.Client) error {
	sess.reset()
	sess.setClientHost(c.host)
	return client.WriteLine("250 " + srv.Hostname())
}

// EHLO resets the envelope and advertises the supported extensions
// (RFC 5321).
type EHLO struct {
	host string
}

func parseEHLO(parameters string) (Command, error) {
	if parameters == "" {
		return nil, SyntaxError("Hostname expected")
	}
	return &EHLO{host: parameters}, nil
}

func (c *EHLO) String() string { return "EHLO " + c.host }

func (c *EHLO) Execute(srv *Server, sess *Session, client *server.Client) error {
	sess.reset()
	sess.setClientHost(c.host)

	if err := client.WriteLine("250-" + srv.Hostname() + " Hello " + c.host); err != nil {
		return err
	}
	for _, extension := range srv.extensions() {
		if err := client.WriteLine("250-" + extension); err != nil {
			return err
		}
	}
	return client.WriteLine("250 OK")
}

// MAIL opens a mail transaction with the envelope sender (RFC 5321).
type MAIL struct {
	sender string
}

func parseMAIL(parameters string) (Command, error) {
	sender, err := parsePath(parameters, "FROM:")
	if err != nil {
		return nil, err
	}
	return &MAIL{sender: sender}, nil
}

func (c *MAIL) String() string { return "MAIL FROM:<" + c.sender + ">" }

func (c *MAIL) Execute(srv *Server, sess *Session, client *server.Client) error {
	if srv.authenticationRequired(sess) {
		return ErrAuthenticationRequired
	}
	if sess.InTransaction() {
		return ErrBadSequenceOfCommands
	}
	sess.setSender(c.sender)
	return client.WriteLine("250 2.1.0 Ok")
}

// RCPT adds an envelope recipient (RFC 5321).
type RCPT struct {
	recipient string
}

func parseRCPT(parameters string) (Command, error) {
	recipient, err := parsePath(parameters, "TO:")
	if err != nil {
		return nil, err
	}
	return &RCPT{recipient: recipient}, nil
}

func (c *RCPT) String() string { return "RCPT TO:<" + c.recipient + ">" }

func (c *RCPT) Execute(srv *Server, sess *Session, client *server.Client) error {
	if !sess.InTransaction() {
		return ErrBadSequenceOfCommands
	}
	sess.addRecipient(c.recipient)
	return client.WriteLine("250 2.1.5 Ok")
}

// DATA receives the message content and delivers it to the mailboxes of
// known recipients (RFC 5321).
type DATA struct{}

func parseDATA(parameters string) (Command, error) {
	if parameters != "" {
		return nil, SyntaxError("DATA command takes no arguments")
	}
	return &DATA{}, nil
}

func (c *DATA) String() string { return "DATA" }

func (c *DATA) Execute(srv *Server, sess *Session, client *server.Client) error {
	if srv.authenticationRequired(sess) {
		return ErrAuthenticationRequired
	}
	if len(sess.Recipients()) == 0 {
		return ErrBadSequenceOfCommands
	}

	if err := client.WriteLine("354 Send message, end with <CRLF>.<CRLF>"); err != nil {
		return err
	}

	message, err := readMessage(client)
	if err != nil {
		return err
	}

	c.deliver(message, srv, sess)

	// clear sender, recipients, and buffer the message for inspection
	sess.endTransaction(message)

	return client.WriteLine("250 2.6.0 Message accepted")
}

// readMessage reads lines until the lone-dot terminator, removing the
// dot-stuffing. The lines are joined with CRLF; there is no trailing
// CRLF.
func readMessage(client *server.Client) (string, error) {
	var message strings.Builder
	first := true
	for {
		line, err := client.ReadLine()
		if err != nil {
			return "", err
		}
		if line == "." {
			break
		}
		line = strings.TrimPrefix(line, ".")
		if !first {
			message.WriteString("\r\n")
		}
		first = false
		message.WriteString(line)
	}
	return message.String(), nil
}

// deliver appends the message to the mailbox of every known recipient.
func (c *DATA) deliver(message string, srv *Server, sess *Session) {
	st := srv.Store()
	for _, recipient := range sess.Recipients() {
		if mailbox := st.FindMailbox(recipient); mailbox != nil {
			mailbox.AddMessage(message)
			srv.Collector().MessageDelivered(srv.Protocol())
		}
	}
}

// RSET clears the envelope (RFC 5321).
type RSET struct{}

func parseRSET(parameters string) (Command, error) {
	if parameters != "" {
		return nil, SyntaxError("RSET command takes no arguments")
	}
	return &RSET{}, nil
}

func (c *RSET) String() string { return "RSET" }

func (c *RSET) Execute(srv *Server, sess *Session, client *server.Client) error {
	sess.reset()
	return client.WriteLine("250 2.0.0 Ok")
}

// NOOP does nothing (RFC 5321).
type NOOP struct{}

func parseNOOP(parameters string) (Command, error) {
	if parameters != "" {
		return nil, SyntaxError("NOOP command takes no arguments")
	}
	return &NOOP{}, nil
}

func (c *NOOP) String() string { return "NOOP" }

func (c *NOOP) Execute(srv *Server, sess *Session, client *server.Client) error {
	return client.WriteLine("250 2.0.0 Ok")
}

// VRFY acknowledges without verifying (RFC 5321).
type VRFY struct {
	address string
}

func parseVRFY(parameters string) (Command, error) {
	if parameters == "" {
		return nil, SyntaxError("Address expected")
	}
	return &VRFY{address: parameters}, nil
}

func (c *VRFY) String() string { return "VRFY " + c.address }

func (c *VRFY) Execute(srv *Server, sess *Session, client *server.Client) error {
	return client.WriteLine("252 2.5.0 Cannot verify user")
}

// STARTTLS is advertised for client compatibility but the upgrade is not
// available; implicit TLS is the supported mode (RFC 3207).
type STARTTLS struct{}

func parseSTARTTLS(parameters string) (Command, error) {
	if parameters != "" {
		return nil, SyntaxError("STARTTLS command takes no arguments")
	}
	return &STARTTLS{}, nil
}

func (c *STARTTLS) String() string { return "STARTTLS" }

func (c *STARTTLS) Execute(srv *Server, sess *Session, client *server.Client) error {
	return client.WriteLine("454 4.7.0 TLS not available")
}

// QUIT says goodbye and closes the session (RFC 5321).
type QUIT struct{}

func parseQUIT(parameters string) (Command, error) {
	if parameters != "" {
		return nil, SyntaxError("QUIT command takes no arguments")
	}
	return &QUIT{}, nil
}

func (c *QUIT) String() string { return "QUIT" }

func (c *QUIT) Execute(srv *Server, sess *Session, client *server.Client) error {
	sess.Close()
	return client.WriteLine("221 2.0.0 Goodbye")
}

// parsePath extracts the address from a "FROM:<addr>" / "TO:<addr>"
// argument. The prefix is case-insensitive; the angle brackets are
// optional.
func parsePath(parameters, prefix string) (string, error) {
	if len(parameters) < len(prefix) || !strings.EqualFold(parameters[:len(prefix)], prefix) {
		return "", SyntaxError("Syntax error in parameters or arguments")
	}
	address := strings.TrimSpace(parameters[len(prefix):])
	if strings.HasPrefix(address, "<") && strings.HasSuffix(address, ">") {
		address = address[1 : len(address)-1]
	}
	if address == "" {
		return "", SyntaxError("Address expected")
	}
	return address, nil
}
