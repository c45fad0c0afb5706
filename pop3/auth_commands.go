package pop3

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/stubmail/stubmail/auth"
	"github.com/stubmail/stubmail/server"
)

// CAPA lists the server capabilities (RFC 2449).
type CAPA struct{}

func parseCAPA(parameters string) (Command, error) {
	if parameters != "" {
		return nil, NewError("CAPA command takes no arguments")
	}
	return &CAPA{}, nil
}

func (c *CAPA) String() string { return "CAPA" }

func (c *CAPA) Execute(srv *Server, sess *Session, client *server.Client) error {
	if err := client.WriteLine("+OK Capability list follows"); err != nil {
		return err
	}
	for _, capability := range srv.capabilities() {
		if err := client.WriteLine(capability); err != nil {
			return err
		}
	}
	return client.WriteLine(".")
}

// AUTH runs a SASL mechanism exchange (RFC 1734, RFC 4954).
type AUTH struct {
	authType   string
	parameters string
}

func parseAUTH(parameters string) (Command, error) {
	authType, rest, _ := strings.Cut(parameters, " ")
	if authType == "" {
		return nil, NewError("Authentication type expected")
	}
	return &AUTH{authType: authType, parameters: rest}, nil
}

func (c *AUTH) String() string {
	if c.parameters == "" {
		return "AUTH " + c.authType
	}
	return "AUTH " + c.authType + " " + c.parameters
}

func (c *AUTH) Execute(srv *Server, sess *Session, client *server.Client) error {
	if err := sess.assertState(StateAuthorization); err != nil {
		return err
	}

	if !srv.IsAuthTypeSupported(c.authType) {
		return ErrUnrecognizedAuthType
	}

	authenticator := srv.Authenticator(c.authType)
	credentials, err := authenticator.Authenticate(c.parameters, client, srv.Store())
	if err != nil {
		srv.Collector().AuthAttempt(srv.Protocol(), c.authType, false)
		if errors.Is(err, auth.ErrExchangeFailed) {
			return ErrAuthenticationFailed
		}
		// I/O failure during the exchange terminates the connection
		return err
	}

	if err := sess.login(c.authType, credentials.Username, credentials.Secret, srv.Store()); err != nil {
		srv.Collector().AuthAttempt(srv.Protocol(), c.authType, false)
		return err
	}

	srv.Collector().AuthAttempt(srv.Protocol(), c.authType, true)
	return client.WriteLine("+OK Authentication successful")
}

// APOP authenticates with the digest of the banner timestamp and the
// shared secret (RFC 1939).
type APOP struct {
	username string
	digest   string
}

func parseAPOP(parameters string) (Command, error) {
	fields := strings.Fields(parameters)
	if len(fields) != 2 {
		return nil, NewError("APOP command requires name and digest")
	}
	return &APOP{username: fields[0], digest: fields[1]}, nil
}

func (c *APOP) String() string { return "APOP " + c.username + " " + c.digest }

func (c *APOP) Execute(srv *Server, sess *Session, client *server.Client) error {
	if err := sess.assertState(StateAuthorization); err != nil {
		return err
	}

	mailbox := srv.Store().FindMailbox(c.username)
	if mailbox == nil {
		srv.Collector().AuthAttempt(srv.Protocol(), "APOP", false)
		return ErrAuthenticationFailed
	}

	sum := md5.Sum([]byte(sess.Timestamp() + mailbox.Secret()))
	if hex.EncodeToString(sum[:]) != c.digest {
		srv.Collector().AuthAttempt(srv.Protocol(), "APOP", false)
		return ErrAuthenticationFailed
	}

	if err := sess.login("APOP", c.username, mailbox.Secret(), srv.Store()); err != nil {
		srv.Collector().AuthAttempt(srv.Protocol(), "APOP", false)
		return err
	}

	srv.Collector().AuthAttempt(srv.Protocol(), "APOP", true)
	return client.WriteLine("+OK Authentication successful")
}

// USER names the mailbox for a following PASS (RFC 1939).
type USER struct {
	username string
}

func parseUSER(parameters string) (Command, error) {
	if parameters == "" {
		return nil, NewError("USER command requires username")
	}
	return &USER{username: parameters}, nil
}

func (c *USER) String() string { return "USER " + c.username }

func (c *USER) Execute(srv *Server, sess *Session, client *server.Client) error {
	if err := sess.assertState(StateAuthorization); err != nil {
		return err
	}
	sess.setPendingUser(c.username)
	return client.WriteLine("+OK User accepted")
}

// PASS completes the two-step plaintext login (RFC 1939).
type PASS struct {
	secret string
}

func parsePASS(parameters string) (Command, error) {
	if parameters == "" {
		return nil, NewError("PASS command requires password")
	}
	return &PASS{secret: parameters}, nil
}

func (c *PASS) String() string { return "PASS " + c.secret }

func (c *PASS) Execute(srv *Server, sess *Session, client *server.Client) error {
	if err := sess.assertState(StateAuthorization); err != nil {
		return err
	}

	username := sess.pendingUsername()
	if username == "" {
		return NewError("No username specified")
	}

	if err := sess.login("USER", username, c.secret, srv.Store()); err != nil {
		srv.Collector().AuthAttempt(srv.Protocol(), "USER", false)
		return err
	}

	srv.Collector().AuthAttempt(srv.Protocol(), "USER", true)
	return client.WriteLine("+OK Logged in")
}

// QUIT enters the UPDATE state, expunges messages marked as deleted, and
// closes the session (RFC 1939).
type QUIT struct{}

func parseQUIT(parameters string) (Command, error) {
	if parameters != "" {
		return nil, NewError("QUIT command takes no arguments")
	}
	return &QUIT{}, nil
}

func (c *QUIT) String() string { return "QUIT" }

func (c *QUIT) Execute(srv *Server, sess *Session, client *server.Client) error {
	sess.setState(StateUpdate)

	if mailbox := sess.Mailbox(); mailbox != nil {
		mailbox.RemoveDeletedMessages()
	}

	sess.Close()
	return client.WriteLine("+OK Goodbye")
}
