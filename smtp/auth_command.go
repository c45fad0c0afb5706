package smtp

import (
	"errors"
	"strings"

	"github.com/stubmail/stubmail/auth"
	"github.com/stubmail/stubmail/server"
)

// AUTH runs a SASL mechanism exchange (RFC 4954). On success the
// authenticated username is recorded on the session.
type AUTH struct {
	authType   string
	parameters string
}

func parseAUTH(parameters string) (Command, error) {
	authType, rest, _ := strings.Cut(parameters, " ")
	if authType == "" {
		return nil, SyntaxError("Authentication type expected")
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
	// reset authentication state
	sess.Logout()

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

	mailbox := srv.Store().FindMailbox(credentials.Username)
	if mailbox == nil || mailbox.Secret() != credentials.Secret {
		srv.Collector().AuthAttempt(srv.Protocol(), c.authType, false)
		return ErrAuthenticationFailed
	}

	sess.Login(c.authType, credentials.Username)
	srv.Collector().AuthAttempt(srv.Protocol(), c.authType, true)
	return client.WriteLine("235 2.7.0 Authentication succeeded")
}
