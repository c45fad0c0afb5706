// Package auth implements the SASL mechanisms the protocol servers
// offer: PLAIN, LOGIN, CRAM-MD5, DIGEST-MD5 and XOAUTH2. PLAIN and LOGIN
// are backed by emersion/go-sasl servers; the remaining mechanisms drive
// their exchanges by hand because go-sasl has no server side for them.
package auth

import (
	"encoding/base64"
	"errors"

	"github.com/emersion/go-sasl"

	"github.com/stubmail/stubmail/store"
)

// Mechanism names understood by the servers.
const (
	Login     = "LOGIN"
	Plain     = "PLAIN"
	CramMD5   = "CRAM-MD5"
	DigestMD5 = "DIGEST-MD5"
	XOAuth2   = "XOAUTH2"
)

// ErrExchangeFailed is returned when a mechanism exchange does not
// produce credentials: malformed base64, wrong line count, cancelled
// exchange, or a failed digest verification.
var ErrExchangeFailed = errors.New("auth: exchange failed")

// Credentials are the username and secret produced by a mechanism
// exchange.
type Credentials struct {
	Username string
	Secret   string
}

// Exchange is the slice of the client connection a mechanism needs to
// drive its challenge/response rounds. Implemented by *server.Client.
type Exchange interface {
	ReadLine() (string, error)
	WriteContinuation(prompt string) error
}

// Authenticator runs one mechanism exchange with the client. parameters
// is the remainder of the AUTH command line after the mechanism name
// (the optional initial response). Mechanisms that verify a digest need
// the stored secret and return it in the credentials; for the cleartext
// mechanisms verification against the store is the command layer's job.
type Authenticator interface {
	Authenticate(parameters string, ex Exchange, st *store.MailboxStore) (*Credentials, error)
}

// Registry returns the default authenticator set, keyed by mechanism
// name. hostname is used in CRAM-MD5 and DIGEST-MD5 challenges.
func Registry(hostname string) map[string]Authenticator {
	return map[string]Authenticator{
		Login:     NewLogin(),
		Plain:     NewPlain(),
		CramMD5:   NewCramMD5(hostname),
		DigestMD5: NewDigestMD5(hostname),
		XOAuth2:   NewXOAuth2(),
	}
}

func decodeResponse(encoded string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(encoded)
}

func encodeChallenge(challenge []byte) string {
	return base64.StdEncoding.EncodeToString(challenge)
}

// runExchange drives a go-sasl server through the continuation protocol:
// challenges go out base64-encoded as continuation lines, responses come
// back base64-encoded. initial is the optional initial response from the
// AUTH command line. A client may cancel the exchange with "*".
func runExchange(srv sasl.Server, initial string, ex Exchange) error {
	var response []byte
	if initial != "" {
		raw, err := decodeResponse(initial)
		if err != nil {
			return ErrExchangeFailed
		}
		response = raw
	}
	for {
		challenge, done, err := srv.Next(response)
		if err != nil {
			return ErrExchangeFailed
		}
		if done {
			return nil
		}
		if err := ex.WriteContinuation(encodeChallenge(challenge)); err != nil {
			return err
		}
		line, err := ex.ReadLine()
		if err != nil {
			return err
		}
		if line == "*" {
			return ErrExchangeFailed
		}
		response, err = decodeResponse(line)
		if err != nil {
			return ErrExchangeFailed
		}
	}
}
