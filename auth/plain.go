package auth

import (
	"github.com/emersion/go-sasl"

	"github.com/stubmail/stubmail/store"
)

// plainAuthenticator implements the PLAIN mechanism (RFC 4616). The
// response is a single base64 line of authzid\0authcid\0password; the
// authcid and password become the credentials.
type plainAuthenticator struct{}

// NewPlain returns the PLAIN authenticator.
func NewPlain() Authenticator {
	return &plainAuthenticator{}
}

func (a *plainAuthenticator) Authenticate(parameters string, ex Exchange, st *store.MailboxStore) (*Credentials, error) {
	var creds *Credentials
	srv := sasl.NewPlainServer(func(identity, username, password string) error {
		creds = &Credentials{Username: username, Secret: password}
		return nil
	})
	if err := runExchange(srv, parameters, ex); err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, ErrExchangeFailed
	}
	return creds, nil
}
