package auth

import (
	"github.com/emersion/go-sasl"

	"github.com/stubmail/stubmail/store"
)

// loginAuthenticator implements the LOGIN mechanism: the username and
// password are prompted one after the other, both base64-encoded. The
// go-sasl server produces the "Username:" and "Password:" challenges.
type loginAuthenticator struct{}

// NewLogin returns the LOGIN authenticator.
func NewLogin() Authenticator {
	return &loginAuthenticator{}
}

func (a *loginAuthenticator) Authenticate(parameters string, ex Exchange, st *store.MailboxStore) (*Credentials, error) {
	var creds *Credentials
	srv := sasl.NewLoginServer(func(username, password string) error {
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
