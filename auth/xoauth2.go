package auth

import (
	"strings"

	"github.com/stubmail/stubmail/store"
)

// xoauth2Authenticator implements the XOAUTH2 mechanism. The response is
// a single base64 line of "user=<u>\x01auth=Bearer <token>\x01\x01"; the
// token is treated as the secret for comparison against the store.
type xoauth2Authenticator struct{}

// NewXOAuth2 returns the XOAUTH2 authenticator.
func NewXOAuth2() Authenticator {
	return &xoauth2Authenticator{}
}

func (a *xoauth2Authenticator) Authenticate(parameters string, ex Exchange, st *store.MailboxStore) (*Credentials, error) {
	if parameters == "" {
		if err := ex.WriteContinuation(""); err != nil {
			return nil, err
		}
		line, err := ex.ReadLine()
		if err != nil {
			return nil, err
		}
		parameters = line
	}

	raw, err := decodeResponse(parameters)
	if err != nil {
		return nil, ErrExchangeFailed
	}

	response := string(raw)
	if !strings.HasSuffix(response, "\x01\x01") {
		return nil, ErrExchangeFailed
	}
	parts := strings.Split(strings.TrimSuffix(response, "\x01\x01"), "\x01")
	if len(parts) != 2 {
		return nil, ErrExchangeFailed
	}

	username, ok := strings.CutPrefix(parts[0], "user=")
	if !ok || username == "" {
		return nil, ErrExchangeFailed
	}
	token, ok := strings.CutPrefix(parts[1], "auth=Bearer ")
	if !ok || token == "" {
		return nil, ErrExchangeFailed
	}

	return &Credentials{Username: username, Secret: token}, nil
}
