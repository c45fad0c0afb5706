package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/stubmail/stubmail/store"
)

// cramMD5Authenticator implements CRAM-MD5 (RFC 2195). The server sends
// a one-time challenge of the form <nonce@hostname>; the client answers
// with "username hex(HMAC-MD5(secret, challenge))". The digest is
// verified against the stored secret for that username.
type cramMD5Authenticator struct {
	hostname string
}

// NewCramMD5 returns the CRAM-MD5 authenticator. hostname appears in the
// generated challenges.
func NewCramMD5(hostname string) Authenticator {
	return &cramMD5Authenticator{hostname: hostname}
}

func (a *cramMD5Authenticator) Authenticate(parameters string, ex Exchange, st *store.MailboxStore) (*Credentials, error) {
	// CRAM-MD5 has no initial response
	if parameters != "" {
		return nil, ErrExchangeFailed
	}

	challenge, err := a.newChallenge()
	if err != nil {
		return nil, err
	}
	if err := ex.WriteContinuation(encodeChallenge([]byte(challenge))); err != nil {
		return nil, err
	}

	line, err := ex.ReadLine()
	if err != nil {
		return nil, err
	}
	raw, err := decodeResponse(line)
	if err != nil {
		return nil, ErrExchangeFailed
	}

	username, digest, ok := strings.Cut(string(raw), " ")
	if !ok || username == "" || digest == "" {
		return nil, ErrExchangeFailed
	}

	mailbox := st.FindMailbox(username)
	if mailbox == nil {
		return nil, ErrExchangeFailed
	}
	if !verifyDigest(mailbox.Secret(), challenge, digest) {
		return nil, ErrExchangeFailed
	}

	return &Credentials{Username: username, Secret: mailbox.Secret()}, nil
}

func (a *cramMD5Authenticator) newChallenge() (string, error) {
	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return fmt.Sprintf("<%s@%s>", hex.EncodeToString(nonce), a.hostname), nil
}

func verifyDigest(secret, challenge, digest string) bool {
	mac := hmac.New(md5.New, []byte(secret))
	mac.Write([]byte(challenge))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(digest))
}
