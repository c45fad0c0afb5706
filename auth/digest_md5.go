package auth

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/stubmail/stubmail/store"
)

// digestMD5Authenticator implements a server-side subset of DIGEST-MD5
// (RFC 2831): qop=auth, algorithm=md5-sess, single realm. The exchange
// is challenge -> digest-response -> rspauth -> empty final response.
type digestMD5Authenticator struct {
	hostname string
}

// NewDigestMD5 returns the DIGEST-MD5 authenticator. hostname is used as
// the realm.
func NewDigestMD5(hostname string) Authenticator {
	return &digestMD5Authenticator{hostname: hostname}
}

func (a *digestMD5Authenticator) Authenticate(parameters string, ex Exchange, st *store.MailboxStore) (*Credentials, error) {
	// DIGEST-MD5 has no initial response
	if parameters != "" {
		return nil, ErrExchangeFailed
	}

	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	challenge := fmt.Sprintf(
		"realm=%q,nonce=%q,qop=\"auth\",charset=utf-8,algorithm=md5-sess",
		a.hostname, nonce,
	)
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
	fields := parseDigestResponse(string(raw))

	username := fields["username"]
	cnonce := fields["cnonce"]
	nc := fields["nc"]
	digestURI := fields["digest-uri"]
	response := fields["response"]
	if username == "" || cnonce == "" || nc == "" || response == "" {
		return nil, ErrExchangeFailed
	}
	if fields["nonce"] != nonce {
		return nil, ErrExchangeFailed
	}
	if qop := fields["qop"]; qop != "" && qop != "auth" {
		return nil, ErrExchangeFailed
	}

	mailbox := st.FindMailbox(username)
	if mailbox == nil {
		return nil, ErrExchangeFailed
	}
	secret := mailbox.Secret()
	realm := fields["realm"]

	expected := digestResponse(username, realm, secret, nonce, cnonce, nc, "AUTHENTICATE:"+digestURI)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(response)) != 1 {
		return nil, ErrExchangeFailed
	}

	// mutual authentication step: send rspauth, expect an empty response
	rspauth := digestResponse(username, realm, secret, nonce, cnonce, nc, ":"+digestURI)
	if err := ex.WriteContinuation(encodeChallenge([]byte("rspauth=" + rspauth))); err != nil {
		return nil, err
	}
	final, err := ex.ReadLine()
	if err != nil {
		return nil, err
	}
	if final != "" && final != "=" {
		return nil, ErrExchangeFailed
	}

	return &Credentials{Username: username, Secret: secret}, nil
}

func newNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// digestResponse computes the RFC 2831 response value for algorithm
// md5-sess and qop=auth. a2 is the A2 string including its method prefix
// ("AUTHENTICATE:uri" for the request, ":uri" for rspauth).
func digestResponse(username, realm, secret, nonce, cnonce, nc, a2 string) string {
	urp := md5.Sum([]byte(username + ":" + realm + ":" + secret))
	a1 := append(urp[:], []byte(":"+nonce+":"+cnonce)...)
	ha1 := hexMD5(a1)
	ha2 := hexMD5([]byte(a2))
	return hexMD5([]byte(ha1 + ":" + nonce + ":" + nc + ":" + cnonce + ":auth:" + ha2))
}

func hexMD5(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// parseDigestResponse splits a digest-response into its key=value pairs.
// Values may be quoted; commas inside quoted values are preserved.
func parseDigestResponse(s string) map[string]string {
	fields := make(map[string]string)
	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(s[:eq])
		s = s[eq+1:]

		var value string
		if strings.HasPrefix(s, "\"") {
			s = s[1:]
			end := strings.IndexByte(s, '"')
			if end < 0 {
				break
			}
			value = s[:end]
			s = s[end+1:]
			s = strings.TrimPrefix(s, ",")
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				value = s
				s = ""
			} else {
				value = s[:end]
				s = s[end+1:]
			}
		}
		fields[strings.ToLower(key)] = value
	}
	return fields
}
