package smtp

import (
	"bufio"
	"crypto/hmac"
	"crypto/md5"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stubmail/stubmail/auth"
	"github.com/stubmail/stubmail/store"
)

// testClient is a thin SMTP protocol driver for roundtrip tests.
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func startServer(t *testing.T, st *store.MailboxStore, configure func(*Server)) *Server {
	t.Helper()
	srv := NewServer(st)
	if configure != nil {
		configure(srv)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Stop()
	})
	return srv
}

func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", srv.Port()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return newTestClient(t, conn)
}

func dialTLS(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := tls.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", srv.Port()), &tls.Config{
		InsecureSkipVerify: true,
	})
	if err != nil {
		t.Fatalf("dial TLS: %v", err)
	}
	return newTestClient(t, conn)
}

func newTestClient(t *testing.T, conn net.Conn) *testClient {
	t.Cleanup(func() {
		_ = conn.Close()
	})
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	return &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) readLine() string {
	c.t.Helper()
	line, err := c.r.ReadString('\n')
	if err != nil {
		c.t.Fatalf("read line: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func (c *testClient) send(line string) {
	c.t.Helper()
	if _, err := fmt.Fprintf(c.conn, "%s\r\n", line); err != nil {
		c.t.Fatalf("send %q: %v", line, err)
	}
}

func (c *testClient) expect(want string) {
	c.t.Helper()
	if got := c.readLine(); got != want {
		c.t.Fatalf("got %q, want %q", got, want)
	}
}

func twoUserStore() *store.MailboxStore {
	st := store.NewMailboxStore()
	st.AddMailbox("alice", "password", "alice@localhost")
	st.AddMailbox("bob", "secret", "bob@localhost")
	return st
}

func TestAuthPlainAndData(t *testing.T) {
	st := twoUserStore()
	srv := startServer(t, st, func(srv *Server) {
		if err := srv.SetAuthTypes(auth.Plain); err != nil {
			t.Fatalf("SetAuthTypes: %v", err)
		}
		srv.SetCommandEnabled("STARTTLS", false)
	})
	c := dial(t, srv)

	c.expect("220 localhost Service ready")

	c.send("EHLO localhost")
	c.expect("250-localhost Hello localhost")
	c.expect("250-AUTH PLAIN")
	c.expect("250 OK")

	c.send("AUTH PLAIN AGFsaWNlAHBhc3N3b3Jk")
	c.expect("235 2.7.0 Authentication succeeded")

	c.send("MAIL FROM:<alice@localhost>")
	c.expect("250 2.1.0 Ok")

	c.send("RCPT TO:<bob@localhost>")
	c.expect("250 2.1.5 Ok")

	c.send("DATA")
	c.expect("354 Send message, end with <CRLF>.<CRLF>")
	c.send("Subject: Hi")
	c.send("")
	c.send("Hello")
	c.send("..")
	c.send(".")
	c.expect("250 2.6.0 Message accepted")

	want := "Subject: Hi\r\n\r\nHello\r\n."
	messages := st.FindMailbox("bob").Messages()
	if len(messages) != 1 {
		t.Fatalf("bob has %d messages, want 1", len(messages))
	}
	if got := messages[0].Content(); got != want {
		t.Errorf("delivered content = %q, want %q", got, want)
	}
	if got := len(st.FindMailbox("alice").Messages()); got != 0 {
		t.Errorf("alice has %d messages, want 0", got)
	}
	if got := srv.Message(); got != want {
		t.Errorf("Message() = %q, want %q", got, want)
	}
}

func TestAuthenticationRequired(t *testing.T) {
	srv := startServer(t, twoUserStore(), func(srv *Server) {
		srv.SetAuthenticationRequired(true)
	})
	c := dial(t, srv)
	c.readLine()

	c.send("MAIL FROM:<x@y>")
	c.expect("530 5.7.0 Authentication required")
}

func TestHeloAndCommandResponses(t *testing.T) {
	srv := startServer(t, twoUserStore(), nil)
	c := dial(t, srv)
	c.readLine()

	c.send("HELO client.example")
	c.expect("250 localhost")

	c.send("NOOP")
	c.expect("250 2.0.0 Ok")

	c.send("VRFY alice@localhost")
	c.expect("252 2.5.0 Cannot verify user")

	c.send("STARTTLS")
	c.expect("454 4.7.0 TLS not available")

	c.send("RSET")
	c.expect("250 2.0.0 Ok")

	c.send("XYZZY")
	c.expect("500 5.5.2 Unknown command")

	c.send("QUIT")
	c.expect("221 2.0.0 Goodbye")
}

func TestEhloAdvertisesStartTLS(t *testing.T) {
	srv := startServer(t, twoUserStore(), nil)
	c := dial(t, srv)
	c.readLine()

	c.send("EHLO localhost")
	c.expect("250-localhost Hello localhost")
	c.expect("250-STARTTLS")
	c.expect("250 OK")
}

func TestBadSequenceOfCommands(t *testing.T) {
	srv := startServer(t, twoUserStore(), nil)
	c := dial(t, srv)
	c.readLine()

	c.send("RCPT TO:<bob@localhost>")
	c.expect("503 5.5.1 Bad sequence of commands")

	c.send("DATA")
	c.expect("503 5.5.1 Bad sequence of commands")

	c.send("MAIL FROM:<alice@localhost>")
	c.expect("250 2.1.0 Ok")

	c.send("MAIL FROM:<alice@localhost>")
	c.expect("503 5.5.1 Bad sequence of commands")
}

func TestMailSyntaxErrors(t *testing.T) {
	srv := startServer(t, twoUserStore(), nil)
	c := dial(t, srv)
	c.readLine()

	c.send("MAIL TO:<alice@localhost>")
	c.expect("501 5.5.4 Syntax error in parameters or arguments")

	c.send("RCPT FROM:<bob@localhost>")
	c.expect("501 5.5.4 Syntax error in parameters or arguments")
}

func TestRsetClearsEnvelope(t *testing.T) {
	srv := startServer(t, twoUserStore(), nil)
	c := dial(t, srv)
	c.readLine()

	c.send("MAIL FROM:<alice@localhost>")
	c.expect("250 2.1.0 Ok")
	c.send("RCPT TO:<bob@localhost>")
	c.expect("250 2.1.5 Ok")

	c.send("RSET")
	c.expect("250 2.0.0 Ok")

	c.send("DATA")
	c.expect("503 5.5.1 Bad sequence of commands")
}

func TestDeliveryToKnownRecipientsOnly(t *testing.T) {
	st := twoUserStore()
	srv := startServer(t, st, nil)
	c := dial(t, srv)
	c.readLine()

	c.send("MAIL FROM:<alice@localhost>")
	c.expect("250 2.1.0 Ok")
	c.send("RCPT TO:<bob@localhost>")
	c.expect("250 2.1.5 Ok")
	c.send("RCPT TO:<nobody@localhost>")
	c.expect("250 2.1.5 Ok")
	c.send("RCPT TO:<alice@localhost>")
	c.expect("250 2.1.5 Ok")

	c.send("DATA")
	c.expect("354 Send message, end with <CRLF>.<CRLF>")
	c.send("Hello")
	c.send(".")
	c.expect("250 2.6.0 Message accepted")

	if got := len(st.FindMailbox("bob").Messages()); got != 1 {
		t.Errorf("bob has %d messages, want 1", got)
	}
	if got := len(st.FindMailbox("alice").Messages()); got != 1 {
		t.Errorf("alice has %d messages, want 1", got)
	}
}

func TestAuthLogin(t *testing.T) {
	srv := startServer(t, twoUserStore(), func(srv *Server) {
		if err := srv.SetAuthTypes(auth.Login); err != nil {
			t.Fatalf("SetAuthTypes: %v", err)
		}
	})
	c := dial(t, srv)
	c.readLine()

	c.send("AUTH LOGIN")
	c.expect("334 VXNlcm5hbWU6")
	c.send(base64.StdEncoding.EncodeToString([]byte("alice")))
	c.expect("334 UGFzc3dvcmQ6")
	c.send(base64.StdEncoding.EncodeToString([]byte("password")))
	c.expect("235 2.7.0 Authentication succeeded")

	if got := srv.ActiveSession().Username(); got != "alice" {
		t.Errorf("authenticated username = %q, want alice", got)
	}
	if got := srv.ActiveSession().AuthType(); got != auth.Login {
		t.Errorf("auth type = %q, want LOGIN", got)
	}
}

func TestAuthCramMD5(t *testing.T) {
	srv := startServer(t, twoUserStore(), func(srv *Server) {
		if err := srv.SetAuthTypes(auth.CramMD5); err != nil {
			t.Fatalf("SetAuthTypes: %v", err)
		}
	})
	c := dial(t, srv)
	c.readLine()

	c.send("AUTH CRAM-MD5")
	prompt := c.readLine()
	challenge, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(prompt, "334 "))
	if err != nil {
		t.Fatalf("challenge is not base64: %v", err)
	}

	mac := hmac.New(md5.New, []byte("password"))
	mac.Write(challenge)
	digest := hex.EncodeToString(mac.Sum(nil))
	c.send(base64.StdEncoding.EncodeToString([]byte("alice " + digest)))
	c.expect("235 2.7.0 Authentication succeeded")
}

func TestAuthFailures(t *testing.T) {
	srv := startServer(t, twoUserStore(), func(srv *Server) {
		if err := srv.SetAuthTypes(auth.Plain); err != nil {
			t.Fatalf("SetAuthTypes: %v", err)
		}
	})
	c := dial(t, srv)
	c.readLine()

	// wrong password
	c.send("AUTH PLAIN " + base64.StdEncoding.EncodeToString([]byte("\x00alice\x00wrong")))
	c.expect("535 5.7.8 Authentication failed")

	// mechanism not enabled
	c.send("AUTH LOGIN")
	c.expect("504 5.5.4 Unrecognized authentication type")

	// malformed base64
	c.send("AUTH PLAIN !!!")
	c.expect("535 5.7.8 Authentication failed")
}

func TestImplicitTLS(t *testing.T) {
	srv := startServer(t, twoUserStore(), func(srv *Server) {
		srv.SetUseSSL(true)
		if err := srv.SetSSLProtocol("TLSv1.2"); err != nil {
			t.Fatalf("SetSSLProtocol: %v", err)
		}
	})
	c := dialTLS(t, srv)

	c.expect("220 localhost Service ready")

	c.send("EHLO localhost")
	c.expect("250-localhost Hello localhost")
	c.expect("250 OK")

	sess := srv.ActiveSession()
	if sess == nil {
		t.Fatal("no active session")
	}
	if got := sess.TLSProtocol(); got != "TLS 1.2" {
		t.Errorf("TLSProtocol() = %q, want TLS 1.2", got)
	}
	if sess.CipherSuite() == "" {
		t.Error("CipherSuite() is empty")
	}

	c.send("QUIT")
	c.expect("221 2.0.0 Goodbye")
}

func TestSessionHistory(t *testing.T) {
	srv := startServer(t, twoUserStore(), nil)
	c := dial(t, srv)
	c.readLine()

	c.send("HELO localhost")
	c.expect("250 localhost")
	c.send("MAIL FROM:<alice@localhost>")
	c.expect("250 2.1.0 Ok")
	c.send("BOGUS")
	c.expect("500 5.5.2 Unknown command")
	c.send("QUIT")
	c.expect("221 2.0.0 Goodbye")

	sessions := srv.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}

	var history []string
	for _, cmd := range sessions[0].CommandHistory() {
		history = append(history, cmd.String())
	}
	want := []string{"HELO localhost", "MAIL FROM:<alice@localhost>", "QUIT"}
	if len(history) != len(want) {
		t.Fatalf("history = %v, want %v", history, want)
	}
	for i := range want {
		if history[i] != want[i] {
			t.Errorf("history[%d] = %q, want %q", i, history[i], want[i])
		}
	}
}

func TestSequentialConnections(t *testing.T) {
	st := twoUserStore()
	srv := startServer(t, st, nil)

	for i := 0; i < 2; i++ {
		c := dial(t, srv)
		c.readLine()
		c.send("MAIL FROM:<alice@localhost>")
		c.expect("250 2.1.0 Ok")
		c.send("RCPT TO:<bob@localhost>")
		c.expect("250 2.1.5 Ok")
		c.send("DATA")
		c.expect("354 Send message, end with <CRLF>.<CRLF>")
		c.send(fmt.Sprintf("message %d", i))
		c.send(".")
		c.expect("250 2.6.0 Message accepted")
		c.send("QUIT")
		c.expect("221 2.0.0 Goodbye")
	}

	if got := len(st.FindMailbox("bob").Messages()); got != 2 {
		t.Errorf("bob has %d messages, want 2", got)
	}
	if got := len(srv.Sessions()); got != 2 {
		t.Errorf("got %d sessions, want 2", got)
	}
}
