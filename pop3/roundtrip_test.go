package pop3

import (
	"bufio"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/stubmail/stubmail/auth"
	"github.com/stubmail/stubmail/server"
	"github.com/stubmail/stubmail/store"
)

// testClient is a thin POP3 protocol driver for roundtrip tests.
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

func (c *testClient) login(username, password string) {
	c.t.Helper()
	c.send("USER " + username)
	c.expect("+OK User accepted")
	c.send("PASS " + password)
	c.expect("+OK Logged in")
}

func twoMessageStore() *store.MailboxStore {
	st := store.NewMailboxStore()
	mb := st.AddMailbox("alice", "pw", "alice@localhost")
	mb.AddMessage("A")
	mb.AddMessage("B")
	return st
}

func TestUserPassListRetrDeleQuit(t *testing.T) {
	st := twoMessageStore()
	srv := startServer(t, st, nil)
	c := dial(t, srv)

	banner := c.readLine()
	if !strings.HasPrefix(banner, "+OK POP3 server ready <") {
		t.Fatalf("unexpected banner: %q", banner)
	}

	c.login("alice", "pw")

	c.send("STAT")
	c.expect("+OK 2 2")

	c.send("LIST")
	c.expect("+OK 2 messages")
	c.expect("1 1")
	c.expect("2 1")
	c.expect(".")

	c.send("RETR 1")
	c.expect("+OK 1 octets")
	c.expect("A")
	c.expect(".")

	c.send("DELE 1")
	c.expect("+OK")

	c.send("STAT")
	c.expect("+OK 1 1")

	c.send("QUIT")
	c.expect("+OK Goodbye")

	messages := st.FindMailbox("alice").Messages()
	if len(messages) != 1 || messages[0].Content() != "B" {
		t.Fatalf("mailbox after QUIT = %v, want only B", messages)
	}
}

func TestRsetRestoresDeletedMessages(t *testing.T) {
	st := twoMessageStore()
	srv := startServer(t, st, nil)
	c := dial(t, srv)
	c.readLine()

	c.login("alice", "pw")

	c.send("DELE 1")
	c.expect("+OK")
	c.send("STAT")
	c.expect("+OK 1 1")

	c.send("RSET")
	c.expect("+OK")
	c.send("STAT")
	c.expect("+OK 2 2")

	c.send("QUIT")
	c.expect("+OK Goodbye")

	if got := len(st.FindMailbox("alice").Messages()); got != 2 {
		t.Fatalf("mailbox has %d messages after QUIT, want 2", got)
	}
}

func TestTop(t *testing.T) {
	st := store.NewMailboxStore()
	st.AddMailbox("alice", "pw", "alice@localhost").AddMessage("L1\r\nL2\r\nL3")
	srv := startServer(t, st, nil)
	c := dial(t, srv)
	c.readLine()

	c.login("alice", "pw")

	c.send("TOP 1 2")
	c.expect("+OK")
	c.expect("L1")
	c.expect("L2")
	c.expect(".")
}

func TestUidl(t *testing.T) {
	st := twoMessageStore()
	srv := startServer(t, st, nil)
	c := dial(t, srv)
	c.readLine()

	c.login("alice", "pw")

	uidA := md5hex("A")
	uidB := md5hex("B")

	c.send("UIDL")
	c.expect("+OK")
	c.expect("1 " + uidA)
	c.expect("2 " + uidB)
	c.expect(".")

	c.send("UIDL 2")
	c.expect("+OK 2 " + uidB)

	c.send("UIDL 3")
	c.expect("-ERR No such message")
}

func TestApop(t *testing.T) {
	st := twoMessageStore()
	srv := startServer(t, st, func(srv *Server) {
		srv.SetClock(clockwork.NewFakeClockAt(time.UnixMilli(1234567)))
	})
	c := dial(t, srv)

	banner := c.readLine()
	timestamp := strings.TrimPrefix(banner, "+OK POP3 server ready ")
	if !strings.Contains(timestamp, ".1234567@localhost>") {
		t.Fatalf("timestamp = %q, want fake clock millis", timestamp)
	}

	// wrong digest is rejected and the session stays in AUTHORIZATION
	c.send("APOP alice 0123456789abcdef0123456789abcdef")
	c.expect("-ERR Authentication failed")

	c.send("APOP alice " + md5hex(timestamp+"pw"))
	c.expect("+OK Authentication successful")

	c.send("STAT")
	c.expect("+OK 2 2")

	if got := srv.ActiveSession().Username(); got != "alice" {
		t.Errorf("authenticated username = %q, want alice", got)
	}
}

func TestAuthPlain(t *testing.T) {
	st := twoMessageStore()
	srv := startServer(t, st, func(srv *Server) {
		if err := srv.SetAuthTypes(auth.Plain); err != nil {
			t.Fatalf("SetAuthTypes: %v", err)
		}
	})
	c := dial(t, srv)
	c.readLine()

	c.send("AUTH PLAIN")
	c.expect("+ ")
	c.send(base64.StdEncoding.EncodeToString([]byte("\x00alice\x00pw")))
	c.expect("+OK Authentication successful")

	c.send("STAT")
	c.expect("+OK 2 2")
}

func TestAuthUnsupportedMechanism(t *testing.T) {
	srv := startServer(t, twoMessageStore(), nil)
	c := dial(t, srv)
	c.readLine()

	c.send("AUTH PLAIN AGFsaWNlAHB3")
	c.expect("-ERR Unrecognized authentication type")
}

func TestCapaReflectsConfiguration(t *testing.T) {
	srv := startServer(t, twoMessageStore(), func(srv *Server) {
		if err := srv.SetAuthTypes(auth.Plain, auth.Login); err != nil {
			t.Fatalf("SetAuthTypes: %v", err)
		}
		srv.SetCommandEnabled("TOP", false)
	})
	c := dial(t, srv)
	c.readLine()

	c.send("CAPA")
	c.expect("+OK Capability list follows")
	c.expect("USER")
	c.expect("UIDL")
	c.expect("SASL PLAIN LOGIN")
	c.expect(".")
}

func TestUnknownAndDisabledCommands(t *testing.T) {
	srv := startServer(t, twoMessageStore(), func(srv *Server) {
		srv.SetCommandEnabled("UIDL", false)
	})
	c := dial(t, srv)
	c.readLine()

	c.send("XYZZY")
	c.expect("-ERR Unknown command")

	c.send("UIDL")
	c.expect("-ERR Disabled command")
}

func TestCommandsRejectedOutsideTransaction(t *testing.T) {
	srv := startServer(t, twoMessageStore(), nil)
	c := dial(t, srv)
	c.readLine()

	for _, verb := range []string{"STAT", "LIST", "RETR 1", "DELE 1", "TOP 1 1", "NOOP", "RSET"} {
		c.send(verb)
		c.expect("-ERR Command not valid in this state")
	}
}

func TestWrongPasswordKeepsAuthorizationState(t *testing.T) {
	srv := startServer(t, twoMessageStore(), nil)
	c := dial(t, srv)
	c.readLine()

	c.send("USER alice")
	c.expect("+OK User accepted")
	c.send("PASS wrong")
	c.expect("-ERR Authentication failed")

	// still possible to authenticate
	c.login("alice", "pw")
	c.send("STAT")
	c.expect("+OK 2 2")
}

func TestDotStuffedRetrieval(t *testing.T) {
	st := store.NewMailboxStore()
	st.AddMailbox("alice", "pw", "alice@localhost").AddMessage(".hidden\r\nvisible")
	srv := startServer(t, st, nil)
	c := dial(t, srv)
	c.readLine()

	c.login("alice", "pw")

	c.send("RETR 1")
	c.expect("+OK 16 octets")
	c.expect("..hidden")
	c.expect("visible")
	c.expect(".")
}

func TestDeleTwiceFails(t *testing.T) {
	srv := startServer(t, twoMessageStore(), nil)
	c := dial(t, srv)
	c.readLine()

	c.login("alice", "pw")

	c.send("DELE 1")
	c.expect("+OK")
	c.send("DELE 1")
	c.expect("-ERR Message already deleted")
	c.send("RETR 1")
	c.expect("-ERR No such message")
	c.send("LIST 1")
	c.expect("-ERR No such message")
}

func TestSessionHistoryAndLog(t *testing.T) {
	srv := startServer(t, twoMessageStore(), nil)
	c := dial(t, srv)
	c.readLine()

	c.send("USER alice")
	c.expect("+OK User accepted")
	c.send("BOGUS")
	c.expect("-ERR Unknown command")
	c.send("NOOP")
	c.expect("-ERR Command not valid in this state")

	sessions := srv.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}

	// only successfully parsed commands appear in the history
	var history []string
	for _, cmd := range sessions[0].CommandHistory() {
		history = append(history, cmd.String())
	}
	want := []string{"USER alice", "NOOP"}
	if len(history) != len(want) || history[0] != want[0] || history[1] != want[1] {
		t.Errorf("history = %v, want %v", history, want)
	}

	log := srv.Log()
	for _, entry := range []string{"C: USER alice\n", "S: +OK User accepted\n", "C: BOGUS\n", "S: -ERR Unknown command\n"} {
		if !strings.Contains(log, entry) {
			t.Errorf("log is missing %q:\n%s", entry, log)
		}
	}
}

func TestStopWhileListening(t *testing.T) {
	srv := startServer(t, twoMessageStore(), nil)
	port := srv.Port()
	if port == 0 {
		t.Fatal("expected ephemeral port to be bound")
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second); err == nil {
		t.Fatal("listener still accepting after Stop")
	}
}

// xpingCommand is a custom verb registered by the harness.
type xpingCommand struct{}

func (c *xpingCommand) String() string { return "XPING" }

func (c *xpingCommand) Execute(srv *Server, sess *Session, client *server.Client) error {
	return client.WriteLine("+OK pong")
}

func TestCustomCommandRegistration(t *testing.T) {
	srv := startServer(t, twoMessageStore(), func(srv *Server) {
		srv.AddCommand("XPING", func(parameters string) (Command, error) {
			return &xpingCommand{}, nil
		})
	})
	c := dial(t, srv)
	c.readLine()

	c.send("XPING")
	c.expect("+OK pong")

	srv.RemoveCommand("XPING")
	c.send("XPING")
	c.expect("-ERR Unknown command")
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
