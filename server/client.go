package server

import (
	"bufio"
	"net"
	"strings"
	"sync"
)

// Log is the communication log of a connection. Both directions are
// recorded for post-test inspection: client lines with a "C: " prefix,
// server lines with "S: ". Safe for concurrent reads from harness
// threads while the worker appends.
type Log struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (l *Log) append(prefix, line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.WriteString(prefix)
	l.buf.WriteString(line)
	l.buf.WriteString("\n")
}

func (l *Log) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Reset()
}

// String returns the log contents so far.
func (l *Log) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

// Client frames CRLF-terminated lines over a connection and records both
// directions in the session log. Lines are ASCII; message content passes
// through 8-bit clean.
type Client struct {
	conn         net.Conn
	reader       *bufio.Reader
	writer       *bufio.Writer
	log          *Log
	continuation string
}

// NewClient wraps a connection. continuation is the protocol's
// authentication continuation prefix ("+" for POP3, "334" for SMTP).
func NewClient(conn net.Conn, log *Log, continuation string) *Client {
	return &Client{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		writer:       bufio.NewWriter(conn),
		log:          log,
		continuation: continuation,
	}
}

// ReadLine reads the next CRLF-terminated line, without the terminator.
// Returns io.EOF when the client has closed the connection.
func (c *Client) ReadLine() (string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	c.log.append("C: ", line)
	return line, nil
}

// WriteLine writes the line followed by CRLF and flushes.
func (c *Client) WriteLine(line string) error {
	if _, err := c.writer.WriteString(line + "\r\n"); err != nil {
		return err
	}
	if err := c.writer.Flush(); err != nil {
		return err
	}
	c.log.append("S: ", line)
	return nil
}

// WriteContinuation writes an authentication continuation prompt:
// "334 <prompt>" for SMTP, "+ <prompt>" for POP3. The prompt may be
// empty, leaving the bare prefix and a trailing space.
func (c *Client) WriteContinuation(prompt string) error {
	return c.WriteLine(c.continuation + " " + prompt)
}
