// Package emailingest implements the email ingester (C10): a minimal
// IMAP4rev1 client that polls a folder, resolves or opens conversations,
// and hands received messages to the message engine.
package emailingest

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// ErrNotConfigured mirrors the teacher's JMAP client: a ingester built
// against an empty config is a valid, inert no-op rather than an error.
var ErrNotConfigured = errors.New("imap client not configured")

// RawMessage is one fetched, unparsed email plus the UID it was fetched at.
type RawMessage struct {
	UID  uint32
	Data []byte
}

// Client is a bare IMAP4rev1 client: connect, login, select a folder, and
// fetch messages with a UID greater than a high-water mark (spec §4.10
// "resumable polling via UID"). It speaks just enough of RFC 3501 to
// support that one access pattern; it is not a general-purpose library.
type Client struct {
	host string
	port int
	tls  bool
	user string
	pass string

	conn net.Conn
	tp   *textproto.Conn
	tag  int
}

func NewClient(host string, port int, useTLS bool, user, pass string) (*Client, error) {
	if host == "" || user == "" {
		return nil, ErrNotConfigured
	}
	return &Client{host: host, port: port, tls: useTLS, user: user, pass: pass}, nil
}

func (c *Client) nextTag() string {
	c.tag++
	return fmt.Sprintf("a%03d", c.tag)
}

// Dial opens the connection, performs the greeting read, LOGIN, and returns
// with the connection idle at the authenticated state.
func (c *Client) Dial(timeout time.Duration) error {
	addr := net.JoinHostPort(c.host, strconv.Itoa(c.port))
	dialer := net.Dialer{Timeout: timeout}
	var conn net.Conn
	var err error
	if c.tls {
		conn, err = tls.DialWithDialer(&dialer, "tcp", addr, &tls.Config{ServerName: c.host})
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("imap dial: %w", err)
	}
	c.conn = conn
	c.tp = textproto.NewConn(conn)

	if _, err := c.tp.ReadLine(); err != nil { // server greeting, e.g. "* OK IMAP4rev1 ready"
		c.Close()
		return fmt.Errorf("imap greeting: %w", err)
	}
	if err := c.login(); err != nil {
		c.Close()
		return err
	}
	return nil
}

func (c *Client) Close() error {
	if c.tp != nil {
		return c.tp.Close()
	}
	return nil
}

func (c *Client) login() error {
	tag := c.nextTag()
	cmd := fmt.Sprintf("%s LOGIN %s %s", tag, quoteIMAP(c.user), quoteIMAP(c.pass))
	_, lines, err := c.command(tag, cmd)
	if err != nil {
		return fmt.Errorf("imap login: %w", err)
	}
	if !strings.HasPrefix(lines[len(lines)-1], tag+" OK") {
		return fmt.Errorf("imap login rejected")
	}
	return nil
}

// Select opens folder in read-write mode and returns the number of existing
// messages, per the untagged "* N EXISTS" response.
func (c *Client) Select(folder string) (int, error) {
	tag := c.nextTag()
	cmd := fmt.Sprintf("%s SELECT %s", tag, quoteIMAP(folder))
	_, lines, err := c.command(tag, cmd)
	if err != nil {
		return 0, fmt.Errorf("imap select: %w", err)
	}
	exists := 0
	for _, line := range lines {
		var n int
		if _, err := fmt.Sscanf(line, "* %d EXISTS", &n); err == nil {
			exists = n
		}
	}
	return exists, nil
}

// FetchSinceUID fetches full RFC822 bodies for every message with
// UID > sinceUID, in ascending UID order, using a single UID FETCH range
// command (spec §4.10 "fetch only new mail since the last cursor").
func (c *Client) FetchSinceUID(sinceUID uint32) ([]RawMessage, uint32, error) {
	tag := c.nextTag()
	seq := fmt.Sprintf("%d:*", sinceUID+1)
	cmd := fmt.Sprintf("%s UID FETCH %s (UID RFC822)", tag, seq)
	_, lines, err := c.commandRaw(tag, cmd)
	if err != nil {
		return nil, sinceUID, fmt.Errorf("imap fetch: %w", err)
	}
	msgs, maxUID, err := parseFetchResponse(lines, sinceUID)
	if err != nil {
		return nil, sinceUID, err
	}
	return msgs, maxUID, nil
}

// command issues cmd, terminated by the protocol's CRLF, and collects lines
// up to and including the tagged completion response.
func (c *Client) command(tag, cmd string) (string, []string, error) {
	if err := c.tp.PrintfLine("%s", cmd); err != nil {
		return "", nil, err
	}
	var lines []string
	for {
		line, err := c.tp.ReadLine()
		if err != nil {
			return "", nil, err
		}
		lines = append(lines, line)
		if strings.HasPrefix(line, tag+" ") {
			break
		}
	}
	return tag, lines, nil
}

// commandRaw is like command but reads literals ({N}) verbatim rather than
// line-by-line, required for FETCH responses carrying raw message bytes.
func (c *Client) commandRaw(tag, cmd string) (string, []string, error) {
	if err := c.tp.PrintfLine("%s", cmd); err != nil {
		return "", nil, err
	}
	r := bufio.NewReader(c.tp.R)
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if n, ok := literalSize(line); ok {
			buf := make([]byte, n)
			if _, err := readFull(r, buf); err != nil {
				return "", nil, err
			}
			lines = append(lines, line, string(buf))
			continue
		}
		lines = append(lines, line)
		if strings.HasPrefix(line, tag+" ") {
			break
		}
	}
	return tag, lines, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// literalSize extracts N from a trailing "{N}" IMAP literal marker.
func literalSize(line string) (int, bool) {
	idx := strings.LastIndexByte(line, '{')
	if idx == -1 || !strings.HasSuffix(line, "}") {
		return 0, false
	}
	n, err := strconv.Atoi(line[idx+1 : len(line)-1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseFetchResponse pulls UID/body pairs out of the raw FETCH lines. Server
// responses look like:
//
//	* 12 FETCH (UID 42 RFC822 {1234}
//	<1234 raw bytes>
//	)
func parseFetchResponse(lines []string, sinceUID uint32) ([]RawMessage, uint32, error) {
	var msgs []RawMessage
	maxUID := sinceUID
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if !strings.HasPrefix(line, "* ") || !strings.Contains(line, "FETCH") {
			continue
		}
		uid, ok := extractUID(line)
		if !ok {
			continue
		}
		if i+1 >= len(lines) {
			continue
		}
		body := lines[i+1]
		i++
		msgs = append(msgs, RawMessage{UID: uid, Data: []byte(body)})
		if uid > maxUID {
			maxUID = uid
		}
	}
	return msgs, maxUID, nil
}

func extractUID(line string) (uint32, bool) {
	idx := strings.Index(line, "UID ")
	if idx == -1 {
		return 0, false
	}
	rest := line[idx+len("UID "):]
	end := strings.IndexByte(rest, ' ')
	if end == -1 {
		return 0, false
	}
	n, err := strconv.ParseUint(rest[:end], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

func quoteIMAP(s string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
	return `"` + escaped + `"`
}
