// Package stream sends G-code to the console's Telnet shell one line at a
// time, waiting for each line to be acknowledged before the next.
package stream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ziutek/telnet"
)

// Telnet bytes for the prompt option
const (
	iac       = 255
	do        = 253
	dont      = 254
	optPrompt = 0x55

	prompt = "> "
)

// ErrRejected is returned when the machine answers a line with an error
var ErrRejected = errors.New("line rejected")

// Client is a connection to the Telnet shell
type Client struct {
	conn    *telnet.Conn
	timeout time.Duration
}

// Dial connects to addr and waits for the first prompt. timeout bounds the
// connect and every reply.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := telnet.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	c := &Client{conn: conn, timeout: timeout}
	if err := c.deadline(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.SkipUntil(prompt); err != nil {
		conn.Close()
		return nil, fmt.Errorf("wait for prompt: %w", err)
	}
	return c, nil
}

func (c *Client) deadline() error {
	return c.conn.SetReadDeadline(time.Now().Add(c.timeout))
}

// raw writes bytes past the telnet layer, which would escape IAC
func (c *Client) raw(b ...byte) error {
	_, err := c.conn.Conn.Write(b)
	return err
}

// Prompts switches the shell prompt on or off for this connection
func (c *Client) Prompts(on bool) error {
	if on {
		return c.raw(iac, do, optPrompt)
	}
	return c.raw(iac, dont, optPrompt)
}

// Send writes one command and returns its reply lines. The last line is
// the one starting with ok, !! or error.
func (c *Client) Send(line string) ([]string, error) {
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	var reply []string
	for {
		if err := c.deadline(); err != nil {
			return reply, err
		}
		s, err := c.conn.ReadString('\n')
		if err != nil {
			return reply, fmt.Errorf("read reply to %q: %w", line, err)
		}
		s = strings.TrimRight(s, "\r\n")
		for strings.HasPrefix(s, prompt) {
			s = s[len(prompt):]
		}
		if s == "" {
			continue
		}
		reply = append(reply, s)
		switch {
		case strings.HasPrefix(s, "ok"):
			return reply, nil
		case strings.HasPrefix(s, "!!"), strings.HasPrefix(s, "error"):
			return reply, fmt.Errorf("%w: %s: %s", ErrRejected, line, s)
		}
	}
}

// Clean strips comments and surrounding space from a G-code line
func Clean(line string) string {
	if i := strings.IndexAny(line, ";("); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

// Stream sends every G-code line of r with prompts switched off. Blank and
// comment lines are skipped. progress, when set, is called after each
// acknowledged line. It returns the number of lines sent.
func (c *Client) Stream(r io.Reader, progress func(n int, line string)) (int, error) {
	if err := c.Prompts(false); err != nil {
		return 0, err
	}

	sent := 0
	sc := bufio.NewScanner(r)
	for lineNo := 1; sc.Scan(); lineNo++ {
		line := Clean(sc.Text())
		if line == "" {
			continue
		}
		if _, err := c.Send(line); err != nil {
			return sent, fmt.Errorf("line %d: %w", lineNo, err)
		}
		sent++
		if progress != nil {
			progress(sent, line)
		}
	}
	if err := sc.Err(); err != nil {
		return sent, err
	}
	return sent, c.Prompts(true)
}

// Close leaves the shell and closes the connection
func (c *Client) Close() error {
	c.conn.Write([]byte("exit\n"))
	return c.conn.Close()
}

// Interact copies lines from in to the shell and everything the shell
// prints to out until in ends or the connection closes.
func (c *Client) Interact(in io.Reader, out io.Writer) error {
	c.conn.SetReadDeadline(time.Time{})
	errc := make(chan error, 1)
	go func() {
		_, err := io.Copy(out, c.conn)
		errc <- err
	}()

	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if _, err := c.conn.Write([]byte(sc.Text() + "\n")); err != nil {
			return err
		}
	}
	if err := c.Close(); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, io.EOF) && !isClosed(err) {
		return err
	}
	return nil
}

func isClosed(err error) bool {
	return strings.Contains(err.Error(), "use of closed network connection")
}
