// Package session represents a single chat connection: a net.Conn
// framed as newline-delimited UTF-8 lines, plus the Message values that
// travel over it.
//
// A Conn is owned by exactly one session (server or client).  Reads
// and writes may run on different goroutines, but each direction must
// have a single user at a time.
package session

import (
	"bufio"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"

	ncerr "dennis/internal/errors"
	"dennis/util"
)

// MaxLineSize bounds a single inbound line, excluding its terminator.
// A longer line is skipped up to its newline and reported as
// [ncerr.ErrLineTooLong]; the connection stays usable.
const MaxLineSize = 1 << 20

// Conn is a line-framed connection.
type Conn struct {
	ID     string
	Logger *util.Logger

	raw    net.Conn
	reader *bufio.Reader
	remote string

	wmu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// New wraps conn.  The returned Conn's logger is tagged with a short
// connection ID so the lines of concurrent sessions can be told apart.
func New(conn net.Conn, logger *util.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		ID:     id,
		Logger: logger.With("conn=" + id[:8]),
		raw:    conn,
		reader: bufio.NewReader(conn),
		remote: conn.RemoteAddr().String(),
	}
}

// RemoteAddr returns the peer address for logging.
func (c *Conn) RemoteAddr() string { return c.remote }

// ReadLine blocks until one full line arrives and returns it without
// the trailing "\n" or "\r\n".  A final line without a terminator is
// returned before the close.  A clean peer close yields an error for
// which [ncerr.IsClosed] is true.
func (c *Conn) ReadLine() (string, error) {
	var (
		buf  []byte
		over bool
	)
	for {
		chunk, err := c.reader.ReadSlice('\n')
		if !over {
			buf = append(buf, chunk...)
			// +2 leaves room for "\r\n".
			if len(buf) > MaxLineSize+2 {
				over, buf = true, nil
			}
		}
		switch {
		case err == nil:
		case ncerr.Is(err, bufio.ErrBufferFull):
			continue
		case ncerr.Is(err, io.EOF) && (over || len(buf) > 0):
		default:
			return "", ncerr.Wrap("read", c.remote, err)
		}

		line := strings.TrimSuffix(strings.TrimSuffix(string(buf), "\n"), "\r")
		if over || len(line) > MaxLineSize {
			return "", ncerr.Wrap("read", c.remote, ncerr.ErrLineTooLong)
		}
		return line, nil
	}
}

// WriteLine sends text as exactly one line.  Embedded line breaks are
// flattened to spaces so a multi-line reply cannot break the framing.
func (c *Conn) WriteLine(text string) error {
	line := flatten(text) + "\n"

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if _, err := c.raw.Write([]byte(line)); err != nil {
		return ncerr.Wrap("write", c.remote, err)
	}
	return nil
}

// Close closes the underlying connection.  It is safe to call more than
// once and from any goroutine; a blocked ReadLine returns.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.raw.Close()
	})
	return c.closeErr
}

// flatten replaces CR/LF runs with a single space.
func flatten(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return r == '\n' || r == '\r'
	}), " ")
}
