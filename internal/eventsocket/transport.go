package eventsocket

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// Idle sessions are cut after one hour without a single byte from the peer.
// Only applied to outbound transports; inbound clients may sit quiet forever.
const defaultIdleTimeout = time.Hour

// Transport wraps one Event Socket TCP connection with line-oriented reads,
// exact byte-count reads for bodies, and an idempotent close.
type Transport struct {
	conn        net.Conn
	reader      *bufio.Reader
	idleTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// Dial opens a connection with a bounded timeout. Once connected, read and
// write deadlines are disabled.
func Dial(addr string, timeout time.Duration) (*Transport, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, ErrConnectTimeout
		}
		return nil, err
	}
	return newTransport(conn, 0), nil
}

// NewOutboundTransport wraps an accepted connection, with the inactivity
// watchdog enabled.
func NewOutboundTransport(conn net.Conn) *Transport {
	return newTransport(conn, defaultIdleTimeout)
}

func newTransport(conn net.Conn, idle time.Duration) *Transport {
	return &Transport{
		conn:        conn,
		reader:      bufio.NewReader(conn),
		idleTimeout: idle,
	}
}

func (t *Transport) armWatchdog() {
	if t.idleTimeout > 0 {
		t.conn.SetReadDeadline(time.Now().Add(t.idleTimeout))
	}
}

// ReadLine returns the next line, without the trailing LF (a trailing CR, if
// any, is also stripped).
func (t *Transport) ReadLine() (string, error) {
	t.armWatchdog()
	line, err := t.reader.ReadString('\n')
	if err != nil {
		return "", t.readErr(err)
	}
	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, nil
}

// Read returns exactly n bytes.
func (t *Transport) Read(n int) ([]byte, error) {
	t.armWatchdog()
	buf := make([]byte, n)
	if _, err := io.ReadFull(t.reader, buf); err != nil {
		return nil, t.readErr(err)
	}
	return buf, nil
}

func (t *Transport) readErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return ErrTransportClosed
	}
	return err
}

// Write sends the bytes in full.
func (t *Transport) Write(b []byte) error {
	if _, err := t.conn.Write(b); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrTransportClosed
		}
		return err
	}
	return nil
}

// RemoteAddr reports the peer address.
func (t *Transport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// Close shuts the connection down. Safe to call more than once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
