package eventsocket

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePeer scripts the server side of a piped connection.
type fakePeer struct {
	conn net.Conn
	r    *bufio.Reader
}

// readCommand consumes one client command up to its \r\n\r\n terminator.
func (p *fakePeer) readCommand() string {
	var buf []byte
	for {
		b, err := p.r.ReadByte()
		if err != nil {
			return string(buf)
		}
		buf = append(buf, b)
		if bytes.HasSuffix(buf, []byte("\r\n\r\n")) {
			return strings.TrimSuffix(string(buf), "\r\n\r\n")
		}
	}
}

func (p *fakePeer) writeFrame(frame string) {
	p.conn.Write([]byte(frame))
}

func (p *fakePeer) replyOK() {
	p.writeFrame("Content-Type: command/reply\nReply-Text: +OK accepted\n\n")
}

func (p *fakePeer) writeEventPlain(body string) {
	p.writeFrame(fmt.Sprintf("Content-Type: text/event-plain\nContent-Length: %d\n\n%s", len(body), body))
}

// newTestEngine wires an engine to a scripted peer over an in-memory pipe.
// setup runs before the read loop starts, for handler registration.
func newTestEngine(t *testing.T, setup func(*Engine)) (*Engine, *fakePeer) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	e := NewEngine(nil)
	if setup != nil {
		setup(e)
	}
	e.Start(newTransport(client, 0))
	return e, &fakePeer{conn: server, r: bufio.NewReader(server)}
}

func waitDone(t *testing.T, e *Engine) {
	t.Helper()
	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not finish")
	}
}

func TestSendMatchesRepliesInWireOrder(t *testing.T) {
	e, peer := newTestEngine(t, nil)

	const n = 10
	go func() {
		for i := 0; i < n; i++ {
			cmd := peer.readCommand()
			peer.writeFrame("Content-Type: command/reply\nReply-Text: +OK " + cmd + "\n\n")
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cmd := fmt.Sprintf("api echo %d", i)
			ev, err := e.Send(cmd)
			assert.NoError(t, err)
			assert.Equal(t, "+OK "+cmd, ev.ReplyText())
		}(i)
	}
	wg.Wait()
}

func TestAuthHandshake(t *testing.T) {
	e, peer := newTestEngine(t, nil)

	peer.writeFrame("Content-Type: auth/request\n\n")
	ev, err := e.WaitAuthRequest(time.Second)
	require.NoError(t, err)
	assert.Equal(t, ContentAuthRequest, ev.ContentType())

	go func() {
		cmd := peer.readCommand()
		assert.Equal(t, "auth s3cret", cmd)
		peer.replyOK()
	}()
	reply, err := e.Auth("s3cret")
	require.NoError(t, err)
	assert.True(t, reply.Success())
}

func TestBgapiReturnsJobUUID(t *testing.T) {
	e, peer := newTestEngine(t, nil)

	go func() {
		cmd := peer.readCommand()
		assert.Equal(t, "bgapi status", cmd)
		peer.writeFrame("Content-Type: command/reply\nReply-Text: +OK Job-UUID: job-42\nJob-UUID: job-42\n\n")
	}()
	reply, err := e.BGAPI("status")
	require.NoError(t, err)
	assert.True(t, reply.Success())
	assert.Equal(t, "job-42", reply.JobUUID())
}

func TestEventPlainDispatch(t *testing.T) {
	got := make(chan *Event, 1)
	_, peer := newTestEngine(t, func(e *Engine) {
		e.OnEvent("CHANNEL_HANGUP", func(ev *Event) { got <- ev })
	})

	peer.writeEventPlain("Event-Name: CHANNEL_HANGUP\n" +
		"Hangup-Cause: NORMAL_CLEARING\n" +
		"Caller-Caller-ID-Name: Jane%20Roe\n")

	select {
	case ev := <-got:
		assert.Equal(t, "NORMAL_CLEARING", ev.Get("Hangup-Cause"))
		assert.Equal(t, "Jane Roe", ev.Get("Caller-Caller-ID-Name"))
	case <-time.After(2 * time.Second):
		t.Fatal("event was not dispatched")
	}
}

func TestUnboundEventsFallThrough(t *testing.T) {
	got := make(chan string, 1)
	_, peer := newTestEngine(t, func(e *Engine) {
		e.OnUnbound(func(ev *Event) { got <- ev.Name() })
	})

	peer.writeEventPlain("Event-Name: HEARTBEAT\n")

	select {
	case name := <-got:
		assert.Equal(t, "HEARTBEAT", name)
	case <-time.After(2 * time.Second):
		t.Fatal("fallback handler was not invoked")
	}
}

func TestDisconnectNoticeReleasesPendingSend(t *testing.T) {
	e, peer := newTestEngine(t, nil)

	type result struct {
		ev  *Event
		err error
	}
	done := make(chan result, 1)
	go func() {
		ev, err := e.Send("api status")
		done <- result{ev, err}
	}()

	// The command is on the wire and pending before the notice lands.
	peer.readCommand()
	peer.writeFrame("Content-Type: text/disconnect-notice\n\n")

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, 0, res.ev.Len())
	case <-time.After(2 * time.Second):
		t.Fatal("pending send was not released")
	}
	waitDone(t, e)
	assert.False(t, e.Connected())
}

func TestSendAfterDisconnectFails(t *testing.T) {
	e, peer := newTestEngine(t, nil)
	peer.writeFrame("Content-Type: text/disconnect-notice\n\n")
	waitDone(t, e)

	_, err := e.Send("api status")
	assert.ErrorIs(t, err, ErrTransportClosed)
}

// A sender can pass the liveness check just as the read loop exits, enqueue
// after the drain has already run, and still write successfully. Rebuild
// exactly that state and make sure the sender is not stranded.
func TestSendRacingLoopExitIsReleased(t *testing.T) {
	e, peer := newTestEngine(t, nil)
	peer.conn.Close()
	waitDone(t, e)

	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	go io.Copy(io.Discard, server)
	e.transport = newTransport(client, 0)
	e.connected.Store(true)

	type result struct {
		ev  *Event
		err error
	}
	done := make(chan result, 1)
	go func() {
		ev, err := e.Send("api status")
		done <- result{ev, err}
	}()

	select {
	case res := <-done:
		require.ErrorIs(t, res.err, ErrTransportClosed)
		assert.Equal(t, 0, res.ev.Len())
	case <-time.After(2 * time.Second):
		t.Fatal("send stranded after read loop exit")
	}
	assert.Empty(t, e.pending)
}

func TestSendWriteErrorDropsPendingEntry(t *testing.T) {
	e, peer := newTestEngine(t, nil)
	peer.conn.Close()
	waitDone(t, e)

	// The transport is closed, so the write fails; the queue must not keep
	// an entry that never reached the wire.
	e.connected.Store(true)
	_, err := e.Send("api status")
	require.Error(t, err)
	assert.Empty(t, e.pending)
}
