package eventsocket

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultPoolSize bounds the number of concurrently running event handlers
// per engine. When the pool is saturated the read loop blocks, letting TCP
// back-pressure slow the server down.
const DefaultPoolSize = 5000

// disconnectGrace is how long Disconnect waits for the read loop to finish
// on its own before the transport is torn down under it.
const disconnectGrace = 2 * time.Second

// HandlerFunc receives one dispatched event.
type HandlerFunc func(*Event)

// FailureFunc is invoked when an event handler panics.
type FailureFunc func(*Event, any)

type pendingCommand struct {
	id   string
	slot chan delivery
}

type delivery struct {
	id string
	ev *Event
}

// Engine multiplexes one Event Socket connection: a background read loop
// frames and dispatches messages while concurrent callers issue commands.
// Command replies are matched to callers strictly in wire order; the
// correlation id recorded at send time is verified on delivery.
type Engine struct {
	log      *logrus.Entry
	poolSize int

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc
	fallback   HandlerFunc
	failure    FailureFunc

	transport *Transport
	sem       chan struct{}
	authCh    chan *Event
	loopDone  chan struct{}

	// sendMu serializes the enqueue+write pair so queue order equals wire
	// order. pendingMu guards the queue itself for the read side.
	sendMu    sync.Mutex
	pendingMu sync.Mutex
	pending   []pendingCommand

	connected atomic.Bool
	closing   atomic.Bool
}

// NewEngine returns an engine ready for handler registration. Start attaches
// the transport.
func NewEngine(log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		log:      log,
		poolSize: DefaultPoolSize,
		handlers: make(map[string]HandlerFunc),
	}
}

// SetPoolSize overrides the handler pool bound. Must be called before Start.
func (e *Engine) SetPoolSize(n int) {
	if n > 0 {
		e.poolSize = n
	}
}

// OnEvent registers the handler for an Event-Name value (e.g.
// "CHANNEL_HANGUP"). Must be called before Start.
func (e *Engine) OnEvent(name string, fn HandlerFunc) {
	e.handlersMu.Lock()
	e.handlers[strings.ToUpper(name)] = fn
	e.handlersMu.Unlock()
}

// OnUnbound registers the fallback handler for events without a named
// handler.
func (e *Engine) OnUnbound(fn HandlerFunc) {
	e.handlersMu.Lock()
	e.fallback = fn
	e.handlersMu.Unlock()
}

// OnCallbackFailure registers the hook invoked when a handler panics.
func (e *Engine) OnCallbackFailure(fn FailureFunc) {
	e.handlersMu.Lock()
	e.failure = fn
	e.handlersMu.Unlock()
}

// Start attaches the transport and launches the read loop.
func (e *Engine) Start(t *Transport) {
	e.transport = t
	e.sem = make(chan struct{}, e.poolSize)
	e.authCh = make(chan *Event, 1)
	e.loopDone = make(chan struct{})
	e.closing.Store(false)
	e.connected.Store(true)
	go e.readLoop()
}

// Connected reports whether the read loop is live.
func (e *Engine) Connected() bool { return e.connected.Load() }

// WaitAuthRequest blocks until the server's auth/request frame arrives, or
// the timeout elapses.
func (e *Engine) WaitAuthRequest(timeout time.Duration) (*Event, error) {
	select {
	case ev := <-e.authCh:
		return ev, nil
	case <-e.loopDone:
		return nil, ErrTransportClosed
	case <-time.After(timeout):
		return nil, ErrConnectTimeout
	}
}

// ServeForever blocks until the read loop ends.
func (e *Engine) ServeForever() { <-e.loopDone }

// Done returns a channel closed when the read loop ends.
func (e *Engine) Done() <-chan struct{} { return e.loopDone }

func (e *Engine) readLoop() {
	defer func() {
		e.connected.Store(false)
		e.flushPending()
		e.transport.Close()
		close(e.loopDone)
	}()
	for {
		ev, err := ReadEvent(e.transport)
		if err != nil {
			if err != ErrTransportClosed && !e.closing.Load() {
				e.log.WithError(err).Error("read loop terminated")
			}
			return
		}
		if !e.dispatch(ev) {
			return
		}
	}
}

// dispatch routes one frame. Returns false when the loop must stop.
func (e *Engine) dispatch(ev *Event) bool {
	switch ev.ContentType() {
	case ContentAuthRequest:
		select {
		case e.authCh <- ev:
		default:
		}
	case ContentAPIResponse, ContentCommandReply:
		e.deliverPending(ev)
	case ContentEventPlain:
		inner, err := ParseHeaderBlock(ev.Body)
		if err != nil {
			e.log.WithError(err).Error("bad event-plain body")
			return err != ErrLimitExceeded
		}
		e.spawnHandler(inner)
	case ContentEventJSON:
		inner, err := ParseJSONBody(ev.Body)
		if err != nil {
			e.log.WithError(err).Error("bad event-json body")
			return true
		}
		e.spawnHandler(inner)
	case ContentDisconnectNotice:
		e.log.Debug("disconnect notice received")
		e.closing.Store(true)
		return false
	default:
		e.log.WithField("content_type", ev.ContentType()).Debug("unhandled frame")
	}
	return !e.closing.Load()
}

// deliverPending hands the reply frame to the head of the pending queue,
// echoing the stored correlation id so the sender can verify ordering.
func (e *Engine) deliverPending(ev *Event) {
	e.pendingMu.Lock()
	if len(e.pending) == 0 {
		e.pendingMu.Unlock()
		e.log.Warn("reply frame with no pending command")
		return
	}
	pc := e.pending[0]
	e.pending = e.pending[1:]
	e.pendingMu.Unlock()
	pc.slot <- delivery{id: pc.id, ev: ev}
}

// removePending drops the queued command with the given id. It reports
// false when the entry is gone already, meaning a delivery for it is
// in flight or sitting in its slot.
func (e *Engine) removePending(id string) bool {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	for i, pc := range e.pending {
		if pc.id == id {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return true
		}
	}
	return false
}

// flushPending releases every waiting sender with an empty event.
func (e *Engine) flushPending() {
	e.pendingMu.Lock()
	queue := e.pending
	e.pending = nil
	e.pendingMu.Unlock()
	for _, pc := range queue {
		pc.slot <- delivery{id: pc.id, ev: NewEvent()}
	}
}

func (e *Engine) spawnHandler(ev *Event) {
	name := strings.ToUpper(ev.Name())
	e.handlersMu.RLock()
	fn, ok := e.handlers[name]
	if !ok {
		fn = e.fallback
	}
	failure := e.failure
	e.handlersMu.RUnlock()
	if fn == nil {
		return
	}
	e.sem <- struct{}{}
	go func() {
		defer func() {
			<-e.sem
			if r := recover(); r != nil {
				e.log.WithField("event", name).Errorf("handler panic: %v", r)
				if failure != nil {
					failure(ev, r)
				}
			}
		}()
		fn(ev)
	}()
}

// Send issues one raw command and blocks until its reply frame is consumed
// from the read stream. ErrTransportClosed is returned when the connection
// is already down; a command still pending when the read loop dies is
// released by the drain with an empty event and a nil error.
func (e *Engine) Send(command string) (*Event, error) {
	if !e.connected.Load() {
		return NewEvent(), ErrTransportClosed
	}
	id := uuid.NewString()
	slot := make(chan delivery, 1)

	e.sendMu.Lock()
	e.pendingMu.Lock()
	e.pending = append(e.pending, pendingCommand{id: id, slot: slot})
	e.pendingMu.Unlock()
	err := e.transport.Write([]byte(command + "\r\n\r\n"))
	e.sendMu.Unlock()
	if err != nil {
		e.removePending(id)
		return NewEvent(), err
	}

	var d delivery
	select {
	case d = <-slot:
	case <-e.loopDone:
		// The loop can exit between the connected check and the append,
		// leaving nobody to flush this entry. Reclaim it ourselves; if
		// the drain got there first, the slot already holds our release.
		if e.removePending(id) {
			return NewEvent(), ErrTransportClosed
		}
		d = <-slot
	}
	if d.id != id {
		e.log.Error("command reply correlation mismatch")
		e.transport.Close()
		return NewEvent(), ErrInternalSync
	}
	return d.ev, nil
}

// SendMsgOptions describes one sendmsg execute block.
type SendMsgOptions struct {
	Name  string // execute-app-name
	Arg   string // inline body, optional
	UUID  string // target channel; empty on outbound sockets
	Lock  bool   // event-lock: true
	Loops int    // loops: n when > 1
	Async bool   // async: true
}

// SendMsg writes a sendmsg block with call-command execute.
func (e *Engine) SendMsg(opts SendMsgOptions) (*Event, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "sendmsg %s\ncall-command: execute\nexecute-app-name: %s\n", opts.UUID, opts.Name)
	if opts.Lock {
		b.WriteString("event-lock: true\n")
	}
	if opts.Loops > 1 {
		fmt.Fprintf(&b, "loops: %d\n", opts.Loops)
	}
	if opts.Async {
		b.WriteString("async: true\n")
	}
	if opts.Arg != "" {
		fmt.Fprintf(&b, "content-type: text/plain\ncontent-length: %d\n\n%s\n", len(opts.Arg), opts.Arg)
	}
	return e.Send(b.String())
}

// Disconnect asks the read loop to finish, granting a short grace before the
// transport is closed under it, then waits for the loop to end. Pending
// commands are released with empty events.
func (e *Engine) Disconnect() {
	if e.loopDone == nil {
		return
	}
	e.closing.Store(true)
	select {
	case <-e.loopDone:
	case <-time.After(disconnectGrace):
	}
	e.transport.Close()
	<-e.loopDone
}
