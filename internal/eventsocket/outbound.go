package eventsocket

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// waitForActions is the set of applications whose CHANNEL_EXECUTE_COMPLETE
// feeds the session's action queue. Each such application is issued exactly
// once per WaitForAction receive.
var waitForActions = map[string]bool{
	"playback":            true,
	"record":              true,
	"play_and_get_digits": true,
	"bridge":              true,
	"say":                 true,
	"sleep":               true,
	"speak":               true,
	"conference":          true,
}

// Session is one outbound Event Socket connection, owned by the channel the
// media server created it for.
type Session struct {
	*Engine
	log *logrus.Entry

	ChannelData *Event
	UniqueID    string

	mu          sync.Mutex
	hangupCause string

	hungup   atomic.Bool
	actionCh chan *Event

	// onHangup runs once, inside the CHANNEL_HANGUP dispatch, before the
	// hung-up flag cuts further sends.
	onHangup func(*Event)
}

// NewSession wraps an accepted connection. Additional event handlers may be
// registered on the embedded engine before Startup.
func NewSession(conn net.Conn, log *logrus.Entry) *Session {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Session{
		Engine:   NewEngine(log),
		log:      log,
		actionCh: make(chan *Event, 32),
	}
	s.OnEvent("CHANNEL_EXECUTE_COMPLETE", s.onExecuteComplete)
	s.OnEvent("CHANNEL_UNBRIDGE", s.EnqueueAction)
	s.OnEvent("CHANNEL_HANGUP", s.onChannelHangup)
	s.OnEvent("CHANNEL_HANGUP_COMPLETE", s.onChannelHangup)
	s.Engine.Start(NewOutboundTransport(conn))
	return s
}

// OnHangup registers the hook invoked once when the channel hangs up.
func (s *Session) OnHangup(fn func(*Event)) { s.onHangup = fn }

// Startup performs the session handshake: resume, myevents, linger, disable
// hangup-after-bridge, connect for the channel data, then the event filter.
func (s *Session) Startup(jsonEvents bool, filter string) error {
	if filter == "" {
		filter = "ALL"
	}
	if _, err := s.Resume(); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	if _, err := s.MyEvents(""); err != nil {
		return fmt.Errorf("myevents: %w", err)
	}
	if _, err := s.Linger(); err != nil {
		return fmt.Errorf("linger: %w", err)
	}
	if _, err := s.Execute("set", "hangup_after_bridge=false", false); err != nil {
		return fmt.Errorf("set hangup_after_bridge: %w", err)
	}
	channel, err := s.Connect()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	s.ChannelData = channel
	s.UniqueID = channel.Get("Unique-ID")
	if s.UniqueID == "" {
		return fmt.Errorf("connect: no Unique-ID in channel data")
	}
	var reply CommandReply
	if jsonEvents {
		reply, err = s.EventJSON(filter)
	} else {
		reply, err = s.EventPlain(filter)
	}
	if err != nil {
		return err
	}
	if !reply.Success() {
		return fmt.Errorf("%w: %s", ErrFilterFailure, reply.ReplyText())
	}
	return nil
}

// Send overrides the engine send so that any command issued after hangup
// fails with ErrSessionHangup, breaking verb loops cleanly.
func (s *Session) Send(command string) (*Event, error) {
	if s.hungup.Load() {
		return NewEvent(), ErrSessionHangup
	}
	return s.Engine.Send(command)
}

// SendMsg applies the same hangup guard to execute blocks.
func (s *Session) SendMsg(opts SendMsgOptions) (*Event, error) {
	if s.hungup.Load() {
		return NewEvent(), ErrSessionHangup
	}
	return s.Engine.SendMsg(opts)
}

// Execute runs an application on this channel with the hangup guard.
func (s *Session) Execute(app, arg string, lock bool) (CommandReply, error) {
	ev, err := s.SendMsg(SendMsgOptions{Name: app, Arg: arg, Lock: lock})
	return CommandReply{ev}, err
}

// ExecuteLoops runs an application a number of times with the hangup guard.
func (s *Session) ExecuteLoops(app, arg string, lock bool, loops int) (CommandReply, error) {
	ev, err := s.SendMsg(SendMsgOptions{Name: app, Arg: arg, Lock: lock, Loops: loops})
	return CommandReply{ev}, err
}

// API runs an api command with the hangup guard.
func (s *Session) API(command string) (APIResponse, error) {
	ev, err := s.Send("api " + command)
	return APIResponse{ev}, err
}

// BGAPI runs a background api command with the hangup guard.
func (s *Session) BGAPI(command string) (BgapiReply, error) {
	ev, err := s.Send("bgapi " + command)
	return BgapiReply{ev}, err
}

// WaitForAction blocks until the next completion event for a wait-listed
// application arrives, or the session ends.
func (s *Session) WaitForAction() *Event {
	select {
	case ev := <-s.actionCh:
		return ev
	case <-s.Done():
		return NewEvent()
	}
}

// EnqueueAction feeds an event to the action queue, waking a WaitForAction
// caller. Used by custom event handlers that synchronize on non-execute
// events (conference membership).
func (s *Session) EnqueueAction(ev *Event) {
	select {
	case s.actionCh <- ev:
	default:
	}
}

// HangupCause returns the cause captured from CHANNEL_HANGUP, "" before
// hangup.
func (s *Session) HangupCause() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hangupCause
}

// HungUp reports whether the channel has hung up.
func (s *Session) HungUp() bool { return s.hungup.Load() }

func (s *Session) onExecuteComplete(ev *Event) {
	app := ev.Get("Application")
	if !waitForActions[app] {
		return
	}
	// While a transfer is in flight the completion belongs to the old
	// document; wake the waiter with an empty event instead.
	if ev.Get("variable_plivo_transfer_progress") == "true" {
		ev = NewEvent()
	}
	select {
	case s.actionCh <- ev:
	default:
		s.log.WithField("application", app).Warn("action queue full, completion dropped")
	}
}

func (s *Session) onChannelHangup(ev *Event) {
	if s.hungup.Load() {
		return
	}
	s.mu.Lock()
	s.hangupCause = ev.Get("Hangup-Cause")
	s.mu.Unlock()
	if s.onHangup != nil {
		s.onHangup(ev)
	}
	s.hungup.Store(true)
	// Wake any verb blocked on a completion that will never come.
	s.EnqueueAction(NewEvent())
	s.log.WithFields(logrus.Fields{
		"call_uuid": s.UniqueID,
		"cause":     s.HangupCause(),
	}).Info("channel hangup")
}

// Close tears the session down, idempotently.
func (s *Session) Close() { s.Disconnect() }

// SessionHandler drives one outbound session to completion.
type SessionHandler func(*Session)

// Server accepts one TCP connection per call from the media server and hands
// each to the configured handler on its own goroutine.
type Server struct {
	Addr    string
	Handler SessionHandler

	log      *logrus.Entry
	listener net.Listener
	wg       sync.WaitGroup
	stopped  atomic.Bool
}

// NewServer returns an outbound server.
func NewServer(addr string, handler SessionHandler, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{Addr: addr, Handler: handler, log: log}
}

// ListenAndServe accepts connections until Stop is called.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.log.WithField("addr", s.Addr).Info("outbound server listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.stopped.Load() {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	log := s.log.WithField("peer", conn.RemoteAddr().String())
	sess := NewSession(conn, log)
	defer sess.Close()
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("session panic: %v", r)
		}
	}()
	s.Handler(sess)
}

// Stop closes the listener and waits for in-flight sessions, with a bounded
// grace period.
func (s *Server) Stop(grace time.Duration) {
	s.stopped.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		s.log.Warn("sessions still active at shutdown deadline")
	}
}

// SocketDialString renders this server's address as the application string a
// FreeSWITCH originate or transfer uses to reach it.
func SocketDialString(addr string) string {
	return fmt.Sprintf("socket:%s async full", strings.TrimSpace(addr))
}
