package eventsocket

import (
	"fmt"
	"strings"
)

// Inbound and shared command surface. Each call blocks until the matching
// reply frame is consumed from the read stream.

// Auth answers the auth/request challenge.
func (e *Engine) Auth(password string) (CommandReply, error) {
	ev, err := e.Send("auth " + password)
	return CommandReply{ev}, err
}

// API runs a foreground api command and returns its api/response.
func (e *Engine) API(command string) (APIResponse, error) {
	ev, err := e.Send("api " + command)
	return APIResponse{ev}, err
}

// BGAPI runs a background api command; the result arrives later as a
// BACKGROUND_JOB event carrying the returned Job-UUID.
func (e *Engine) BGAPI(command string) (BgapiReply, error) {
	ev, err := e.Send("bgapi " + command)
	return BgapiReply{ev}, err
}

// EventPlain subscribes to events in plain format.
func (e *Engine) EventPlain(filter string) (CommandReply, error) {
	ev, err := e.Send("event plain " + filter)
	return CommandReply{ev}, err
}

// EventJSON subscribes to events in json format.
func (e *Engine) EventJSON(filter string) (CommandReply, error) {
	ev, err := e.Send("event json " + filter)
	return CommandReply{ev}, err
}

// Filter narrows the event stream to events matching the header spec.
func (e *Engine) Filter(spec string) (CommandReply, error) {
	ev, err := e.Send("filter " + spec)
	return CommandReply{ev}, err
}

// FilterDelete removes a previously installed filter.
func (e *Engine) FilterDelete(spec string) (CommandReply, error) {
	ev, err := e.Send("filter delete " + spec)
	return CommandReply{ev}, err
}

// SendEvent injects an event into the server's event system.
func (e *Engine) SendEvent(name string, headers map[string]string) (CommandReply, error) {
	var b strings.Builder
	b.WriteString("sendevent " + name)
	for k, v := range headers {
		fmt.Fprintf(&b, "\n%s: %s", k, v)
	}
	ev, err := e.Send(b.String())
	return CommandReply{ev}, err
}

// DivertEvents toggles diversion of events to this socket.
func (e *Engine) DivertEvents(on bool) (CommandReply, error) {
	arg := "off"
	if on {
		arg = "on"
	}
	ev, err := e.Send("divert_events " + arg)
	return CommandReply{ev}, err
}

// Exit asks the server to close the socket.
func (e *Engine) Exit() (CommandReply, error) {
	ev, err := e.Send("exit")
	return CommandReply{ev}, err
}

// Outbound socket handshake commands.

// Connect requests the channel data for an outbound session. The reply frame
// doubles as the channel snapshot (Unique-ID, Caller-* headers).
func (e *Engine) Connect() (*Event, error) {
	return e.Send("connect")
}

// Resume asks the server to continue the dialplan when the socket ends.
func (e *Engine) Resume() (CommandReply, error) {
	ev, err := e.Send("resume")
	return CommandReply{ev}, err
}

// MyEvents subscribes to the events of this channel only. An empty uuid
// targets the channel owning the socket.
func (e *Engine) MyEvents(uuid string) (CommandReply, error) {
	cmd := "myevents"
	if uuid != "" {
		cmd += " " + uuid
	}
	ev, err := e.Send(cmd)
	return CommandReply{ev}, err
}

// Linger keeps the socket open after hangup so tail events are delivered.
func (e *Engine) Linger() (CommandReply, error) {
	ev, err := e.Send("linger")
	return CommandReply{ev}, err
}

// Execute runs a dialplan application on a channel via sendmsg.
func (e *Engine) Execute(app, arg, uuid string, lock bool) (CommandReply, error) {
	ev, err := e.SendMsg(SendMsgOptions{Name: app, Arg: arg, UUID: uuid, Lock: lock})
	return CommandReply{ev}, err
}

// ExecuteLoops runs a dialplan application a number of times.
func (e *Engine) ExecuteLoops(app, arg, uuid string, lock bool, loops int) (CommandReply, error) {
	ev, err := e.SendMsg(SendMsgOptions{Name: app, Arg: arg, UUID: uuid, Lock: lock, Loops: loops})
	return CommandReply{ev}, err
}

// ExecuteAsync runs a dialplan application without blocking the channel.
func (e *Engine) ExecuteAsync(app, arg, uuid string, lock bool) (CommandReply, error) {
	ev, err := e.SendMsg(SendMsgOptions{Name: app, Arg: arg, UUID: uuid, Lock: lock, Async: true})
	return CommandReply{ev}, err
}
