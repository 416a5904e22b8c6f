package eventsocket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// MaxHeaderLines caps the number of header lines accepted for one event.
const MaxHeaderLines = 1000

// Well-known Content-Type values of the protocol.
const (
	ContentAuthRequest      = "auth/request"
	ContentCommandReply     = "command/reply"
	ContentAPIResponse      = "api/response"
	ContentEventPlain       = "text/event-plain"
	ContentEventJSON        = "text/event-json"
	ContentDisconnectNotice = "text/disconnect-notice"
)

type header struct {
	name  string
	value string
}

// Event is one framed Event Socket message: an ordered set of headers
// (values percent-decoded at ingest, first declaration wins) and an optional
// raw body.
type Event struct {
	headers []header
	index   map[string]int
	Body    []byte
}

// NewEvent returns an empty event.
func NewEvent() *Event {
	return &Event{index: make(map[string]int)}
}

// SetHeader stores a decoded header value. Duplicate names keep the first
// occurrence.
func (e *Event) SetHeader(name, value string) {
	if e.index == nil {
		e.index = make(map[string]int)
	}
	if _, dup := e.index[name]; dup {
		return
	}
	e.index[name] = len(e.headers)
	e.headers = append(e.headers, header{name, value})
}

// Get returns the header value, or "" when absent.
func (e *Event) Get(name string) string {
	return e.GetDefault(name, "")
}

// GetDefault returns the header value, or def when absent.
func (e *Event) GetDefault(name, def string) string {
	if e.index == nil {
		return def
	}
	if i, ok := e.index[name]; ok {
		return e.headers[i].value
	}
	return def
}

// Has reports whether the header is present.
func (e *Event) Has(name string) bool {
	_, ok := e.index[name]
	return ok
}

// Headers returns the header names in declaration order.
func (e *Event) Headers() []string {
	names := make([]string, len(e.headers))
	for i, h := range e.headers {
		names[i] = h.name
	}
	return names
}

// Len returns the number of headers.
func (e *Event) Len() int { return len(e.headers) }

// ContentType returns the Content-Type header.
func (e *Event) ContentType() string { return e.Get("Content-Type") }

// ContentLength returns the Content-Length header as an int, 0 when absent
// or malformed.
func (e *Event) ContentLength() int {
	n, err := strconv.Atoi(e.Get("Content-Length"))
	if err != nil {
		return 0
	}
	return n
}

// Name returns the Event-Name header.
func (e *Event) Name() string { return e.Get("Event-Name") }

// ReplyText returns the Reply-Text header.
func (e *Event) ReplyText() string { return e.Get("Reply-Text") }

// ReplyTextSuccess reports whether Reply-Text starts with +OK.
func (e *Event) ReplyTextSuccess() bool {
	return strings.HasPrefix(e.ReplyText(), "+OK")
}

func (e *Event) String() string {
	var b strings.Builder
	for _, h := range e.headers {
		fmt.Fprintf(&b, "%s: %s\n", h.name, h.value)
	}
	if len(e.Body) > 0 {
		b.WriteByte('\n')
		b.Write(e.Body)
	}
	return b.String()
}

// decodeValue applies percent-decoding with unquote semantics ('+' is
// literal). Undecodable values are kept verbatim.
func decodeValue(v string) string {
	if !strings.Contains(v, "%") {
		return v
	}
	decoded, err := url.PathUnescape(v)
	if err != nil {
		return v
	}
	return decoded
}

func parseHeaderLine(e *Event, line string) {
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		return
	}
	e.SetHeader(strings.TrimSpace(name), decodeValue(strings.TrimSpace(value)))
}

// ReadEvent consumes exactly one message from the transport: header lines up
// to a blank line, then Content-Length body bytes when declared. More than
// MaxHeaderLines header lines fails with ErrLimitExceeded.
func ReadEvent(t *Transport) (*Event, error) {
	ev := NewEvent()
	lines := 0
	for {
		line, err := t.ReadLine()
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		lines++
		if lines > MaxHeaderLines {
			return nil, ErrLimitExceeded
		}
		parseHeaderLine(ev, line)
	}
	if n := ev.ContentLength(); n > 0 {
		body, err := t.Read(n)
		if err != nil {
			return nil, err
		}
		ev.Body = body
	}
	return ev, nil
}

// ParseHeaderBlock builds an event from a raw header block. Blank lines are
// skipped; a `Content-Length` header selects the trailing slice of the block
// as the body.
func ParseHeaderBlock(block []byte) (*Event, error) {
	ev := NewEvent()
	lines := 0
	for _, raw := range bytes.Split(block, []byte("\n")) {
		line := strings.TrimSuffix(string(raw), "\r")
		if line == "" {
			continue
		}
		lines++
		if lines > MaxHeaderLines {
			return nil, ErrLimitExceeded
		}
		parseHeaderLine(ev, line)
	}
	if n := ev.ContentLength(); n > 0 && n <= len(block) {
		ev.Body = block[len(block)-n:]
	}
	return ev, nil
}

// ParseJSONBody builds an event from a text/event-json body: the object
// members become the headers and the `_body` member, when present, becomes
// the raw body.
func ParseJSONBody(body []byte) (*Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("event-json: %w", err)
	}
	ev := NewEvent()
	for name, raw := range fields {
		if name == "_body" {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				ev.Body = []byte(s)
			}
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			s = string(raw)
		}
		ev.SetHeader(name, s)
	}
	return ev, nil
}

// CommandReply is the typed view of a command/reply frame.
type CommandReply struct{ *Event }

// Success reports whether Reply-Text starts with +OK.
func (r CommandReply) Success() bool { return r.ReplyTextSuccess() }

// APIResponse is the typed view of an api/response frame.
type APIResponse struct{ *Event }

// Success reports whether the body starts with +OK.
func (r APIResponse) Success() bool {
	return bytes.HasPrefix(r.Body, []byte("+OK"))
}

// Response returns the raw body text.
func (r APIResponse) Response() string { return string(r.Body) }

// BgapiReply is the typed view of the command/reply to a bgapi command.
type BgapiReply struct{ *Event }

// Success reports whether Reply-Text starts with +OK.
func (r BgapiReply) Success() bool { return r.ReplyTextSuccess() }

// JobUUID returns the background job correlation id.
func (r BgapiReply) JobUUID() string { return r.Get("Job-UUID") }
