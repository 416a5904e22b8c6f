package eventsocket

import "errors"

var (
	// ErrTransportClosed is returned when the peer closed the connection or a
	// command is sent after disconnect.
	ErrTransportClosed = errors.New("eventsocket: transport closed")

	// ErrConnectTimeout is returned when the dial or the auth/request wait
	// exceeds the configured timeout.
	ErrConnectTimeout = errors.New("eventsocket: connect timeout")

	// ErrAuthFailure is returned when the server rejects the password.
	ErrAuthFailure = errors.New("eventsocket: authentication failure")

	// ErrFilterFailure is returned when the event filter command is rejected.
	ErrFilterFailure = errors.New("eventsocket: event filter failure")

	// ErrLimitExceeded is returned when a frame exceeds the per-event header
	// line cap. The connection is closed.
	ErrLimitExceeded = errors.New("eventsocket: header line limit exceeded")

	// ErrInternalSync is returned when a delivered reply does not correlate
	// with the head of the pending-command queue. Fatal for the connection.
	ErrInternalSync = errors.New("eventsocket: pending command out of sync")

	// ErrSessionHangup is returned by outbound session sends after the
	// channel hung up.
	ErrSessionHangup = errors.New("eventsocket: channel hung up")
)
