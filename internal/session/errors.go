package session

import "errors"

var (
	// ErrSessionClosed is returned by Send after the session terminated.
	ErrSessionClosed = errors.New("session closed")

	// ErrSendQueueFull is returned by Send when the outbound queue is full.
	ErrSendQueueFull = errors.New("session send queue full")

	// ErrProtocolFlood closes a session whose peer sends malformed frames
	// faster than the configured threshold.
	ErrProtocolFlood = errors.New("protocol error threshold exceeded")
)
