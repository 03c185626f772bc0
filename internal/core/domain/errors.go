package domain

import "errors"

var (
	// Codec errors.
	ErrMalformed       = errors.New("malformed envelope")
	ErrUnknownKind     = errors.New("unknown envelope kind")
	ErrPayloadMismatch = errors.New("payload does not match envelope kind")

	// Transport errors.
	ErrNotConnected  = errors.New("not connected")
	ErrSessionClosed = errors.New("session closed")

	// Chat errors.
	ErrEmptyInput         = errors.New("author and text must not be empty")
	ErrHistoryUnavailable = errors.New("history unavailable")

	// Call errors.
	ErrMediaUnavailable = errors.New("media unavailable")
	ErrInvalidCallState = errors.New("invalid call state for operation")
	ErrCallInProgress   = errors.New("call already in progress")

	// Relay errors.
	ErrPeerNotConnected = errors.New("peer not connected")
)
