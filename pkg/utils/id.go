package utils

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewMessageID generates a history-store message identifier.
func NewMessageID() string {
	return "msg_" + uuid.NewString()
}

// NewLocalMessageID generates the identifier for an optimistic local send,
// replaced once the relay echo reports the persisted id.
func NewLocalMessageID() string {
	return "local_" + uuid.NewString()
}

// NewClientTag generates the sender-assigned sequence token carried by a
// chat envelope so the sender can match the relay's echo.
func NewClientTag() string {
	return uuid.NewString()
}

// NewPeerID generates a default peer identifier for a client session.
func NewPeerID() string {
	return fmt.Sprintf("peer-%s", uuid.NewString()[:8])
}

// NowMillis returns the current wall clock in unix milliseconds, the order
// key assigned to outgoing chat messages.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
