package ports

import (
	"context"

	"studychat/internal/core/domain"
)

// HistoryService records relayed chat messages and serves the history
// fetch contract.
type HistoryService interface {
	Record(ctx context.Context, room domain.RoomID, msg *domain.ChatMessage) error
	Messages(ctx context.Context, room domain.RoomID) ([]*domain.ChatMessage, error)
}

// EnvelopeSender is the send half of a transport session. Send fails with
// domain.ErrNotConnected unless the session is open.
type EnvelopeSender interface {
	Send(env domain.Envelope) error
	State() domain.ConnectionState
}
