package ports

import (
	"context"

	"studychat/internal/core/domain"
)

// MessageRepository is the history store behind the relay. List returns
// messages ordered by SentAt ascending.
type MessageRepository interface {
	Append(ctx context.Context, room domain.RoomID, msg *domain.ChatMessage) error
	List(ctx context.Context, room domain.RoomID) ([]*domain.ChatMessage, error)
}
