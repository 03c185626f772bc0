package memory

import (
	"context"
	"sort"
	"sync"

	"studychat/internal/core/domain"
	"studychat/internal/core/ports"
)

type MemoryMessageRepository struct {
	rooms map[domain.RoomID][]*domain.ChatMessage
	mu    sync.RWMutex
}

func NewMemoryMessageRepository() ports.MessageRepository {
	return &MemoryMessageRepository{
		rooms: make(map[domain.RoomID][]*domain.ChatMessage),
	}
}

func (r *MemoryMessageRepository) Append(ctx context.Context, room domain.RoomID, msg *domain.ChatMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *msg
	r.rooms[room] = append(r.rooms[room], &stored)
	return nil
}

func (r *MemoryMessageRepository) List(ctx context.Context, room domain.RoomID) ([]*domain.ChatMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored := r.rooms[room]
	out := make([]*domain.ChatMessage, len(stored))
	for i, msg := range stored {
		copied := *msg
		out[i] = &copied
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt < out[j].SentAt })
	return out, nil
}
