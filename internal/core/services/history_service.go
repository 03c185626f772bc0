package services

import (
	"context"
	"fmt"
	"time"

	"studychat/internal/core/domain"
	"studychat/internal/core/ports"
	"studychat/pkg/cache"

	"go.uber.org/zap"
)

// HistoryService records relayed chat messages and serves ordered history
// reads. Reads are cached briefly because every client fetches the full
// history on connect and reconnect; any append invalidates the room's entry.
type HistoryService struct {
	repo   ports.MessageRepository
	cache  *cache.Cache
	logger *zap.SugaredLogger
}

func NewHistoryService(repo ports.MessageRepository, cacheTTL time.Duration, logger *zap.SugaredLogger) *HistoryService {
	var c *cache.Cache
	if cacheTTL > 0 {
		c = cache.New(cacheTTL)
	}
	return &HistoryService{repo: repo, cache: c, logger: logger}
}

func (s *HistoryService) roomKey(room domain.RoomID) string {
	return fmt.Sprintf("history:%s", room)
}

// Record appends one message to the room's history.
func (s *HistoryService) Record(ctx context.Context, room domain.RoomID, msg *domain.ChatMessage) error {
	if err := s.repo.Append(ctx, room, msg); err != nil {
		return fmt.Errorf("failed to record message: %w", err)
	}

	if s.cache != nil {
		s.cache.Invalidate(s.roomKey(room))
	}
	return nil
}

// Messages returns the room's history ordered by SentAt ascending.
func (s *HistoryService) Messages(ctx context.Context, room domain.RoomID) ([]*domain.ChatMessage, error) {
	key := s.roomKey(room)
	if s.cache != nil {
		if value, ok := s.cache.Get(key); ok {
			return value.([]*domain.ChatMessage), nil
		}
	}

	messages, err := s.repo.List(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	if s.cache != nil {
		s.cache.Set(key, messages)
	}
	return messages, nil
}

// Stop releases the read cache.
func (s *HistoryService) Stop() {
	if s.cache != nil {
		s.cache.Close()
	}
}
