package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"studychat/internal/core/domain"
	"studychat/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisMessageRepository stores each room's history in a sorted set scored
// by SentAt, so List is a single ordered range read.
type RedisMessageRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisMessageRepository(client *redis.Client) ports.MessageRepository {
	return &RedisMessageRepository{
		client: client,
		prefix: "studychat:room:",
	}
}

func (r *RedisMessageRepository) roomKey(room domain.RoomID) string {
	return r.prefix + string(room) + ":messages"
}

func (r *RedisMessageRepository) Append(ctx context.Context, room domain.RoomID, msg *domain.ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = r.client.ZAdd(ctx, r.roomKey(room), redis.Z{
		Score:  float64(msg.SentAt),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append message to Redis: %w", err)
	}
	return nil
}

func (r *RedisMessageRepository) List(ctx context.Context, room domain.RoomID) ([]*domain.ChatMessage, error) {
	members, err := r.client.ZRange(ctx, r.roomKey(room), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list messages from Redis: %w", err)
	}

	messages := make([]*domain.ChatMessage, 0, len(members))
	for _, member := range members {
		var msg domain.ChatMessage
		if err := json.Unmarshal([]byte(member), &msg); err != nil {
			// Skip entries that no longer parse.
			continue
		}
		messages = append(messages, &msg)
	}
	return messages, nil
}
