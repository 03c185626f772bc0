package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"studychat/internal/core/domain"
	"studychat/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// countingRepo wraps the memory repository and counts List calls.
type countingRepo struct {
	inner interface {
		Append(ctx context.Context, room domain.RoomID, msg *domain.ChatMessage) error
		List(ctx context.Context, room domain.RoomID) ([]*domain.ChatMessage, error)
	}
	mu    sync.Mutex
	lists int
	fail  bool
}

func (r *countingRepo) Append(ctx context.Context, room domain.RoomID, msg *domain.ChatMessage) error {
	if r.fail {
		return errors.New("store down")
	}
	return r.inner.Append(ctx, room, msg)
}

func (r *countingRepo) List(ctx context.Context, room domain.RoomID) ([]*domain.ChatMessage, error) {
	r.mu.Lock()
	r.lists++
	r.mu.Unlock()
	if r.fail {
		return nil, errors.New("store down")
	}
	return r.inner.List(ctx, room)
}

func (r *countingRepo) listCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lists
}

func TestHistoryService_RecordThenMessagesOrdered(t *testing.T) {
	svc := NewHistoryService(memory.NewMemoryMessageRepository(), 0, zap.NewNop().Sugar())
	defer svc.Stop()

	ctx := context.Background()
	require.NoError(t, svc.Record(ctx, "lobby", &domain.ChatMessage{ID: "msg_2", Author: "b", Text: "later", SentAt: 200}))
	require.NoError(t, svc.Record(ctx, "lobby", &domain.ChatMessage{ID: "msg_1", Author: "a", Text: "earlier", SentAt: 100}))

	msgs, err := svc.Messages(ctx, "lobby")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "msg_1", msgs[0].ID)
	assert.Equal(t, "msg_2", msgs[1].ID)
}

func TestHistoryService_CachesReadsAndInvalidatesOnRecord(t *testing.T) {
	repo := &countingRepo{inner: memory.NewMemoryMessageRepository()}
	svc := NewHistoryService(repo, time.Minute, zap.NewNop().Sugar())
	defer svc.Stop()

	ctx := context.Background()
	require.NoError(t, svc.Record(ctx, "lobby", &domain.ChatMessage{ID: "msg_1", Author: "a", Text: "x", SentAt: 1}))

	_, err := svc.Messages(ctx, "lobby")
	require.NoError(t, err)
	_, err = svc.Messages(ctx, "lobby")
	require.NoError(t, err)
	assert.Equal(t, 1, repo.listCount(), "second read should come from cache")

	require.NoError(t, svc.Record(ctx, "lobby", &domain.ChatMessage{ID: "msg_2", Author: "a", Text: "y", SentAt: 2}))

	msgs, err := svc.Messages(ctx, "lobby")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Equal(t, 2, repo.listCount(), "append must invalidate the cached read")
}

func TestHistoryService_RoomsAreIndependent(t *testing.T) {
	svc := NewHistoryService(memory.NewMemoryMessageRepository(), 0, zap.NewNop().Sugar())
	defer svc.Stop()

	ctx := context.Background()
	require.NoError(t, svc.Record(ctx, "room-a", &domain.ChatMessage{ID: "msg_1", Author: "a", Text: "x", SentAt: 1}))

	msgs, err := svc.Messages(ctx, "room-b")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestHistoryService_StoreFailureSurfaces(t *testing.T) {
	repo := &countingRepo{inner: memory.NewMemoryMessageRepository(), fail: true}
	svc := NewHistoryService(repo, 0, zap.NewNop().Sugar())
	defer svc.Stop()

	ctx := context.Background()
	assert.Error(t, svc.Record(ctx, "lobby", &domain.ChatMessage{ID: "msg_1", Author: "a", Text: "x", SentAt: 1}))
	_, err := svc.Messages(ctx, "lobby")
	assert.Error(t, err)
}
