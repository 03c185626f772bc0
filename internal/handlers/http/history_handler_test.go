package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"studychat/internal/core/domain"
	"studychat/internal/core/services"
	"studychat/internal/infrastructure/repositories/memory"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRouter(t *testing.T) (*gin.Engine, *services.HistoryService) {
	gin.SetMode(gin.TestMode)

	history := services.NewHistoryService(memory.NewMemoryMessageRepository(), 0, zap.NewNop().Sugar())
	t.Cleanup(history.Stop)

	router := gin.New()
	NewHistoryHandler(history, nil).SetupRoutes(router)
	return router, history
}

func TestListMessages_ReturnsOrderedHistory(t *testing.T) {
	router, history := newTestRouter(t)

	ctx := httptest.NewRequest(http.MethodGet, "/api/v1/rooms/lobby/messages", nil).Context()
	require.NoError(t, history.Record(ctx, "lobby", &domain.ChatMessage{ID: "msg_2", Author: "b", Text: "later", SentAt: 200}))
	require.NoError(t, history.Record(ctx, "lobby", &domain.ChatMessage{ID: "msg_1", Author: "a", Text: "earlier", SentAt: 100}))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/rooms/lobby/messages", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Messages []domain.ChatMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Messages, 2)
	assert.Equal(t, "msg_1", body.Messages[0].ID)
	assert.Equal(t, "msg_2", body.Messages[1].ID)
}

func TestListMessages_EmptyRoomReturnsEmptyList(t *testing.T) {
	router, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/rooms/empty/messages", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Messages []domain.ChatMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotNil(t, body.Messages)
	assert.Empty(t, body.Messages)
}

func TestListMessages_InvalidRoomRejected(t *testing.T) {
	router, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/rooms/bad%20room%21/messages", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
