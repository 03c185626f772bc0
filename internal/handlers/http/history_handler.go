package http

import (
	"net/http"
	"time"

	"studychat/internal/core/domain"
	"studychat/internal/core/ports"
	"studychat/internal/infrastructure/monitoring"
	"studychat/pkg/validation"

	"github.com/gin-gonic/gin"
)

// HistoryHandler serves the chat history fetched by clients on connect.
type HistoryHandler struct {
	history ports.HistoryService
	metrics *monitoring.PrometheusCollector
}

func NewHistoryHandler(history ports.HistoryService, metrics *monitoring.PrometheusCollector) *HistoryHandler {
	return &HistoryHandler{history: history, metrics: metrics}
}

func (h *HistoryHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/rooms/:room/messages", h.ListMessages)
	}
}

// ListMessages returns the room's history ordered by sent_at ascending.
func (h *HistoryHandler) ListMessages(c *gin.Context) {
	room := domain.RoomID(c.Param("room"))
	if err := validation.ValidateRoomID(string(room)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	start := time.Now()
	messages, err := h.history.Messages(c.Request.Context(), room)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if h.metrics != nil {
		h.metrics.RecordHistoryFetch(time.Since(start))
	}

	if messages == nil {
		messages = []*domain.ChatMessage{}
	}
	c.JSON(http.StatusOK, gin.H{
		"messages": messages,
	})
}
