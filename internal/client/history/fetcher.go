package history

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"studychat/internal/core/domain"
	"studychat/pkg/backoff"

	"go.uber.org/zap"
)

// Fetcher retrieves the persisted message log for a room once at session
// start. It runs concurrently with the transport connection; a stalled or
// failed fetch degrades to an empty seed log instead of blocking live
// messages.
type Fetcher struct {
	baseURL    string
	room       domain.RoomID
	httpClient *http.Client
	retry      backoff.Config
	logger     *zap.SugaredLogger
}

func NewFetcher(baseURL string, room domain.RoomID, timeout time.Duration, logger *zap.SugaredLogger) *Fetcher {
	return &Fetcher{
		baseURL:    baseURL,
		room:       room,
		httpClient: &http.Client{Timeout: timeout},
		retry: backoff.Config{
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
			MaxAttempts:  2,
		},
		logger: logger,
	}
}

type historyResponse struct {
	Messages []domain.ChatMessage `json:"messages"`
}

// Fetch returns the stored messages ordered by the store. Non-2xx responses
// and malformed bodies fail with domain.ErrHistoryUnavailable after a short
// retry budget.
func (f *Fetcher) Fetch(ctx context.Context) ([]domain.ChatMessage, error) {
	var messages []domain.ChatMessage

	err := backoff.Retry(ctx, f.retry, func() error {
		msgs, err := f.fetchOnce(ctx)
		if err != nil {
			f.logger.Warnw("history fetch attempt failed", "room", f.room, "error", err)
			return err
		}
		messages = msgs
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrHistoryUnavailable, err)
	}

	return messages, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context) ([]domain.ChatMessage, error) {
	url := fmt.Sprintf("%s/api/v1/rooms/%s/messages", f.baseURL, f.room)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("history endpoint returned %d", resp.StatusCode)
	}

	var body historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("malformed history response: %w", err)
	}

	return body.Messages, nil
}
