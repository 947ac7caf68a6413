package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ChatClient talks to the chat collaborator: one message in, one reply out.
type ChatClient struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewChatClient creates a chat client
func NewChatClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *ChatClient {
	return &ChatClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "chat-client").Logger(),
	}
}

// Send posts the user message and returns the assistant reply. A non-2xx
// status or malformed body is ErrChatFailed.
func (c *ChatClient) Send(ctx context.Context, message string) (string, error) {
	payload, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %v", ErrChatFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrChatFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrChatFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrChatFailed, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error().Int("status", resp.StatusCode).Str("body", string(body)).Msg("Chat service error")
		return "", fmt.Errorf("%w: status %d", ErrChatFailed, resp.StatusCode)
	}

	var result struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("%w: parse response: %v", ErrChatFailed, err)
	}
	if strings.TrimSpace(result.Response) == "" {
		return "", fmt.Errorf("%w: empty response body", ErrChatFailed)
	}

	c.logger.Info().Int("replyLen", len(result.Response)).Msg("Chat reply received")
	return result.Response, nil
}

// Health checks the chat collaborator.
func (c *ChatClient) Health(ctx context.Context) error {
	return checkHealth(ctx, c.client, c.baseURL+"/health")
}
