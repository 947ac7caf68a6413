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

// AnimationClient talks to the animation-bundle collaborator: reply text
// in, a ZIP archive (emotion table + blendshape table + audio track) out.
// The archive is returned raw for the bundle store to parse.
type AnimationClient struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewAnimationClient creates an animation-bundle client. Bundle generation
// runs TTS plus frame synthesis server-side, so the timeout is longer than
// the other collaborators'.
func NewAnimationClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *AnimationClient {
	return &AnimationClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "animation-client").Logger(),
	}
}

// Fetch requests an animation bundle for the given reply text.
func (c *AnimationClient) Fetch(ctx context.Context, text string) ([]byte, error) {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrAnimationFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/text2animation", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAnimationFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	startTime := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAnimationFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Error().Int("status", resp.StatusCode).Str("body", string(body)).Msg("Animation service error")
		return nil, fmt.Errorf("%w: status %d", ErrAnimationFailed, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read archive: %v", ErrAnimationFailed, err)
	}

	c.logger.Info().Int("bytes", len(data)).Dur("time", time.Since(startTime)).Msg("Animation bundle received")
	return data, nil
}

// Health checks the animation collaborator.
func (c *AnimationClient) Health(ctx context.Context) error {
	return checkHealth(ctx, c.client, c.baseURL+"/health")
}

// checkHealth issues a GET against a collaborator health endpoint.
func checkHealth(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}
