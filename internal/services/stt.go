package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// STTClient talks to the transcription collaborator. Input is the utterance
// audio as an opaque encoded blob; empty or whitespace-only text in the
// response means "no speech detected" and is not an error.
type STTClient struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewSTTClient creates an STT client
func NewSTTClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *STTClient {
	return &STTClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "stt-client").Logger(),
	}
}

// Transcribe sends the utterance audio and returns the transcript text.
// The returned text may be empty; callers treat that as silence.
func (c *STTClient) Transcribe(ctx context.Context, audio []byte) (string, error) {
	startTime := time.Now()

	payload, err := json.Marshal(map[string]string{
		"audio_data": base64.StdEncoding.EncodeToString(audio),
	})
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %v", ErrTranscriptionFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/stt", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTranscriptionFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug().Int("audioBytes", len(audio)).Msg("Sending utterance for transcription")
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTranscriptionFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrTranscriptionFailed, err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error().Int("status", resp.StatusCode).Str("body", string(body)).Msg("STT service error")
		return "", fmt.Errorf("%w: status %d", ErrTranscriptionFailed, resp.StatusCode)
	}

	var result struct {
		Text       string  `json:"text"`
		Language   string  `json:"language"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("%w: parse response: %v", ErrTranscriptionFailed, err)
	}

	text := strings.TrimSpace(result.Text)
	c.logger.Info().Str("text", text).Dur("time", time.Since(startTime)).Msg("Transcription complete")
	return text, nil
}

// Health checks the transcription collaborator.
func (c *STTClient) Health(ctx context.Context) error {
	return checkHealth(ctx, c.client, c.baseURL+"/health")
}
