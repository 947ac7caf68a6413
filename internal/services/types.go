// Package services provides clients for the transcription, chat and
// animation-bundle collaborators. All contracts are transport-level only;
// the turn-taking core never interprets their payloads beyond these shapes.
package services

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrTranscriptionFailed = errors.New("transcription failed")
	ErrChatFailed          = errors.New("chat request failed")
	ErrAnimationFailed     = errors.New("animation bundle request failed")
)

// Config holds collaborator endpoints and timeouts.
type Config struct {
	STTBaseURL       string
	ChatBaseURL      string
	AnimationBaseURL string
	Timeout          time.Duration
	AnimationTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		STTBaseURL:       "http://localhost:8002/a2f",
		ChatBaseURL:      "http://localhost:8002",
		AnimationBaseURL: "http://localhost:8002/a2f",
		Timeout:          30 * time.Second,
		AnimationTimeout: 90 * time.Second,
	}
}
