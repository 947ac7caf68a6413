package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, 16000, cfg.Capture.SampleRate)
	assert.Equal(t, 2*time.Second, cfg.Capture.StopGraceDelay)
	assert.Equal(t, 8192, cfg.Capture.MinUtteranceLen)

	assert.Equal(t, 10*time.Second, cfg.Wake.InitTimeout)
	assert.Equal(t, "static/mithr.ppn", cfg.Wake.KeywordAsset)

	assert.Equal(t, 30, cfg.Playback.FrameRate)
	assert.InDelta(t, 0.1, cfg.Playback.DecayFactor, 1e-9)

	assert.Equal(t, 30*time.Second, cfg.Session.InactivityTimeout)
	assert.Equal(t, 400*time.Millisecond, cfg.Session.SettleDelay)
	assert.Contains(t, cfg.Session.Greeting, "University Assistant")
	assert.NotEmpty(t, cfg.Session.Apology)
	assert.NotEmpty(t, cfg.Session.Farewell)

	// Bundle generation needs more headroom than the other collaborators.
	assert.Greater(t, cfg.Services.AnimationTimeout, cfg.Services.Timeout)
}

func TestDirAndPath(t *testing.T) {
	dir, err := Dir()
	require.NoError(t, err)
	assert.Contains(t, dir, ".univoice")

	path, err := Path()
	require.NoError(t, err)
	assert.Contains(t, path, "config.yaml")
}
