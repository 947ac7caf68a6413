package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// pcm16 builds a 16-bit little-endian chunk of n samples at the given
// amplitude.
func pcm16(n int, amplitude int16) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		out[i*2] = byte(amplitude)
		out[i*2+1] = byte(amplitude >> 8)
	}
	return out
}

func testEndpointConfig() *EndpointConfig {
	return &EndpointConfig{
		Threshold:       0.01,
		SmoothingFrames: 1,
		MaxSilence:      time.Millisecond,
		BitDepth:        16,
	}
}

func TestEndpointerSilenceAloneNeverEnds(t *testing.T) {
	e := NewEndpointer(testEndpointConfig())

	for i := 0; i < 10; i++ {
		assert.False(t, e.Feed(pcm16(160, 0)))
		time.Sleep(2 * time.Millisecond)
	}
}

func TestEndpointerEndsAfterSpeechThenSilence(t *testing.T) {
	e := NewEndpointer(testEndpointConfig())

	assert.False(t, e.Feed(pcm16(160, 16384)))
	time.Sleep(5 * time.Millisecond)
	assert.True(t, e.Feed(pcm16(160, 0)))
}

func TestEndpointerSilenceWithinGraceKeepsGoing(t *testing.T) {
	cfg := testEndpointConfig()
	cfg.MaxSilence = time.Minute
	e := NewEndpointer(cfg)

	e.Feed(pcm16(160, 16384))
	assert.False(t, e.Feed(pcm16(160, 0)))
}

func TestEndpointerResetForgetsSpeech(t *testing.T) {
	e := NewEndpointer(testEndpointConfig())

	e.Feed(pcm16(160, 16384))
	e.Reset()
	time.Sleep(5 * time.Millisecond)
	assert.False(t, e.Feed(pcm16(160, 0)))
}

func TestCalculateRMS(t *testing.T) {
	assert.Equal(t, 0.0, calculateRMS(nil, 16))
	assert.Equal(t, 0.0, calculateRMS(pcm16(160, 0), 16))

	// Full-scale 16-bit square wave has RMS 1.0.
	loud := calculateRMS(pcm16(160, -32768), 16)
	assert.InDelta(t, 1.0, loud, 0.001)

	quiet := calculateRMS(pcm16(160, 100), 16)
	assert.Less(t, quiet, 0.01)
}
