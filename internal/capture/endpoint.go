package capture

import (
	"math"
	"sync"
	"time"
)

// Endpointer detects the end of a user's speech turn using RMS energy
// analysis. It is used only for its "speech ended" signal; it never
// produces a transcript of its own.
type Endpointer struct {
	config *EndpointConfig
	mu     sync.Mutex

	sawSpeech  bool
	isActive   bool
	lastActive time.Time

	energyHistory []float64
	historyIndex  int
}

// EndpointConfig holds endpointing configuration
type EndpointConfig struct {
	Threshold       float64       // RMS threshold (0-1)
	SmoothingFrames int           // frames averaged before comparison
	MaxSilence      time.Duration // silence after speech that ends the turn
	BitDepth        int
}

// DefaultEndpointConfig returns sensible defaults
func DefaultEndpointConfig() *EndpointConfig {
	return &EndpointConfig{
		Threshold:       0.01,
		SmoothingFrames: 5,
		MaxSilence:      500 * time.Millisecond,
		BitDepth:        16,
	}
}

// NewEndpointer creates a new Endpointer
func NewEndpointer(config *EndpointConfig) *Endpointer {
	if config == nil {
		config = DefaultEndpointConfig()
	}
	if config.SmoothingFrames <= 0 {
		config.SmoothingFrames = 5
	}
	return &Endpointer{
		config:        config,
		energyHistory: make([]float64, config.SmoothingFrames),
	}
}

// Feed analyzes one audio chunk and reports whether the utterance has
// ended: speech was observed and has now been followed by more than
// MaxSilence of quiet.
func (e *Endpointer) Feed(chunk []byte) (ended bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rms := calculateRMS(chunk, e.config.BitDepth)
	e.energyHistory[e.historyIndex] = rms
	e.historyIndex = (e.historyIndex + 1) % len(e.energyHistory)

	var sum float64
	for _, v := range e.energyHistory {
		sum += v
	}
	smoothed := sum / float64(len(e.energyHistory))

	if smoothed >= e.config.Threshold {
		e.sawSpeech = true
		e.isActive = true
		e.lastActive = time.Now()
		return false
	}

	if e.isActive && time.Since(e.lastActive) > e.config.MaxSilence {
		e.isActive = false
	}

	return e.sawSpeech && !e.isActive
}

// Reset clears endpointer state for a new capture session.
func (e *Endpointer) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sawSpeech = false
	e.isActive = false
	e.historyIndex = 0
	for i := range e.energyHistory {
		e.energyHistory[i] = 0
	}
}

// calculateRMS computes Root Mean Square energy of a PCM chunk
func calculateRMS(data []byte, bitDepth int) float64 {
	if len(data) == 0 {
		return 0
	}

	var sum float64
	var count int

	switch bitDepth {
	case 16:
		for i := 0; i+1 < len(data); i += 2 {
			sample := int16(data[i]) | int16(data[i+1])<<8
			normalized := float64(sample) / 32768.0
			sum += normalized * normalized
			count++
		}
	case 32:
		for i := 0; i+3 < len(data); i += 4 {
			bits := uint32(data[i]) | uint32(data[i+1])<<8 | uint32(data[i+2])<<16 | uint32(data[i+3])<<24
			sample := math.Float32frombits(bits)
			sum += float64(sample * sample)
			count++
		}
	default:
		// 8-bit unsigned PCM
		for _, b := range data {
			normalized := (float64(b) - 128.0) / 128.0
			sum += normalized * normalized
			count++
		}
	}

	if count == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(count))
}
