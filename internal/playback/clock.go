// Package playback advances a frame counter at a fixed rate and exposes
// blendshape weights for the current frame. It is a best-effort visual
// clock, not sample-accurate audio sync.
package playback

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/univoice/internal/bundle"
	"github.com/normanking/univoice/internal/bus"
)

// Sink receives per-tick weight assignments and audio control. The
// rendering collaborator implements it.
type Sink interface {
	ApplyWeights(weights map[int]float64)
	PlayAudio(name string, data []byte)
	StopAudio()
}

// Config configures the playback clock.
type Config struct {
	FrameRate   int     // ticks per second, nominal 30
	DecayFactor float64 // per-tick lerp toward zero while idle
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		FrameRate:   30,
		DecayFactor: 0.1,
	}
}

// Clock drives playback of the current clip. The cursor is monotonically
// non-decreasing while playing, reset to 0 for each new clip, and clamped
// to MaxFrames-1, at which point playing stops.
type Clock struct {
	config   *Config
	sink     Sink
	eventBus *bus.EventBus
	logger   zerolog.Logger

	mu      sync.Mutex
	targets *TargetMap
	clip    *bundle.Clip
	frame   int
	playing bool
	current map[int]float64 // last applied weights, decayed while idle

	onFinished func()

	runOnce sync.Once
	cancel  context.CancelFunc
}

// NewClock creates a playback clock
func NewClock(config *Config, sink Sink, eventBus *bus.EventBus, logger zerolog.Logger) *Clock {
	if config == nil {
		config = DefaultConfig()
	}
	if config.FrameRate <= 0 {
		config.FrameRate = 30
	}
	return &Clock{
		config:   config,
		sink:     sink,
		eventBus: eventBus,
		logger:   logger.With().Str("component", "playback").Logger(),
		targets:  NewTargetMap(nil),
		current:  make(map[int]float64),
	}
}

// OnFinished registers the callback fired when the cursor reaches the
// clip's final frame. This is the sole speaking-to-listening trigger.
func (c *Clock) OnFinished(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFinished = fn
}

// SetSink installs the rendering sink. The hub implements Sink but also
// needs the clock's owner at construction, so the sink arrives late.
func (c *Clock) SetSink(sink Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

// SetTargets installs the morph target mapping for the loaded model.
func (c *Clock) SetTargets(targets *TargetMap) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets = targets
	c.logger.Info().Int("targets", targets.Len()).Msg("Morph target mapping installed")
}

// Run starts the fixed-rate tick loop. It returns immediately; ticking
// stops when ctx is cancelled.
func (c *Clock) Run(ctx context.Context) {
	c.runOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		c.cancel = cancel
		go c.loop(ctx)
	})
}

// Stop halts the tick loop.
func (c *Clock) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// Play replaces the current clip wholesale, resets the cursor to frame 0
// and starts the audio track.
func (c *Clock) Play(clip *bundle.Clip) {
	c.mu.Lock()
	c.clip = clip
	c.frame = 0
	c.playing = clip.MaxFrames() > 0
	playing := c.playing
	sink := c.sink
	c.mu.Unlock()

	if !playing {
		c.logger.Warn().Msg("Clip has no frames, skipping playback")
		c.finish()
		return
	}

	c.logger.Info().Int("frames", clip.MaxFrames()).Msg("Playback started")
	if sink != nil {
		sink.PlayAudio(clip.AudioName, clip.Audio)
	}
	c.publish(bus.EventTypePlaybackStarted, map[string]any{"frames": clip.MaxFrames()})
}

// Reset discards the clip and cursor and silences the audio sink. Called
// on the sleep transition.
func (c *Clock) Reset() {
	c.mu.Lock()
	c.clip = nil
	c.frame = 0
	c.playing = false
	sink := c.sink
	c.mu.Unlock()

	if sink != nil {
		sink.StopAudio()
	}
}

// Playing reports whether a clip is currently being played.
func (c *Clock) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

// Frame returns the current cursor position.
func (c *Clock) Frame() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame
}

func (c *Clock) loop(ctx context.Context) {
	ticker := time.NewTicker(time.Second / time.Duration(c.config.FrameRate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick()
		}
	}
}

// Tick advances the clock by one frame. Exported so tests drive the clock
// deterministically without the wall-clock ticker.
func (c *Clock) Tick() {
	c.mu.Lock()

	if !c.playing {
		weights := c.decayLocked()
		sink := c.sink
		c.mu.Unlock()
		if weights != nil && sink != nil {
			sink.ApplyWeights(weights)
		}
		return
	}

	weights := c.frameWeightsLocked()
	frame := c.frame
	sink := c.sink

	finished := false
	if c.frame+1 > c.clip.MaxFrames()-1 {
		c.playing = false
		finished = true
	} else {
		c.frame++
	}
	c.mu.Unlock()

	if sink != nil {
		sink.ApplyWeights(weights)
	}
	c.publish(bus.EventTypeFrameAdvanced, map[string]any{"frame": frame})

	if finished {
		c.logger.Info().Int("frame", frame).Msg("Playback reached final frame")
		c.finish()
	}
}

// frameWeightsLocked resolves the current frame's blendshape weights to
// morph target indices. Caller must hold the lock.
func (c *Clock) frameWeightsLocked() map[int]float64 {
	weights := make(map[int]float64, len(c.current))

	if af := c.clip.AnimationAt(c.frame); af != nil {
		for name, w := range af.Weights {
			if idx, ok := c.targets.Resolve(name); ok {
				weights[idx] = clamp01(w)
			}
		}
	}

	// Emotion weights ride along for models that expose matching morphs;
	// unmatched names are ignored like any other.
	if ef := c.clip.EmotionAt(c.frame); ef != nil {
		for name, w := range ef.Weights {
			if idx, ok := c.targets.Resolve(name); ok {
				if w := clamp01(w); w > weights[idx] {
					weights[idx] = w
				}
			}
		}
	}

	c.current = weights
	return weights
}

// decayLocked damps all weights toward zero while idle rather than
// snapping, to avoid visible popping. Returns nil once everything has
// settled. Caller must hold the lock.
func (c *Clock) decayLocked() map[int]float64 {
	if len(c.current) == 0 {
		return nil
	}

	settled := true
	weights := make(map[int]float64, len(c.current))
	for idx, w := range c.current {
		w += (0 - w) * c.config.DecayFactor
		if w < 0.001 {
			w = 0
		} else {
			settled = false
		}
		weights[idx] = w
	}

	if settled {
		c.current = make(map[int]float64)
	} else {
		c.current = weights
	}
	return weights
}

func (c *Clock) finish() {
	c.mu.Lock()
	cb := c.onFinished
	c.mu.Unlock()

	c.publish(bus.EventTypePlaybackFinished, nil)
	if cb != nil {
		cb()
	}
}

func (c *Clock) publish(t bus.EventType, data map[string]any) {
	if c.eventBus != nil {
		c.eventBus.Publish(bus.Event{Type: t, Data: data})
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
