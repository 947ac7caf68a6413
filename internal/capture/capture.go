// Package capture owns the microphone stream: it buffers audio chunks
// delivered by the front end and decides when an utterance has ended.
package capture

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/univoice/internal/bus"
)

// ErrCaptureUnavailable indicates the microphone cannot be opened:
// permission was denied or a capture session is already active.
var ErrCaptureUnavailable = errors.New("capture unavailable")

// Config configures the capture manager.
type Config struct {
	SampleRate      int
	Channels        int
	BitDepth        int
	StopGraceDelay  time.Duration // delay between endpoint silence and actual stop
	MinUtteranceLen int           // bytes below which a take is discarded as noise
	Endpoint        *EndpointConfig
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		SampleRate:      16000,
		Channels:        1,
		BitDepth:        16,
		StopGraceDelay:  2 * time.Second,
		MinUtteranceLen: 8192,
		Endpoint:        DefaultEndpointConfig(),
	}
}

// session is one open microphone recording. At most one exists at a time.
type session struct {
	id      uuid.UUID
	chunks  [][]byte
	size    int
	started time.Time
}

func (s *session) audio() []byte {
	out := make([]byte, 0, s.size)
	for _, c := range s.chunks {
		out = append(out, c...)
	}
	return out
}

// Manager coordinates the recorder and the endpointing detector. Audio I/O
// happens in the browser; chunks arrive through PushChunk in capture order.
type Manager struct {
	config   *Config
	eventBus *bus.EventBus
	logger   zerolog.Logger

	mu         sync.Mutex
	sess       *session
	endpointer *Endpointer
	permDenied bool
	pendStop   *time.Timer

	onUtterance func(audio []byte)
}

// NewManager creates a capture manager
func NewManager(config *Config, eventBus *bus.EventBus, logger zerolog.Logger) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Endpoint == nil {
		config.Endpoint = DefaultEndpointConfig()
	}
	config.Endpoint.BitDepth = config.BitDepth

	return &Manager{
		config:     config,
		eventBus:   eventBus,
		logger:     logger.With().Str("component", "capture").Logger(),
		endpointer: NewEndpointer(config.Endpoint),
	}
}

// OnUtterance registers the callback fired exactly once per completed,
// non-trivial recording.
func (m *Manager) OnUtterance(fn func(audio []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUtterance = fn
}

// SetPermissionDenied records the microphone permission result reported by
// the front end. While denied, Start fails with ErrCaptureUnavailable.
func (m *Manager) SetPermissionDenied(denied bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.permDenied = denied
}

// Start opens exactly one capture session and arms the endpointing
// detector. It fails with ErrCaptureUnavailable if microphone permission is
// denied or another session is already open.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.permDenied {
		return fmt.Errorf("%w: microphone permission denied", ErrCaptureUnavailable)
	}
	if m.sess != nil {
		return fmt.Errorf("%w: capture session already active", ErrCaptureUnavailable)
	}

	m.openLocked()
	return nil
}

// Stop is idempotent: it stops the recorder and the endpointing detector
// and releases the input stream unconditionally. No utterance is emitted
// and capture is not restarted.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked(true)
}

// Active reports whether a capture session is currently open.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess != nil
}

// PushChunk delivers one recorded audio chunk. Chunks arriving while no
// session is open are dropped. When the endpointing detector reports end of
// speech, a stop is scheduled after the grace delay; if the session is gone
// by then, the delayed stop is a no-op.
func (m *Manager) PushChunk(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil {
		return
	}

	m.sess.chunks = append(m.sess.chunks, data)
	m.sess.size += len(data)

	if m.endpointer.Feed(data) && m.pendStop == nil {
		id := m.sess.id
		m.logger.Debug().Dur("grace", m.config.StopGraceDelay).Msg("End of speech detected, scheduling stop")
		m.pendStop = time.AfterFunc(m.config.StopGraceDelay, func() {
			m.finish(id)
		})
	}
}

// finish completes the session the grace timer was armed for. Stale timers
// (session already stopped or replaced) are no-ops.
func (m *Manager) finish(id uuid.UUID) {
	m.mu.Lock()

	if m.sess == nil || m.sess.id != id {
		m.mu.Unlock()
		return
	}

	audio := m.sess.audio()
	duration := time.Since(m.sess.started)
	m.closeLocked(false)

	if len(audio) < m.config.MinUtteranceLen {
		// Near-empty takes are noise, not a user turn: restart silently.
		m.logger.Debug().Int("bytes", len(audio)).Msg("Utterance below minimum size, restarting capture")
		m.openLocked()
		m.mu.Unlock()

		m.publish(bus.EventTypeCaptureRestarted, map[string]any{"discarded_bytes": len(audio)})
		return
	}

	cb := m.onUtterance
	m.mu.Unlock()

	m.logger.Info().Int("bytes", len(audio)).Dur("duration", duration).Msg("Utterance ready")
	m.publish(bus.EventTypeUtteranceReady, map[string]any{
		"bytes":    len(audio),
		"duration": duration,
	})
	if cb != nil {
		cb(audio)
	}
}

// openLocked opens a fresh session. Caller must hold the lock.
func (m *Manager) openLocked() {
	m.sess = &session{id: uuid.New(), started: time.Now()}
	m.endpointer.Reset()
	m.logger.Debug().Str("session", m.sess.id.String()).Msg("Capture session opened")
	m.publish(bus.EventTypeCaptureStarted, map[string]any{"session": m.sess.id.String()})
}

// closeLocked releases the session and the input stream. Caller must hold
// the lock. Safe to call with no session open.
func (m *Manager) closeLocked(announce bool) {
	if m.pendStop != nil {
		m.pendStop.Stop()
		m.pendStop = nil
	}
	if m.sess == nil {
		return
	}
	id := m.sess.id
	m.sess = nil
	m.endpointer.Reset()
	m.logger.Debug().Str("session", id.String()).Msg("Capture session released")
	if announce {
		m.publish(bus.EventTypeCaptureStopped, map[string]any{"session": id.String()})
	}
}

func (m *Manager) publish(t bus.EventType, data map[string]any) {
	if m.eventBus != nil {
		m.eventBus.Publish(bus.Event{Type: t, Data: data})
	}
}
