package wake

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RemoteEngine adapts the in-browser keyword detector. The browser runs the
// actual DSP against the configured assets and reports hits through Notify
// (wired up by the frontend bridge); this side only carries the
// init/start/stop lifecycle and the detection stream.
type RemoteEngine struct {
	logger zerolog.Logger

	mu           sync.Mutex
	running      bool
	keywordAsset string
	modelAsset   string
	detections   chan Detection
}

// NewRemoteEngine creates a RemoteEngine
func NewRemoteEngine(logger zerolog.Logger) *RemoteEngine {
	return &RemoteEngine{
		logger:     logger.With().Str("component", "wake-engine").Logger(),
		detections: make(chan Detection, 8),
	}
}

// Init records the asset configuration the browser detector should load.
func (e *RemoteEngine) Init(ctx context.Context, accessKey, keywordAsset, modelAsset string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.keywordAsset = keywordAsset
	e.modelAsset = modelAsset
	e.logger.Debug().Str("keyword", keywordAsset).Str("model", modelAsset).Msg("Engine configured")
	return nil
}

// Start enables detection forwarding.
func (e *RemoteEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = true
	return nil
}

// Stop disables detection forwarding.
func (e *RemoteEngine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
	return nil
}

// Detections returns the keyword hit stream.
func (e *RemoteEngine) Detections() <-chan Detection {
	return e.detections
}

// Assets returns the configured asset paths for the browser to load.
func (e *RemoteEngine) Assets() (keyword, model string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.keywordAsset, e.modelAsset
}

// Notify reports one keyword hit from the browser detector. Hits while the
// engine is stopped, or beyond the channel's buffer, are dropped.
func (e *RemoteEngine) Notify(keyword string) {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()

	if !running {
		return
	}

	select {
	case e.detections <- Detection{Keyword: keyword, At: time.Now()}:
	default:
		e.logger.Warn().Str("keyword", keyword).Msg("Detection dropped, channel full")
	}
}
