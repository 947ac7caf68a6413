// Package wake manages acquisition of the keyword-detection capability,
// with graceful degradation to manual wake when no engine can be brought up.
package wake

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/univoice/internal/bus"
)

// ErrWakeWordUnavailable indicates every candidate engine configuration
// failed. Non-fatal: manual wake remains the sole entry point.
var ErrWakeWordUnavailable = errors.New("wake word engine unavailable")

// Detection is one keyword hit reported by the engine.
type Detection struct {
	Keyword string
	At      time.Time
}

// Engine is the keyword-detection collaborator. Implementations wrap the
// actual DSP (in-browser or embedded); the gate only sequences them.
type Engine interface {
	Init(ctx context.Context, accessKey, keywordAsset, modelAsset string) error
	Start() error
	Stop() error
	Detections() <-chan Detection
}

// Candidate is one initialization configuration. Candidates differ only in
// how the asset paths are resolved (relative vs fully-qualified).
type Candidate struct {
	Name         string
	KeywordAsset string
	ModelAsset   string
}

// Config configures the gate.
type Config struct {
	AccessKey    string
	KeywordAsset string // relative asset path
	ModelAsset   string
	BaseURL      string // prepended for the fully-qualified candidate
	InitTimeout  time.Duration
	ProbeTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		KeywordAsset: "static/mithr.ppn",
		ModelAsset:   "static/porcupine_params.pv",
		BaseURL:      "http://localhost:8002",
		InitTimeout:  10 * time.Second,
		ProbeTimeout: 3 * time.Second,
	}
}

// Gate acquires and supervises the wake-word engine.
type Gate struct {
	config   *Config
	engine   Engine
	eventBus *bus.EventBus
	logger   zerolog.Logger
	probe    *http.Client

	mu        sync.Mutex
	ready     bool
	paused    bool
	degraded  bool
	stopWatch context.CancelFunc
}

// NewGate creates a gate around the given engine
func NewGate(config *Config, engine Engine, eventBus *bus.EventBus, logger zerolog.Logger) *Gate {
	if config == nil {
		config = DefaultConfig()
	}
	return &Gate{
		config:   config,
		engine:   engine,
		eventBus: eventBus,
		logger:   logger.With().Str("component", "wake").Logger(),
		probe:    &http.Client{Timeout: config.ProbeTimeout},
	}
}

// Candidates returns the ordered initialization attempts: relative asset
// paths first, then fully-qualified URLs against the configured base.
func (g *Gate) Candidates() []Candidate {
	base := strings.TrimSuffix(g.config.BaseURL, "/")
	return []Candidate{
		{
			Name:         "relative",
			KeywordAsset: g.config.KeywordAsset,
			ModelAsset:   g.config.ModelAsset,
		},
		{
			Name:         "qualified",
			KeywordAsset: base + "/" + strings.TrimPrefix(g.config.KeywordAsset, "/"),
			ModelAsset:   base + "/" + strings.TrimPrefix(g.config.ModelAsset, "/"),
		},
	}
}

// Acquire walks the candidate list: probe asset reachability, skip
// unreachable configurations, otherwise race Init against the init timeout.
// First success wins. Exhaustion yields ErrWakeWordUnavailable and the gate
// stays permanently degraded for the session.
func (g *Gate) Acquire(ctx context.Context) error {
	for _, cand := range g.Candidates() {
		if !g.probeAsset(ctx, cand.KeywordAsset) {
			g.logger.Debug().Str("candidate", cand.Name).Str("asset", cand.KeywordAsset).
				Msg("Keyword asset unreachable, skipping candidate")
			continue
		}

		if err := g.initWithTimeout(ctx, cand); err != nil {
			g.logger.Warn().Err(err).Str("candidate", cand.Name).Msg("Engine init failed")
			continue
		}

		if err := g.engine.Start(); err != nil {
			g.logger.Warn().Err(err).Str("candidate", cand.Name).Msg("Engine start failed")
			continue
		}

		g.mu.Lock()
		g.ready = true
		g.mu.Unlock()

		g.logger.Info().Str("candidate", cand.Name).Msg("Wake word engine ready")
		g.watchDetections(ctx)
		return nil
	}

	g.mu.Lock()
	g.degraded = true
	g.mu.Unlock()

	// Reported once; the orchestrator must offer manual wake instead.
	g.logger.Warn().Msg("All wake word configurations failed, falling back to manual wake")
	g.publish(bus.EventTypeWakeUnavailable, nil)
	return ErrWakeWordUnavailable
}

// initWithTimeout races the engine Init call against the fixed timeout.
func (g *Gate) initWithTimeout(ctx context.Context, cand Candidate) error {
	ctx, cancel := context.WithTimeout(ctx, g.config.InitTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- g.engine.Init(ctx, g.config.AccessKey, cand.KeywordAsset, cand.ModelAsset)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("init %s: %w", cand.Name, ctx.Err())
	}
}

// probeAsset checks asset reachability. Relative paths cannot be probed
// over HTTP and are assumed reachable by the engine itself.
func (g *Gate) probeAsset(ctx context.Context, asset string) bool {
	if !strings.HasPrefix(asset, "http://") && !strings.HasPrefix(asset, "https://") {
		return true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, asset, nil)
	if err != nil {
		return false
	}
	resp, err := g.probe.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 400
}

// watchDetections forwards engine detections onto the bus, suppressing
// them while the gate is paused.
func (g *Gate) watchDetections(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.stopWatch = cancel
	g.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case det, ok := <-g.engine.Detections():
				if !ok {
					return
				}
				if g.Paused() {
					continue
				}
				g.logger.Info().Str("keyword", det.Keyword).Msg("Wake word detected")
				g.publish(bus.EventTypeWakeDetected, map[string]any{"keyword": det.Keyword})
			}
		}
	}()
}

// Pause suspends the detector while the conversation is awake, so a
// keyword spoken mid-conversation cannot trigger a duplicate wake.
// Idempotent.
func (g *Gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.ready || g.paused {
		return
	}
	g.paused = true
	if err := g.engine.Stop(); err != nil {
		g.logger.Warn().Err(err).Msg("Engine stop failed on pause")
	}
}

// Resume restarts the detector when the conversation returns to sleeping.
// Idempotent.
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.ready || !g.paused {
		return
	}
	g.paused = false
	if err := g.engine.Start(); err != nil {
		g.logger.Warn().Err(err).Msg("Engine start failed on resume")
	}
}

// Paused reports whether detections are currently suppressed.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Ready reports whether a keyword engine was acquired.
func (g *Gate) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}

// Degraded reports whether the session is in manual-wake-only mode.
func (g *Gate) Degraded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.degraded
}

// Close stops the engine and the detection watcher.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopWatch != nil {
		g.stopWatch()
		g.stopWatch = nil
	}
	if g.ready {
		g.engine.Stop()
		g.ready = false
	}
}

func (g *Gate) publish(t bus.EventType, data map[string]any) {
	if g.eventBus != nil {
		g.eventBus.Publish(bus.Event{Type: t, Data: data})
	}
}
