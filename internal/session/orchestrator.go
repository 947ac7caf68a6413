// Package session implements the turn-taking orchestrator: the central
// state machine that decides whether the system is sleeping, listening,
// transcribing, thinking or speaking, and keeps capture, collaborator
// calls and playback consistent with that state.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/univoice/internal/bundle"
	"github.com/normanking/univoice/internal/bus"
	"github.com/normanking/univoice/internal/capture"
	"github.com/normanking/univoice/internal/playback"
	"github.com/normanking/univoice/internal/wake"
)

// State is the orchestrator's conversation mode. Exactly one value holds
// at any instant; all but Sleeping form the awake super-state.
type State string

const (
	StateSleeping     State = "sleeping"
	StateListening    State = "listening"
	StateTranscribing State = "transcribing"
	StateThinking     State = "thinking"
	StateSpeaking     State = "speaking"
)

// Awake reports whether s is inside the awake super-state.
func (s State) Awake() bool {
	return s != StateSleeping
}

// Transcriber converts utterance audio to text. Empty text means no
// speech was detected.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Responder answers one user message.
type Responder interface {
	Send(ctx context.Context, message string) (string, error)
}

// Animator produces a raw animation bundle for reply text.
type Animator interface {
	Fetch(ctx context.Context, text string) ([]byte, error)
}

// Config configures the orchestrator.
type Config struct {
	InactivityTimeout time.Duration // silence anywhere awake returns to sleeping
	SettleDelay       time.Duration // echo guard between speaking and re-arming capture
	RetryDelay        time.Duration // re-arm delay after a failed turn
	Greeting          string
	Apology           string
	Farewell          string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		InactivityTimeout: 30 * time.Second,
		SettleDelay:       400 * time.Millisecond,
		RetryDelay:        time.Second,
		Greeting:          "Welcome to the University Assistant! How can I help you today?",
		Apology:           "I'm sorry, I'm having trouble accessing the university information right now. Could you try asking again?",
		Farewell:          "Thank you for using the university assistant! Have a great day!",
	}
}

// goodbyeWords end the conversation when they appear in a transcript.
var goodbyeWords = []string{"goodbye", "bye", "exit", "quit", "thank you", "thanks"}

// Orchestrator is the process-wide session state machine. Constructed at
// process start, reset on every sleep entry, torn down at process exit.
type Orchestrator struct {
	config   *Config
	logger   zerolog.Logger
	eventBus *bus.EventBus

	capture *capture.Manager
	gate    *wake.Gate
	clock   *playback.Clock
	store   *bundle.Store

	stt  Transcriber
	chat Responder
	anim Animator

	history *History

	mu         sync.Mutex
	state      State
	epoch      uuid.UUID // rotated on sleep; stale results compare against it
	farewell   bool      // current playback is the goodbye clip
	inactivity *time.Timer
	pending    []*time.Timer

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates the orchestrator and wires the capture and playback
// callbacks.
func New(
	config *Config,
	cap *capture.Manager,
	gate *wake.Gate,
	clock *playback.Clock,
	store *bundle.Store,
	stt Transcriber,
	chat Responder,
	anim Animator,
	eventBus *bus.EventBus,
	logger zerolog.Logger,
) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}

	o := &Orchestrator{
		config:   config,
		logger:   logger.With().Str("component", "session").Logger(),
		eventBus: eventBus,
		capture:  cap,
		gate:     gate,
		clock:    clock,
		store:    store,
		stt:      stt,
		chat:     chat,
		anim:     anim,
		history:  NewHistory(eventBus),
		state:    StateSleeping,
		epoch:    uuid.New(),
	}

	cap.OnUtterance(o.handleUtterance)
	clock.OnFinished(o.handlePlaybackFinished)

	return o
}

// Start begins reacting to events. Collaborator calls inherit ctx.
func (o *Orchestrator) Start(ctx context.Context) {
	o.ctx, o.cancel = context.WithCancel(ctx)

	if o.eventBus != nil {
		o.eventBus.Subscribe(bus.EventTypeWakeDetected, func(bus.Event) {
			o.Wake("keyword")
		})
	}
}

// Close tears the orchestrator down.
func (o *Orchestrator) Close() {
	o.Sleep("shutdown")
	if o.cancel != nil {
		o.cancel()
	}
}

// State returns the current conversation mode.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// History returns the conversation turn history.
func (o *Orchestrator) History() *History {
	return o.history
}

// Wake transitions Sleeping to Speaking with the greeting turn. Wake
// signals while already awake are ignored.
func (o *Orchestrator) Wake(source string) {
	o.mu.Lock()
	if o.state != StateSleeping {
		o.mu.Unlock()
		o.logger.Debug().Str("source", source).Msg("Wake signal ignored, already awake")
		return
	}
	o.history.Clear()
	o.farewell = false
	epoch := o.epoch
	o.setStateLocked(StateSpeaking)
	o.mu.Unlock()

	o.logger.Info().Str("source", source).Msg("Waking up")
	o.gate.Pause()
	o.history.Append(RoleAssistant, o.config.Greeting)
	o.speak(epoch, o.config.Greeting, false)
}

// ManualWake is the explicit wake action, the sole entry point when the
// wake-word gate is degraded.
func (o *Orchestrator) ManualWake() {
	o.Wake("manual")
}

// Sleep forces the sleeping state: history and playback are cleared, all
// timers stop, and in-flight collaborator results are suppressed by
// rotating the epoch. Always safe; idempotent.
func (o *Orchestrator) Sleep(reason string) {
	o.mu.Lock()
	if o.state == StateSleeping {
		o.mu.Unlock()
		return
	}
	o.epoch = uuid.New()
	o.farewell = false
	if o.inactivity != nil {
		o.inactivity.Stop()
		o.inactivity = nil
	}
	for _, t := range o.pending {
		t.Stop()
	}
	o.pending = nil
	o.setStateLocked(StateSleeping)
	o.mu.Unlock()

	o.logger.Info().Str("reason", reason).Msg("Going to sleep")
	o.capture.Stop()
	o.clock.Reset()
	o.history.Clear()
	o.gate.Resume()

	if o.eventBus != nil {
		o.eventBus.Publish(bus.Event{Type: bus.EventTypeSleep, Data: map[string]any{"reason": reason}})
	}
}

// handleUtterance reacts to a completed capture. Fired by the capture
// manager exactly once per non-trivial recording.
func (o *Orchestrator) handleUtterance(audio []byte) {
	o.mu.Lock()
	if o.state != StateListening {
		o.mu.Unlock()
		o.logger.Warn().Str("state", string(o.state)).Msg("Utterance while not listening, discarding")
		return
	}
	epoch := o.epoch
	o.setStateLocked(StateTranscribing)
	o.touchLocked()
	o.mu.Unlock()

	go func() {
		text, err := o.stt.Transcribe(o.ctx, audio)

		o.deliver(epoch, func() {
			if err != nil {
				o.logger.Warn().Err(err).Msg("Transcription failed, returning to listening")
				o.retryListening(epoch)
				return
			}
			if strings.TrimSpace(text) == "" {
				o.logger.Debug().Msg("Empty transcript, returning to listening")
				o.retryListening(epoch)
				return
			}
			o.handleTranscript(epoch, text)
		})
	}()
}

// handleTranscript runs the transcript through the chat collaborator.
func (o *Orchestrator) handleTranscript(epoch uuid.UUID, text string) {
	o.mu.Lock()
	o.setStateLocked(StateThinking)
	o.touchLocked()
	o.mu.Unlock()

	o.history.Append(RoleUser, text)
	o.history.AppendThinking("…")

	go func() {
		reply, err := o.chat.Send(o.ctx, text)

		o.deliver(epoch, func() {
			o.history.RemoveThinking()
			if err != nil {
				o.logger.Warn().Err(err).Msg("Chat request failed")
				o.history.Append(RoleStatus, o.config.Apology)
				o.retryListening(epoch)
				return
			}

			farewell := isGoodbye(text)
			o.mu.Lock()
			o.farewell = farewell
			o.mu.Unlock()

			if farewell {
				reply = o.config.Farewell
			}
			o.history.Append(RoleAssistant, reply)
			o.speak(epoch, reply, farewell)
		})
	}()
}

// speak requests an animation bundle for text and starts playback. The
// caller has already appended the matching assistant turn.
func (o *Orchestrator) speak(epoch uuid.UUID, text string, farewell bool) {
	o.mu.Lock()
	if o.state != StateSpeaking {
		o.setStateLocked(StateThinking)
	}
	o.touchLocked()
	o.mu.Unlock()

	go func() {
		data, err := o.anim.Fetch(o.ctx, text)

		var clip *bundle.Clip
		if err == nil {
			clip, err = o.store.Parse(data)
		}

		o.deliver(epoch, func() {
			if err != nil {
				o.logger.Warn().Err(err).Msg("Animation bundle failed")
				if o.eventBus != nil {
					o.eventBus.Publish(bus.Event{Type: bus.EventTypeBundleFailed, Data: map[string]any{"error": err.Error()}})
				}
				o.history.Append(RoleStatus, o.config.Apology)
				if farewell {
					o.Sleep("farewell")
					return
				}
				o.retryListening(epoch)
				return
			}

			o.mu.Lock()
			o.setStateLocked(StateSpeaking)
			o.touchLocked()
			o.mu.Unlock()

			if o.eventBus != nil {
				o.eventBus.Publish(bus.Event{Type: bus.EventTypeBundleReady, Data: map[string]any{"frames": clip.MaxFrames()}})
			}
			o.clock.Play(clip)
		})
	}()
}

// handlePlaybackFinished is the sole speaking-to-listening transition.
func (o *Orchestrator) handlePlaybackFinished() {
	o.mu.Lock()
	if o.state != StateSpeaking {
		o.mu.Unlock()
		return
	}
	epoch := o.epoch
	farewell := o.farewell
	o.touchLocked()
	o.mu.Unlock()

	if farewell {
		o.Sleep("farewell")
		return
	}

	// Settle before re-arming so we don't capture trailing playback audio.
	o.schedule(epoch, o.config.SettleDelay, func() {
		o.armListening(epoch)
	})
}

// armListening enters the listening state and opens capture. Capture is
// armed only here, after checking the full guard: listening state, no open
// session, no playback in progress.
func (o *Orchestrator) armListening(epoch uuid.UUID) {
	o.mu.Lock()
	o.setStateLocked(StateListening)
	o.touchLocked()
	o.mu.Unlock()

	if o.capture.Active() || o.clock.Playing() {
		o.logger.Warn().Msg("Capture guard violated, not arming")
		return
	}

	if err := o.capture.Start(); err != nil {
		o.logger.Warn().Err(err).Msg("Capture unavailable, retrying")
		// Bounded by the inactivity deadline, not a retry count.
		o.schedule(epoch, o.config.RetryDelay, func() {
			o.armListening(epoch)
		})
	}
}

// retryListening schedules a re-arm after a failed turn.
func (o *Orchestrator) retryListening(epoch uuid.UUID) {
	o.mu.Lock()
	o.setStateLocked(StateListening)
	o.touchLocked()
	o.mu.Unlock()

	o.capture.Stop()
	o.schedule(epoch, o.config.RetryDelay, func() {
		o.armListening(epoch)
	})
}

// deliver runs fn only if the session epoch the work belongs to is still
// current: results of an abandoned turn are discarded rather than applied.
func (o *Orchestrator) deliver(epoch uuid.UUID, fn func()) {
	o.mu.Lock()
	current := o.epoch
	o.mu.Unlock()

	if current != epoch {
		o.logger.Debug().Msg("Stale collaborator result discarded")
		return
	}
	fn()
}

// schedule arms an epoch-guarded timer and records it so Sleep can stop
// it.
func (o *Orchestrator) schedule(epoch uuid.UUID, d time.Duration, fn func()) {
	t := time.AfterFunc(d, func() {
		o.deliver(epoch, fn)
	})

	o.mu.Lock()
	o.pending = append(o.pending, t)
	// Drop fired/stopped timers occasionally.
	if len(o.pending) > 16 {
		o.pending = append([]*time.Timer{}, o.pending[len(o.pending)-8:]...)
	}
	o.mu.Unlock()
}

// setStateLocked changes state and announces it. Caller must hold the
// lock.
func (o *Orchestrator) setStateLocked(s State) {
	if o.state == s {
		return
	}
	old := o.state
	o.state = s
	o.logger.Info().Str("from", string(old)).Str("to", string(s)).Msg("State changed")

	if o.eventBus != nil {
		o.eventBus.Publish(bus.Event{Type: bus.EventTypeStateChanged, Data: map[string]any{
			"from": string(old),
			"to":   string(s),
		}})
	}
}

// touchLocked resets the inactivity deadline. Every awake entry and every
// turn resets it; firing forces the sleep transition. Caller must hold
// the lock.
func (o *Orchestrator) touchLocked() {
	if o.state == StateSleeping {
		return
	}
	if o.inactivity != nil {
		o.inactivity.Stop()
	}
	o.inactivity = time.AfterFunc(o.config.InactivityTimeout, func() {
		o.Sleep("inactivity")
	})
}

// isGoodbye reports whether the transcript asks to end the conversation.
func isGoodbye(text string) bool {
	lower := strings.ToLower(text)
	for _, w := range goodbyeWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
