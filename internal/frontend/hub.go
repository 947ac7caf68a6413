// Package frontend bridges the orchestrator to a browser client over a
// websocket. The browser owns the microphone, the wake-word engine and
// the renderer; this side owns all turn-taking decisions.
package frontend

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/normanking/univoice/internal/bus"
	"github.com/normanking/univoice/internal/capture"
	"github.com/normanking/univoice/internal/config"
	"github.com/normanking/univoice/internal/session"
	"github.com/normanking/univoice/internal/wake"
)

// Message is the websocket envelope in both directions.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound message payloads.
type helloPayload struct {
	SampleRate  int      `json:"sample_rate"`
	UserAgent   string   `json:"user_agent"`
	TargetNames []string `json:"target_names"` // renderer morph targets, declared order
}

type audioChunkPayload struct {
	Data string `json:"data"` // base64 PCM
}

type wakePayload struct {
	Keyword string `json:"keyword"`
}

// Hub owns the single browser connection. A new connection supersedes
// the old one; there is never more than one client.
type Hub struct {
	config       *config.Frontend
	logger       zerolog.Logger
	eventBus     *bus.EventBus
	capture      *capture.Manager
	orchestrator *session.Orchestrator
	engine       *wake.RemoteEngine

	upgrader websocket.Upgrader

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	send   chan Message

	onTargetNames func(names []string)
}

// OnTargetNames registers the callback fired when the client reports its
// morph target names in the hello message.
func (h *Hub) OnTargetNames(fn func(names []string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onTargetNames = fn
}

// NewHub creates the frontend bridge and subscribes to the events the
// browser needs mirrored.
func NewHub(
	cfg *config.Frontend,
	cap *capture.Manager,
	orch *session.Orchestrator,
	engine *wake.RemoteEngine,
	eventBus *bus.EventBus,
	logger zerolog.Logger,
) *Hub {
	h := &Hub{
		config:       cfg,
		logger:       logger.With().Str("component", "frontend").Logger(),
		eventBus:     eventBus,
		capture:      cap,
		orchestrator: orch,
		engine:       engine,
		send:         make(chan Message, 64),
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  16384,
		WriteBufferSize: 16384,
		CheckOrigin:     h.checkOrigin,
	}

	if eventBus != nil {
		eventBus.SubscribeMultiple([]bus.EventType{
			bus.EventTypeStateChanged,
			bus.EventTypeSleep,
		}, func(e bus.Event) {
			h.push("state", e.Data)
		})
		eventBus.SubscribeMultiple([]bus.EventType{
			bus.EventTypeTurnAppended,
			bus.EventTypeTurnRemoved,
		}, func(e bus.Event) {
			h.push("turn", map[string]any{"event": string(e.Type), "turn": e.Data})
		})
		eventBus.Subscribe(bus.EventTypeWakeUnavailable, func(e bus.Event) {
			h.push("log", map[string]any{
				"level":   "warn",
				"message": "Wake word unavailable, use the wake button",
			})
		})
	}

	return h
}

// checkOrigin allows configured origins, or any origin when none are
// configured (local single-user deployment).
func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.config.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// Attach registers the websocket endpoint on mux.
func (h *Hub) Attach(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.handleWS)
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	h.mu.Lock()
	if h.conn != nil {
		h.logger.Info().Msg("New client supersedes existing connection")
		h.conn.Close()
	}
	h.conn = conn
	h.mu.Unlock()

	h.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("Client connected")

	go h.writeLoop(conn)
	h.readLoop(conn)
}

func (h *Hub) readLoop(conn *websocket.Conn) {
	defer func() {
		h.mu.Lock()
		if h.conn == conn {
			h.conn = nil
		}
		h.mu.Unlock()
		conn.Close()
		h.logger.Info().Msg("Client disconnected")
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Msg("Read error")
			}
			return
		}
		h.dispatch(msg)
	}
}

func (h *Hub) writeLoop(conn *websocket.Conn) {
	for msg := range h.send {
		h.mu.Lock()
		current := h.conn
		h.mu.Unlock()
		if current != conn {
			return
		}
		if err := conn.WriteJSON(msg); err != nil {
			h.logger.Warn().Err(err).Msg("Write error")
			return
		}
	}
}

// dispatch routes one inbound client message.
func (h *Hub) dispatch(msg Message) {
	switch msg.Type {
	case "hello":
		var p helloPayload
		json.Unmarshal(msg.Data, &p)
		h.logger.Info().Int("sample_rate", p.SampleRate).Str("user_agent", p.UserAgent).
			Int("targets", len(p.TargetNames)).Msg("Client hello")
		if len(p.TargetNames) > 0 {
			h.mu.Lock()
			fn := h.onTargetNames
			h.mu.Unlock()
			if fn != nil {
				fn(p.TargetNames)
			}
		}
		h.sendHello()

	case "audio_chunk":
		var p audioChunkPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			h.logger.Warn().Err(err).Msg("Malformed audio chunk")
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(p.Data)
		if err != nil {
			h.logger.Warn().Err(err).Msg("Bad audio chunk encoding")
			return
		}
		h.capture.PushChunk(pcm)

	case "wake":
		var p wakePayload
		json.Unmarshal(msg.Data, &p)
		h.engine.Notify(p.Keyword)

	case "manual_wake":
		h.orchestrator.ManualWake()

	case "sleep":
		h.orchestrator.Sleep("client")

	case "mic_error":
		h.logger.Warn().Msg("Client reported microphone error")
		h.capture.SetPermissionDenied(true)

	default:
		h.logger.Debug().Str("type", msg.Type).Msg("Unknown client message")
	}
}

// sendHello tells a fresh client where the wake assets live and what
// state the session is in.
func (h *Hub) sendHello() {
	keyword, model := h.engine.Assets()
	h.push("hello", map[string]any{
		"keyword_asset": keyword,
		"model_asset":   model,
		"state":         string(h.orchestrator.State()),
	})
}

// push queues an outbound message, dropping it if the client is slow.
func (h *Hub) push(msgType string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Warn().Err(err).Str("type", msgType).Msg("Marshal failed")
		return
	}
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return
	}
	select {
	case h.send <- Message{Type: msgType, Data: raw}:
	default:
		h.logger.Warn().Str("type", msgType).Msg("Send queue full, dropping")
	}
}

// PushLog streams one log line to the client.
func (h *Hub) PushLog(level, component, message string) {
	h.push("log", map[string]any{
		"level":     level,
		"component": component,
		"message":   message,
	})
}

// ApplyWeights implements playback.Sink.
func (h *Hub) ApplyWeights(weights map[int]float64) {
	h.push("frame_weights", map[string]any{"weights": weights})
}

// PlayAudio implements playback.Sink.
func (h *Hub) PlayAudio(name string, data []byte) {
	h.push("play_audio", map[string]any{
		"name": name,
		"data": base64.StdEncoding.EncodeToString(data),
	})
}

// StopAudio implements playback.Sink.
func (h *Hub) StopAudio() {
	h.push("stop_audio", nil)
}

// Close shuts the hub down.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	if h.conn != nil {
		h.conn.Close()
		h.conn = nil
	}
	h.mu.Unlock()
	close(h.send)
}
