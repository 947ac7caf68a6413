package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/normanking/univoice/internal/bus"
)

// Role classifies a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleStatus    Role = "system-status"
)

// Turn is one entry in the conversation. Turns are never mutated after
// creation; the thinking placeholder is removed, not edited, once the real
// reply arrives.
type Turn struct {
	ID        uuid.UUID `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// History is the append-only ordered sequence of conversation turns for
// the single active session.
type History struct {
	mu       sync.Mutex
	turns    []Turn
	thinking uuid.UUID // zero when no placeholder is present
	eventBus *bus.EventBus
}

// NewHistory creates an empty history
func NewHistory(eventBus *bus.EventBus) *History {
	return &History{eventBus: eventBus}
}

// Append adds a turn and returns it.
func (h *History) Append(role Role, text string) Turn {
	t := Turn{ID: uuid.New(), Role: role, Text: text, CreatedAt: time.Now()}

	h.mu.Lock()
	h.turns = append(h.turns, t)
	h.mu.Unlock()

	if h.eventBus != nil {
		h.eventBus.Publish(bus.Event{Type: bus.EventTypeTurnAppended, Data: map[string]any{
			"id":   t.ID.String(),
			"role": string(role),
			"text": text,
		}})
	}
	return t
}

// AppendThinking adds the transient assistant-thinking placeholder.
// Any previous placeholder is removed first.
func (h *History) AppendThinking(text string) Turn {
	h.RemoveThinking()
	t := h.Append(RoleStatus, text)

	h.mu.Lock()
	h.thinking = t.ID
	h.mu.Unlock()
	return t
}

// RemoveThinking removes the placeholder turn if present.
func (h *History) RemoveThinking() {
	h.mu.Lock()
	id := h.thinking
	if id == uuid.Nil {
		h.mu.Unlock()
		return
	}
	h.thinking = uuid.Nil
	for i, t := range h.turns {
		if t.ID == id {
			h.turns = append(h.turns[:i], h.turns[i+1:]...)
			break
		}
	}
	h.mu.Unlock()

	if h.eventBus != nil {
		h.eventBus.Publish(bus.Event{Type: bus.EventTypeTurnRemoved, Data: map[string]any{
			"id": id.String(),
		}})
	}
}

// Turns returns a copy of all turns in causal order.
func (h *History) Turns() []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Len returns the number of turns.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

// Clear removes all turns.
func (h *History) Clear() {
	h.mu.Lock()
	h.turns = nil
	h.thinking = uuid.Nil
	h.mu.Unlock()
}
