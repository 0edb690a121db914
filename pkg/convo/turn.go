// Package convo holds the per-call conversation history: an append-only
// sequence of user and assistant turns. Each call session owns exactly one
// History; the durable store only ever receives copies.
package convo

import (
	"sync"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one utterance in the conversation. Turns are immutable once
// appended.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// Confidence is the transcript confidence for user turns, in [0,1].
	// Zero for assistant turns.
	Confidence float64 `json:"confidence,omitempty"`
}

// NewUserTurn creates a user turn with the transcript confidence.
func NewUserTurn(content string, confidence float64) Turn {
	return Turn{
		Role:       RoleUser,
		Content:    content,
		Timestamp:  time.Now(),
		Confidence: confidence,
	}
}

// NewAssistantTurn creates an assistant turn.
func NewAssistantTurn(content string) Turn {
	return Turn{
		Role:      RoleAssistant,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// History is an append-only, insertion-ordered turn buffer.
// Safe for concurrent use.
type History struct {
	mu    sync.Mutex
	turns []Turn
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{}
}

// Append adds a turn to the end of the history.
func (h *History) Append(t Turn) {
	h.mu.Lock()
	h.turns = append(h.turns, t)
	h.mu.Unlock()
}

// Turns returns a copy of the full history in insertion order.
func (h *History) Turns() []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Window returns a copy of the most recent n turns. The full history is
// unbounded; only the window is ever sent to the completion backend.
func (h *History) Window(n int) []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || len(h.turns) == 0 {
		return nil
	}
	start := len(h.turns) - n
	if start < 0 {
		start = 0
	}
	out := make([]Turn, len(h.turns)-start)
	copy(out, h.turns[start:])
	return out
}

// Len returns the number of turns.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}
