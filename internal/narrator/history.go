package narrator

import "sync"

// History keeps the last exchanges per target, oldest first
type History struct {
	mu    sync.Mutex
	limit int
	turns map[string][]ChatMessage
}

// NewHistory keeps at most limit prompt/answer pairs per target
func NewHistory(limit int) *History {
	if limit < 0 {
		limit = 0
	}
	return &History{limit: limit, turns: make(map[string][]ChatMessage)}
}

// Limit returns the number of pairs kept per target
func (h *History) Limit() int {
	return h.limit
}

// Get returns a copy of the target's history
func (h *History) Get(target string) []ChatMessage {
	h.mu.Lock()
	defer h.mu.Unlock()

	turns := h.turns[target]
	out := make([]ChatMessage, len(turns))
	copy(out, turns)
	return out
}

// Append records one exchange and evicts the oldest beyond the limit
func (h *History) Append(target, prompt, answer string) {
	if h.limit == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	turns := append(h.turns[target],
		ChatMessage{Role: "user", Content: prompt},
		ChatMessage{Role: "assistant", Content: answer},
	)
	if excess := len(turns) - 2*h.limit; excess > 0 {
		turns = append([]ChatMessage(nil), turns[excess:]...)
	}
	h.turns[target] = turns
}

// Clear drops the target's history
func (h *History) Clear(target string) {
	h.mu.Lock()
	delete(h.turns, target)
	h.mu.Unlock()
}
