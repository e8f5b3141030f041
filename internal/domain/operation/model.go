// Package operation defines collaborative edit operations and the pure
// transformation rules that keep concurrent edits convergent.
package operation

import "time"

// Type discriminates the operation payload.
type Type string

const (
	TypeInsert Type = "insert"
	TypeDelete Type = "delete"
	TypeFormat Type = "format"
)

// Attributes carries formatting key/value pairs, e.g. {"bold": true}.
type Attributes map[string]any

// Operation is a single edit against a session's document state.
// Positions and lengths count runes, not bytes. Timestamp is stamped by
// the author at creation; AppliedAt is stamped by the engine at admission
// and is what later arrivals are checked against for concurrency.
type Operation struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
	AppliedAt time.Time `json:"applied_at,omitempty"`
	Type      Type      `json:"type"`

	// Insert payload.
	Position int    `json:"position,omitempty"`
	Text     string `json:"text,omitempty"`

	// Delete payload reuses Position.
	Length int `json:"length,omitempty"`

	// Format payload.
	Start  int        `json:"start,omitempty"`
	End    int        `json:"end,omitempty"`
	Format Attributes `json:"format,omitempty"`
}

// TextLength is the insert payload width in runes.
func (o Operation) TextLength() int {
	return len([]rune(o.Text))
}

// FormatRange is a formatting span stored on the document state.
type FormatRange struct {
	Start      int        `json:"start"`
	End        int        `json:"end"`
	Attributes Attributes `json:"attributes,omitempty"`
	UserID     string     `json:"user_id,omitempty"`
	AppliedAt  time.Time  `json:"applied_at,omitempty"`
}

// State is a session's document snapshot: plain text plus the formatting
// spans applied to it.
type State struct {
	Text       string        `json:"text"`
	Formatting []FormatRange `json:"formatting,omitempty"`
}

// Len is the document length in runes.
func (s *State) Len() int {
	return len([]rune(s.Text))
}

// Clone returns a deep copy safe to hand outside the engine.
func (s *State) Clone() *State {
	out := &State{Text: s.Text}
	if len(s.Formatting) > 0 {
		out.Formatting = make([]FormatRange, len(s.Formatting))
		copy(out.Formatting, s.Formatting)
	}
	return out
}
