package models

// ButtonType distinguishes how a channel should render a button.
type ButtonType string

// Button types.
const (
	ButtonQuickReply ButtonType = "quick_reply"
	ButtonAction     ButtonType = "action"
	ButtonURL        ButtonType = "url"
)

// Card is a rich UI element (product, store, order). Plain-text channels
// serialize cards as a numbered list.
type Card struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Subtitle string  `json:"subtitle,omitempty"`
	ImageURL string  `json:"image_url,omitempty"`
	Price    float64 `json:"price,omitempty"`
	Action   string  `json:"action,omitempty"`
}

// Button is an interactive reply option.
type Button struct {
	ID    string     `json:"id"`
	Label string     `json:"label"`
	Value string     `json:"value"`
	Type  ButtonType `json:"type"`
}

// Reply is the single outbound payload of one turn. Multiple actions may
// contribute; their messages concatenate in declared order.
type Reply struct {
	SessionID string         `json:"session_id"`
	Text      string         `json:"text"`
	Cards     []Card         `json:"cards,omitempty"`
	Buttons   []Button       `json:"buttons,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Append merges another reply fragment into r, concatenating text with a
// newline and appending cards/buttons in order.
func (r *Reply) Append(text string, cards []Card, buttons []Button) {
	if text != "" {
		if r.Text != "" {
			r.Text += "\n"
		}
		r.Text += text
	}
	r.Cards = append(r.Cards, cards...)
	r.Buttons = append(r.Buttons, buttons...)
}

// Empty reports whether the reply carries nothing user-visible.
func (r *Reply) Empty() bool {
	return r.Text == "" && len(r.Cards) == 0 && len(r.Buttons) == 0
}
