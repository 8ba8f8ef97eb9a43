package gateway

import (
	"fmt"
	"strings"

	"github.com/convogrid/convogrid/pkg/models"
)

// RenderText flattens a reply for plain-text channels. Cards become a
// numbered list, buttons a hint line. Pure function of reply content; rich
// channels send the structured payload instead.
func RenderText(reply *models.Reply) string {
	if reply == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(reply.Text)

	for i, card := range reply.Cards {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d. %s", i+1, card.Title)
		if card.Subtitle != "" {
			fmt.Fprintf(&b, " - %s", card.Subtitle)
		}
		if card.Price > 0 {
			fmt.Fprintf(&b, " (₹%.0f)", card.Price)
		}
	}

	if len(reply.Buttons) > 0 {
		labels := make([]string, len(reply.Buttons))
		for i, btn := range reply.Buttons {
			labels[i] = btn.Label
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Reply with: " + strings.Join(labels, " / "))
	}
	return b.String()
}
