package executor

import "github.com/convogrid/convogrid/pkg/models"

// Config accessors. Action configs arrive as map[string]any after
// interpolation; numbers may be float64 (JSON/YAML), int, or stringified
// template output, so readers coerce leniently.

func cfgString(config map[string]any, key string) string {
	if v, ok := config[key].(string); ok {
		return v
	}
	return ""
}

func cfgFloat(config map[string]any, key string) (float64, bool) {
	switch v := config[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func cfgInt(config map[string]any, key string, def int) int {
	if f, ok := cfgFloat(config, key); ok {
		return int(f)
	}
	return def
}

func cfgBool(config map[string]any, key string) bool {
	v, _ := config[key].(bool)
	return v
}

func cfgMap(config map[string]any, key string) map[string]any {
	v, _ := config[key].(map[string]any)
	return v
}

func cfgSlice(config map[string]any, key string) []any {
	v, _ := config[key].([]any)
	return v
}

// cfgLatLng reads a {lat,lng} object.
func cfgLatLng(node map[string]any) (lat, lng float64, ok bool) {
	if node == nil {
		return 0, 0, false
	}
	lat, latOK := cfgFloat(node, "lat")
	lng, lngOK := cfgFloat(node, "lng")
	return lat, lng, latOK && lngOK
}

// cfgButtons decodes a buttons config array.
func cfgButtons(raw []any) []models.Button {
	var out []models.Button
	for _, b := range raw {
		m, ok := b.(map[string]any)
		if !ok {
			continue
		}
		btn := models.Button{
			ID:    cfgString(m, "id"),
			Label: cfgString(m, "label"),
			Value: cfgString(m, "value"),
			Type:  models.ButtonType(cfgString(m, "type")),
		}
		if btn.Type == "" {
			btn.Type = models.ButtonQuickReply
		}
		if btn.Value == "" {
			btn.Value = btn.Label
		}
		out = append(out, btn)
	}
	return out
}

// cfgCards decodes a cards config array.
func cfgCards(raw []any) []models.Card {
	var out []models.Card
	for _, c := range raw {
		m, ok := c.(map[string]any)
		if !ok {
			continue
		}
		card := models.Card{
			ID:       cfgString(m, "id"),
			Title:    cfgString(m, "title"),
			Subtitle: cfgString(m, "subtitle"),
			ImageURL: cfgString(m, "image_url"),
			Action:   cfgString(m, "action"),
		}
		if p, ok := cfgFloat(m, "price"); ok {
			card.Price = p
		}
		out = append(out, card)
	}
	return out
}
