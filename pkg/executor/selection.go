package executor

import (
	"context"
	"strconv"
	"strings"

	"github.com/convogrid/convogrid/pkg/rpc"
)

// Events emitted by the selection executor.
const (
	EventSelected  = "selected"
	EventAmbiguous = "ambiguous"
)

// ordinals maps spoken ordinals to zero-based indexes.
var ordinals = map[string]int{
	"first": 0, "1st": 0,
	"second": 1, "2nd": 1,
	"third": 2, "3rd": 2,
	"fourth": 3, "4th": 3,
	"fifth": 4, "5th": 4,
	"last": -1,
}

// SelectionExecutor parses a user's selection reply ("1", "first", "the
// pizza one") against a previously shown option list. Accepts numeric,
// ordinal, and fuzzy substring matches.
type SelectionExecutor struct{}

// NewSelectionExecutor creates the selection executor.
func NewSelectionExecutor() *SelectionExecutor { return &SelectionExecutor{} }

// Name implements Executor.
func (e *SelectionExecutor) Name() string { return "selection" }

// NeedsUserInput implements Executor.
func (e *SelectionExecutor) NeedsUserInput() bool { return true }

// Execute implements Executor.
func (e *SelectionExecutor) Execute(_ context.Context, config map[string]any, tc *TurnContext) (*Result, error) {
	options := cfgSlice(config, "options")
	if len(options) == 0 {
		return nil, rpc.NewError(rpc.KindInternal, "selection: options are required")
	}
	userText := cfgString(config, "user_text")
	if userText == "" {
		userText = tc.LastUserMessage()
	}
	text := strings.ToLower(strings.TrimSpace(userText))
	if text == "" {
		return invalidSelection(len(options)), nil
	}

	if idx, ok := parseIndex(text, len(options)); ok {
		return selectedResult(idx, options), nil
	}

	// Fuzzy: substring match against each option's name/title/label.
	matches := fuzzyMatches(text, options)
	switch len(matches) {
	case 1:
		return selectedResult(matches[0], options), nil
	case 0:
		return invalidSelection(len(options)), nil
	default:
		return &Result{
			Events:   []string{EventAmbiguous},
			Response: "A few options match — can you pick one by number?",
			Pause:    true,
		}, nil
	}
}

// parseIndex handles bare numbers and spoken ordinals.
func parseIndex(text string, n int) (int, bool) {
	fields := strings.Fields(text)
	for _, f := range fields {
		f = strings.Trim(f, ".,!)")
		if idx, err := strconv.Atoi(f); err == nil {
			if idx >= 1 && idx <= n {
				return idx - 1, true
			}
			return 0, false
		}
		if idx, ok := ordinals[f]; ok {
			if idx == -1 {
				return n - 1, true
			}
			if idx < n {
				return idx, true
			}
			return 0, false
		}
	}
	return 0, false
}

func fuzzyMatches(text string, options []any) []int {
	var matches []int
	for i, opt := range options {
		name := optionName(opt)
		if name == "" {
			continue
		}
		lower := strings.ToLower(name)
		if strings.Contains(lower, text) || strings.Contains(text, lower) {
			matches = append(matches, i)
			continue
		}
		// Any significant word of the reply appearing in the option counts.
		for _, w := range strings.Fields(text) {
			if len(w) >= 4 && strings.Contains(lower, w) {
				matches = append(matches, i)
				break
			}
		}
	}
	return matches
}

func optionName(opt any) string {
	switch v := opt.(type) {
	case string:
		return v
	case map[string]any:
		for _, key := range []string{"name", "title", "label"} {
			if s, ok := v[key].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func selectedResult(idx int, options []any) *Result {
	return &Result{
		Output: map[string]any{"index": idx, "item": options[idx]},
		Events: []string{EventSelected},
	}
}

func invalidSelection(n int) *Result {
	return &Result{
		Events:   []string{EventInvalid},
		Response: "Sorry, I couldn't match that to an option — reply with a number between 1 and " + strconv.Itoa(n) + ".",
		Pause:    true,
	}
}
