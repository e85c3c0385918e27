package claudecli

import (
	"encoding/json"
	"strings"

	"arbiter/pkg/session"
)

// streamLine is the wire shape of one line of Claude CLI stream-json output.
// Only the fields the router cares about are decoded; everything else is
// carried in Raw for debugging.
type streamLine struct {
	Type      string        `json:"type"`
	Subtype   string        `json:"subtype,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Message   *assistantMsg `json:"message,omitempty"`
	Result    string        `json:"result,omitempty"`
	IsError   bool          `json:"is_error,omitempty"`
	Raw       string        `json:"-"`
}

type assistantMsg struct {
	Content []contentBlock `json:"content,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"`
}

// parseLine decodes a single stream-json line into zero or more session
// events. Malformed lines are skipped (reported via onError) rather than
// failing the turn.
func parseLine(line string, onError func(error)) []session.Event {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	var sl streamLine
	sl.Raw = line
	if err := json.Unmarshal([]byte(line), &sl); err != nil {
		if onError != nil {
			onError(err)
		}
		return nil
	}

	switch sl.Type {
	case "system":
		if sl.Subtype == "init" && sl.SessionID != "" {
			return []session.Event{{Type: session.EventInit, SessionID: sl.SessionID}}
		}
		return nil

	case "assistant":
		if sl.Message == nil {
			return nil
		}
		var events []session.Event
		for _, block := range sl.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					events = append(events, session.Event{
						Type:      session.EventContent,
						SessionID: sl.SessionID,
						Text:      block.Text,
					})
				}
			case "tool_use":
				events = append(events, session.Event{
					Type:      session.EventToolUse,
					SessionID: sl.SessionID,
					ToolName:  block.Name,
				})
			}
		}
		return events

	case "result":
		res := &session.Result{Subtype: session.ResultSuccess}
		if sl.IsError || sl.Subtype == "error" || strings.HasPrefix(sl.Subtype, "error_") {
			res.Subtype = session.ResultError
			res.ErrorText = sl.Result
		} else {
			res.StructuredOutput = session.ExtractJSONObject(sl.Result)
		}
		return []session.Event{{Type: session.EventResult, SessionID: sl.SessionID, Result: res}}

	default:
		return nil
	}
}

