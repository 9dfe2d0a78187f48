package runner

import (
	"encoding/json"
	"strings"

	"github.com/dispatchd/dispatchd/internal/task"
)

// streamEvent is one line-delimited JSON object emitted on the spawned
// process's stdout. The parser is defensive, not a schema validator:
// anything it doesn't recognize is carried as plain text.
type streamEvent struct {
	Type  string         `json:"type"`
	Text  string         `json:"text"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
	Usage *usagePayload  `json:"usage"`
}

type usagePayload struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// parseStream interprets accumulated stdout as line-delimited JSON
// events: text events aggregate into content, tool_use events are
// collected, and usage counters are summed. Lines that fail to parse as
// JSON objects are appended to content verbatim. Never fails.
func parseStream(stdout string) (content string, usage task.Usage, calls []task.ToolCall) {
	var parts []string

	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			parts = append(parts, line)
			continue
		}

		recognized := false
		switch ev.Type {
		case "text":
			parts = append(parts, ev.Text)
			recognized = true
		case "tool_use":
			calls = append(calls, task.ToolCall{Name: ev.Name, Input: ev.Input})
			recognized = true
		}
		if ev.Usage != nil {
			usage.Add(task.Usage{
				InputTokens:  ev.Usage.InputTokens,
				OutputTokens: ev.Usage.OutputTokens,
			})
			recognized = true
		}
		if !recognized {
			parts = append(parts, line)
		}
	}

	return strings.Join(parts, "\n"), usage, calls
}
