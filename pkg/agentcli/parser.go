package agentcli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// ToolUse is one tool invocation observed on the stream.
type ToolUse struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// Result is the outcome of one CLI invocation.
type Result struct {
	SessionID     string
	Text          string
	CostUSD       float64
	InputTokens   int64
	OutputTokens  int64
	ContextWindow int64 // 0 when the runtime did not report one
	NumTurns      int
	DurationMS    int64
	IsError       bool
	ErrorText     string
	ToolUses      []ToolUse
}

// ContextPct computes the context-fill percentage against the given default
// window, preferring the window the runtime reported.
func (r *Result) ContextPct(defaultWindow int64) float64 {
	window := r.ContextWindow
	if window == 0 {
		window = defaultWindow
	}
	if window == 0 {
		return 0
	}
	pct := float64(r.InputTokens+r.OutputTokens) / float64(window) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Observer receives stream messages as they arrive, before the final result
// is assembled. Used for tool-call journaling and liveness tracking.
type Observer func(msg *StreamMessage)

// Parse consumes stream-json output line by line and assembles the result.
// Non-JSON lines are skipped; the CLI interleaves plain diagnostics on
// stdout when verbose.
func Parse(r io.Reader, observe Observer) (*Result, error) {
	result := &Result{}
	var text strings.Builder
	sawResult := false

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] != '{' {
			continue
		}

		var msg StreamMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		if observe != nil {
			observe(&msg)
		}

		switch msg.Type {
		case MessageTypeSystem:
			if msg.SessionID != "" {
				result.SessionID = msg.SessionID
			}

		case MessageTypeAssistant:
			if msg.Message == nil {
				continue
			}
			for _, block := range msg.Message.Content {
				switch block.Type {
				case "text":
					text.WriteString(block.Text)
				case "tool_use":
					result.ToolUses = append(result.ToolUses, ToolUse{
						ID:    block.ID,
						Name:  block.Name,
						Input: block.Input,
					})
				}
			}

		case MessageTypeResult:
			sawResult = true
			result.CostUSD = msg.CostUSD
			result.DurationMS = msg.DurationMS
			result.NumTurns = msg.NumTurns
			result.InputTokens = msg.TotalInputTokens
			result.OutputTokens = msg.TotalOutputTokens
			result.IsError = msg.IsError
			if msg.SessionID != "" {
				result.SessionID = msg.SessionID
			}
			if msg.IsError {
				result.ErrorText = msg.ResultText()
			} else if s := msg.ResultText(); s != "" {
				// the result message carries the final text verbatim
				text.Reset()
				text.WriteString(s)
			}
			for _, usage := range msg.ModelUsage {
				if usage.ContextWindow != nil && *usage.ContextWindow > result.ContextWindow {
					result.ContextWindow = *usage.ContextWindow
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read CLI stream: %w", err)
	}
	if !sawResult {
		return nil, fmt.Errorf("CLI stream ended without a result message")
	}

	result.Text = text.String()
	return result, nil
}
