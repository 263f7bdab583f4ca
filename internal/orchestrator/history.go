package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/suPer8Hu/turn-gateway/internal/ai"
	"github.com/suPer8Hu/turn-gateway/internal/chat"
)

// modelMessages converts stored messages into model input. Assistant messages
// are split at step boundaries so every tool call is followed by its result.
// Tool parts that have not reached a terminal state are left out.
func modelMessages(msgs []chat.Message) []ai.Message {
	out := make([]ai.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case chat.RoleUser:
			out = append(out, ai.Message{Role: "user", Content: userContent(m)})
		case chat.RoleSystem:
			out = append(out, ai.Message{Role: "system", Content: m.Text()})
		case chat.RoleAssistant:
			out = append(out, assistantTurns(m)...)
		}
	}
	return out
}

func userContent(m chat.Message) string {
	var sb strings.Builder
	for _, p := range m.Parts {
		switch p.Type {
		case chat.PartText:
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(p.Text)
		case chat.PartFile:
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			fmt.Fprintf(&sb, "[Attached file: %s (%s) %s]", p.Filename, p.MediaType, p.URL)
		}
	}
	return sb.String()
}

func assistantTurns(m chat.Message) []ai.Message {
	var out []ai.Message
	cur := ai.Message{Role: "assistant"}
	var results []ai.Message

	flush := func() {
		if cur.Content != "" || len(cur.ToolCalls) > 0 {
			out = append(out, cur)
			out = append(out, results...)
		}
		cur = ai.Message{Role: "assistant"}
		results = nil
	}

	for _, p := range m.Parts {
		switch p.Type {
		case chat.PartStepStart:
			flush()
		case chat.PartText:
			cur.Content += p.Text
		case chat.PartTool:
			if !p.State.Terminal() {
				continue
			}
			args := p.Input
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			cur.ToolCalls = append(cur.ToolCalls, ai.ToolCall{ID: p.ToolCallID, Name: p.ToolName, Arguments: args})
			results = append(results, ai.Message{
				Role:       "tool",
				ToolCallID: p.ToolCallID,
				ToolName:   p.ToolName,
				Content:    toolResult(p),
			})
		}
	}
	flush()
	return out
}

func toolResult(p chat.Part) string {
	switch p.State {
	case chat.StateOutputAvailable:
		if len(p.Output) == 0 {
			return "null"
		}
		return string(p.Output)
	case chat.StateOutputDenied:
		b, _ := json.Marshal(map[string]any{"denied": true, "reason": deniedReason(p)})
		return string(b)
	default:
		b, _ := json.Marshal(map[string]string{"error": p.ErrorText})
		return string(b)
	}
}

func deniedReason(p chat.Part) string {
	if p.Approval != nil && p.Approval.Reason != "" {
		return p.Approval.Reason
	}
	return "The user denied this tool call."
}
