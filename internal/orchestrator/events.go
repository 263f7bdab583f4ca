package orchestrator

import (
	"encoding/json"

	"github.com/suPer8Hu/turn-gateway/internal/apperr"
	"github.com/suPer8Hu/turn-gateway/internal/chat"
)

type EventType string

const (
	EventStart          EventType = "start"
	EventStartStep      EventType = "start-step"
	EventReasoningDelta EventType = "reasoning-delta"
	EventTextDelta      EventType = "text-delta"
	EventToolState      EventType = "tool-state"
	EventChatTitle      EventType = "data-chat-title"
	EventDebug          EventType = "data-debug"
	EventError          EventType = "error"
	EventFinishStep     EventType = "finish-step"
	EventFinish         EventType = "finish"
)

// Finish reasons reported on the finish event.
const (
	FinishStop              = "stop"
	FinishLength            = "length"
	FinishApprovalRequested = "approval-requested"
	FinishStepLimit         = "step-limit"
	FinishError             = "error"
	FinishCanceled          = "canceled"
)

// Event is one element of the turn's output stream.
type Event struct {
	Type      EventType `json:"type"`
	MessageID string    `json:"messageId,omitempty"`
	Delta     string    `json:"delta,omitempty"`

	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	State      chat.ToolState  `json:"state,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	ErrorText  string          `json:"errorText,omitempty"`
	Approval   *chat.Approval  `json:"approval,omitempty"`

	Kind         apperr.Kind `json:"kind,omitempty"`
	FinishReason string      `json:"finishReason,omitempty"`
	Data         any         `json:"data,omitempty"`
}

func toolEvent(p chat.Part) Event {
	ev := Event{
		Type:       EventToolState,
		ToolCallID: p.ToolCallID,
		ToolName:   p.ToolName,
		State:      p.State,
		ErrorText:  p.ErrorText,
	}
	switch p.State {
	case chat.StateInputAvailable:
		ev.Input = p.Input
	case chat.StateOutputAvailable:
		ev.Output = p.Output
	}
	if p.Approval != nil {
		a := *p.Approval
		ev.Approval = &a
	}
	return ev
}

// FinishEvent terminates a turn's stream.
func FinishEvent(res Result) Event {
	return Event{Type: EventFinish, MessageID: res.Message.ID, FinishReason: res.FinishReason}
}

// TitleEvent carries a generated chat title.
func TitleEvent(title string) Event {
	return Event{Type: EventChatTitle, Data: title}
}
