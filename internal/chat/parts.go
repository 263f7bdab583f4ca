package chat

import (
	"encoding/json"
	"errors"
	"fmt"
)

type PartType string

const (
	PartText      PartType = "text"
	PartReasoning PartType = "reasoning"
	PartFile      PartType = "file"
	PartTool      PartType = "tool"
	// PartStepStart marks where a model step begins inside an assistant message.
	PartStepStart PartType = "step-start"
)

// ToolState is the lifecycle state of a tool-invocation part.
type ToolState string

const (
	StateInputStreaming    ToolState = "input-streaming"
	StateInputAvailable    ToolState = "input-available"
	StateApprovalRequested ToolState = "approval-requested"
	StateApprovalResponded ToolState = "approval-responded"
	StateExecuting         ToolState = "executing"
	StateOutputAvailable   ToolState = "output-available"
	StateOutputError       ToolState = "output-error"
	StateOutputDenied      ToolState = "output-denied"
)

var ErrInvalidTransition = errors.New("chat: invalid tool state transition")

var toolTransitions = map[ToolState][]ToolState{
	StateInputStreaming:    {StateInputAvailable, StateOutputError},
	StateInputAvailable:    {StateExecuting, StateApprovalRequested, StateOutputError},
	StateApprovalRequested: {StateApprovalResponded, StateOutputError},
	StateApprovalResponded: {StateExecuting, StateOutputDenied, StateOutputError},
	StateExecuting:         {StateOutputAvailable, StateOutputError},
}

// Terminal reports whether no transition may leave s.
func (s ToolState) Terminal() bool {
	switch s {
	case StateOutputAvailable, StateOutputError, StateOutputDenied:
		return true
	}
	return false
}

func (s ToolState) CanTransition(to ToolState) bool {
	for _, next := range toolTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Approval is attached to a tool part once it enters approval-requested.
type Approval struct {
	ID       string `json:"id"`
	Approved *bool  `json:"approved,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Part is one element of a message. Which fields are set depends on Type.
type Part struct {
	Type PartType `json:"type"`

	// text / reasoning
	Text string `json:"text,omitempty"`

	// file
	MediaType string `json:"mediaType,omitempty"`
	Filename  string `json:"filename,omitempty"`
	URL       string `json:"url,omitempty"`

	// tool
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	State      ToolState       `json:"state,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	ErrorText  string          `json:"errorText,omitempty"`
	Approval   *Approval       `json:"approval,omitempty"`
}

// Transition moves a tool part to state to, enforcing the lifecycle.
func (p *Part) Transition(to ToolState) error {
	if p.Type != PartTool {
		return fmt.Errorf("%w: part type %q has no state", ErrInvalidTransition, p.Type)
	}
	if !p.State.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s (call %s)", ErrInvalidTransition, p.State, to, p.ToolCallID)
	}
	p.State = to
	return nil
}

// UnmarshalJSON accepts both "tool" and the "tool-<name>" type spelling used by UI clients.
func (p *Part) UnmarshalJSON(b []byte) error {
	type plain Part
	var raw plain
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if t := string(raw.Type); len(t) > len("tool-") && t[:len("tool-")] == "tool-" {
		if raw.ToolName == "" {
			raw.ToolName = t[len("tool-"):]
		}
		raw.Type = PartTool
	}
	*p = Part(raw)
	return nil
}
