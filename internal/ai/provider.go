package ai

import (
	"context"
	"encoding/json"
	"strings"
)

type Message struct {
	Role    string
	Content string

	// assistant turns that requested tools
	ToolCalls []ToolCall
	// tool-result turns
	ToolCallID string
	ToolName   string
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolSpec describes a tool offered to the model. Parameters is a JSON schema.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

type Request struct {
	System    string
	Messages  []Message
	Tools     []ToolSpec
	Reasoning bool
}

// Chunk is one increment of a streamed completion. Exactly one of Text,
// Reasoning, ToolCall or FinishReason is set.
type Chunk struct {
	Text         string
	Reasoning    string
	ToolCall     *ToolCall
	FinishReason string
}

// Provider streams one model step. Both channels are closed when the step ends;
// at most one error is sent.
type Provider interface {
	Stream(ctx context.Context, req *Request) (<-chan Chunk, <-chan error)
}

// Collect drains a stream and returns the concatenated text.
func Collect(ctx context.Context, p Provider, req *Request) (string, error) {
	chunks, errs := p.Stream(ctx, req)
	var sb strings.Builder
	for c := range chunks {
		sb.WriteString(c.Text)
	}
	if err := <-errs; err != nil {
		return "", err
	}
	return sb.String(), nil
}

// send delivers c unless ctx ends first.
func send(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
