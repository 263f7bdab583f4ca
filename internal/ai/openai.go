package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

func NewOpenAIProvider(baseURL, apiKey, model string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg), model: model}
}

func (p *OpenAIProvider) buildRequest(req *Request) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{Model: p.model, Stream: true}
	if req.System != "" {
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		msg := openai.ChatCompletionMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out.Messages = append(out.Messages, msg)
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if req.Reasoning {
		out.ReasoningEffort = "medium"
	}
	return out
}

func wrapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusPaymentRequired {
		return fmt.Errorf("%w: %w", ErrBillingRequired, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusPaymentRequired {
		return fmt.Errorf("%w: %w", ErrBillingRequired, err)
	}
	return fmt.Errorf("openai: %w", err)
}

func (p *OpenAIProvider) Stream(ctx context.Context, req *Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		if strings.TrimSpace(p.model) == "" {
			errs <- errors.New("openai: model is required")
			return
		}

		stream, err := p.client.CreateChatCompletionStream(ctx, p.buildRequest(req))
		if err != nil {
			errs <- wrapOpenAIError(err)
			return
		}
		defer stream.Close()

		calls := map[int]*ToolCall{}
		flush := func() bool {
			idx := make([]int, 0, len(calls))
			for i := range calls {
				idx = append(idx, i)
			}
			sort.Ints(idx)
			for _, i := range idx {
				tc := calls[i]
				if tc.Name == "" {
					continue
				}
				if len(tc.Arguments) == 0 {
					tc.Arguments = []byte("{}")
				}
				if !send(ctx, chunks, Chunk{ToolCall: tc}) {
					return false
				}
			}
			calls = map[int]*ToolCall{}
			return true
		}

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				if !flush() {
					errs <- ctx.Err()
				}
				return
			}
			if err != nil {
				errs <- wrapOpenAIError(err)
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			delta := choice.Delta

			if delta.ReasoningContent != "" && !send(ctx, chunks, Chunk{Reasoning: delta.ReasoningContent}) {
				errs <- ctx.Err()
				return
			}
			if delta.Content != "" && !send(ctx, chunks, Chunk{Text: delta.Content}) {
				errs <- ctx.Err()
				return
			}
			for _, tc := range delta.ToolCalls {
				i := 0
				if tc.Index != nil {
					i = *tc.Index
				}
				acc := calls[i]
				if acc == nil {
					acc = &ToolCall{}
					calls[i] = acc
				}
				if tc.ID != "" {
					acc.ID = tc.ID
				}
				if tc.Function.Name != "" {
					acc.Name = tc.Function.Name
				}
				acc.Arguments = append(acc.Arguments, tc.Function.Arguments...)
			}
			if choice.FinishReason != "" {
				if !flush() {
					errs <- ctx.Err()
					return
				}
				if !send(ctx, chunks, Chunk{FinishReason: string(choice.FinishReason)}) {
					errs <- ctx.Err()
					return
				}
			}
		}
	}()

	return chunks, errs
}
