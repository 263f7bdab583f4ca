package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

type OpenRouterProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	SiteURL string
	AppName string
	Client  *http.Client
}

type openRouterMsg struct {
	Role       string               `json:"role"`
	Content    string               `json:"content"`
	ToolCalls  []openRouterToolCall `json:"tool_calls,omitempty"`
	ToolCallID string               `json:"tool_call_id,omitempty"`
}

type openRouterToolCall struct {
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type openRouterTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type openRouterReasoning struct {
	Effort string `json:"effort"`
}

type openRouterChatReq struct {
	Model     string               `json:"model"`
	Messages  []openRouterMsg      `json:"messages"`
	Stream    bool                 `json:"stream"`
	Tools     []openRouterTool     `json:"tools,omitempty"`
	Reasoning *openRouterReasoning `json:"reasoning,omitempty"`
}

type openRouterStreamResp struct {
	Choices []struct {
		Delta struct {
			Content   string               `json:"content"`
			Reasoning string               `json:"reasoning"`
			ToolCalls []openRouterToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewOpenRouterProvider(baseURL, apiKey, model, siteURL, appName string) *OpenRouterProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &OpenRouterProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		SiteURL: siteURL,
		AppName: appName,
		// no client timeout; the turn context bounds streaming
		Client: &http.Client{},
	}
}

func (p *OpenRouterProvider) buildRequest(req *Request) openRouterChatReq {
	out := openRouterChatReq{Model: strings.TrimSpace(p.Model), Stream: true}
	if req.System != "" {
		out.Messages = append(out.Messages, openRouterMsg{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		msg := openRouterMsg{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			var call openRouterToolCall
			call.ID = tc.ID
			call.Type = "function"
			call.Function.Name = tc.Name
			call.Function.Arguments = string(tc.Arguments)
			msg.ToolCalls = append(msg.ToolCalls, call)
		}
		out.Messages = append(out.Messages, msg)
	}
	for _, t := range req.Tools {
		var tool openRouterTool
		tool.Type = "function"
		tool.Function.Name = t.Name
		tool.Function.Description = t.Description
		tool.Function.Parameters = t.Parameters
		out.Tools = append(out.Tools, tool)
	}
	if req.Reasoning {
		out.Reasoning = &openRouterReasoning{Effort: "medium"}
	}
	return out
}

func openRouterError(status int, msg string) error {
	if msg == "" {
		msg = fmt.Sprintf("status %d", status)
	}
	err := fmt.Errorf("openrouter: %s", msg)
	if status == http.StatusPaymentRequired {
		return fmt.Errorf("%w: %w", ErrBillingRequired, err)
	}
	return err
}

// Stream streams one completion step via SSE, accumulating tool-call
// fragments by index until the step finishes.
func (p *OpenRouterProvider) Stream(ctx context.Context, req *Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		if p.Client == nil {
			errs <- errors.New("openrouter: http client is nil")
			return
		}
		if strings.TrimSpace(p.APIKey) == "" {
			errs <- errors.New("openrouter: api key is required")
			return
		}
		if strings.TrimSpace(p.Model) == "" {
			errs <- errors.New("openrouter: model is required")
			return
		}

		b, err := json.Marshal(p.buildRequest(req))
		if err != nil {
			errs <- err
			return
		}

		url := fmt.Sprintf("%s/chat/completions", strings.TrimRight(p.BaseURL, "/"))
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
		if err != nil {
			errs <- err
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
		if p.SiteURL != "" {
			httpReq.Header.Set("HTTP-Referer", p.SiteURL)
		}
		if p.AppName != "" {
			httpReq.Header.Set("X-Title", p.AppName)
		}

		resp, err := p.Client.Do(httpReq)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
			errs <- openRouterError(resp.StatusCode, strings.TrimSpace(string(body)))
			return
		}

		calls := map[int]*ToolCall{}
		flushCalls := func() bool {
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
					tc.Arguments = json.RawMessage("{}")
				}
				if !send(ctx, chunks, Chunk{ToolCall: tc}) {
					return false
				}
			}
			calls = map[int]*ToolCall{}
			return true
		}

		sc := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				break
			}
			var decoded openRouterStreamResp
			if err := json.Unmarshal([]byte(data), &decoded); err != nil {
				errs <- err
				return
			}
			if decoded.Error != nil && decoded.Error.Message != "" {
				errs <- openRouterError(decoded.Error.Code, decoded.Error.Message)
				return
			}
			if len(decoded.Choices) == 0 {
				continue
			}
			choice := decoded.Choices[0]
			if choice.Delta.Reasoning != "" && !send(ctx, chunks, Chunk{Reasoning: choice.Delta.Reasoning}) {
				errs <- ctx.Err()
				return
			}
			if choice.Delta.Content != "" && !send(ctx, chunks, Chunk{Text: choice.Delta.Content}) {
				errs <- ctx.Err()
				return
			}
			for _, tc := range choice.Delta.ToolCalls {
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
				if !flushCalls() {
					errs <- ctx.Err()
					return
				}
				if !send(ctx, chunks, Chunk{FinishReason: choice.FinishReason}) {
					errs <- ctx.Err()
					return
				}
			}
		}

		if err := sc.Err(); err != nil {
			errs <- err
			return
		}
		if !flushCalls() {
			errs <- ctx.Err()
		}
	}()

	return chunks, errs
}
