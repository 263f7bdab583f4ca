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
	"strings"

	"github.com/oklog/ulid/v2"
)

type OllamaProvider struct {
	BaseURL string
	Model   string
	Client  *http.Client
}

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3.1:latest"
	}
	return &OllamaProvider{
		BaseURL: baseURL,
		Model:   model,
		Client:  &http.Client{},
	}
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaMsg struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Thinking  string           `json:"thinking,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type ollamaChatReq struct {
	Model    string       `json:"model"`
	Messages []ollamaMsg  `json:"messages"`
	Stream   bool         `json:"stream"`
	Tools    []ollamaTool `json:"tools,omitempty"`
	Think    bool         `json:"think,omitempty"`
}

type ollamaStreamResp struct {
	Message    ollamaMsg `json:"message"`
	Done       bool      `json:"done"`
	DoneReason string    `json:"done_reason,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func (p *OllamaProvider) buildRequest(req *Request) ollamaChatReq {
	out := ollamaChatReq{Model: p.Model, Stream: true, Think: req.Reasoning}
	if req.System != "" {
		out.Messages = append(out.Messages, ollamaMsg{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		msg := ollamaMsg{Role: m.Role, Content: m.Content, ToolName: m.ToolName}
		for _, tc := range m.ToolCalls {
			var call ollamaToolCall
			call.Function.Name = tc.Name
			call.Function.Arguments = tc.Arguments
			msg.ToolCalls = append(msg.ToolCalls, call)
		}
		out.Messages = append(out.Messages, msg)
	}
	for _, t := range req.Tools {
		var tool ollamaTool
		tool.Type = "function"
		tool.Function.Name = t.Name
		tool.Function.Description = t.Description
		tool.Function.Parameters = t.Parameters
		out.Tools = append(out.Tools, tool)
	}
	return out
}

// Stream reads Ollama's NDJSON chat stream. Ollama does not assign tool-call
// ids, so one is minted per call.
func (p *OllamaProvider) Stream(ctx context.Context, req *Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		if p.Client == nil {
			errs <- errors.New("ollama: http client is nil")
			return
		}

		b, err := json.Marshal(p.buildRequest(req))
		if err != nil {
			errs <- err
			return
		}

		url := fmt.Sprintf("%s/api/chat", strings.TrimRight(p.BaseURL, "/"))
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
		if err != nil {
			errs <- err
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := p.Client.Do(httpReq)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
			errs <- fmt.Errorf("ollama: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			return
		}

		sc := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}

			var decoded ollamaStreamResp
			if err := json.Unmarshal(line, &decoded); err != nil {
				errs <- err
				return
			}
			if decoded.Error != "" {
				errs <- errors.New(decoded.Error)
				return
			}

			out := make([]Chunk, 0, 3)
			if decoded.Message.Thinking != "" {
				out = append(out, Chunk{Reasoning: decoded.Message.Thinking})
			}
			if decoded.Message.Content != "" {
				out = append(out, Chunk{Text: decoded.Message.Content})
			}
			for _, tc := range decoded.Message.ToolCalls {
				args := tc.Function.Arguments
				if len(args) == 0 || string(args) == "null" {
					args = json.RawMessage("{}")
				}
				out = append(out, Chunk{ToolCall: &ToolCall{
					ID:        "call_" + strings.ToLower(ulid.Make().String()),
					Name:      tc.Function.Name,
					Arguments: args,
				}})
			}
			if decoded.Done {
				reason := decoded.DoneReason
				if reason == "" {
					reason = "stop"
				}
				out = append(out, Chunk{FinishReason: reason})
			}
			for _, c := range out {
				if !send(ctx, chunks, c) {
					errs <- ctx.Err()
					return
				}
			}
			if decoded.Done {
				return
			}
		}

		if err := sc.Err(); err != nil {
			errs <- err
			return
		}
	}()

	return chunks, errs
}
