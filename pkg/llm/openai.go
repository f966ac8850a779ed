package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const defaultAPIBase = "https://api.openai.com/v1"

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
// Credentials and base URL come from the per-call Request so one client
// serves every resolved configuration.
type OpenAIClient struct {
	httpClient *http.Client
}

// NewOpenAIClient creates a client with the given timeout. A zero timeout
// leaves cancellation entirely to the caller's context.
func NewOpenAIClient(timeout time.Duration) *OpenAIClient {
	return &OpenAIClient{
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	body, err := c.do(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read completion response: %w", err)
	}

	content := gjson.GetBytes(raw, "choices.0.message.content").String()
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("model returned empty response")
	}

	out := &Completion{
		Model:   gjson.GetBytes(raw, "model").String(),
		Content: content,
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	if usage := gjson.GetBytes(raw, "usage"); usage.Exists() {
		out.Usage = usageFromJSON(usage)
		out.HasUsage = true
	}
	return out, nil
}

func (c *OpenAIClient) CompleteStream(ctx context.Context, req Request, emit func(fragment string) error) (*Completion, error) {
	body, err := c.do(ctx, req, true)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	out := &Completion{Model: req.Model}
	var content strings.Builder

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "[DONE]" {
			continue
		}

		if m := gjson.Get(data, "model").String(); m != "" {
			out.Model = m
		}
		if fragment := gjson.Get(data, "choices.0.delta.content").String(); fragment != "" {
			content.WriteString(fragment)
			if err := emit(fragment); err != nil {
				return nil, fmt.Errorf("consume stream fragment: %w", err)
			}
		}
		// The final chunk carries usage when stream_options requests it.
		if usage := gjson.Get(data, "usage"); usage.Exists() && usage.IsObject() {
			out.Usage = usageFromJSON(usage)
			out.HasUsage = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	out.Content = content.String()
	return out, nil
}

// do issues the chat completions request and returns the response body,
// translating non-2xx statuses into errors with the provider's message.
func (c *OpenAIClient) do(ctx context.Context, req Request, stream bool) (io.ReadCloser, error) {
	payload := map[string]any{
		"model":    req.Model,
		"messages": req.Messages,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		payload["top_p"] = *req.TopP
	}
	if stream {
		payload["stream"] = true
		payload["stream_options"] = map[string]any{"include_usage": true}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	base := strings.TrimSuffix(req.APIBase, "/")
	if base == "" {
		base = defaultAPIBase
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("completion request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := gjson.GetBytes(raw, "error.message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return nil, fmt.Errorf("completion request: status %d: %s", resp.StatusCode, msg)
	}
	return resp.Body, nil
}

func usageFromJSON(usage gjson.Result) Usage {
	u := Usage{
		PromptTokens:     usage.Get("prompt_tokens").Int(),
		CompletionTokens: usage.Get("completion_tokens").Int(),
		TotalTokens:      usage.Get("total_tokens").Int(),
		CachedTokens:     usage.Get("prompt_tokens_details.cached_tokens").Int(),
		ReasoningTokens:  usage.Get("completion_tokens_details.reasoning_tokens").Int(),
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}
