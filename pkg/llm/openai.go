package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/castellan-labs/castellan/pkg/audit"
	"github.com/castellan-labs/castellan/pkg/resiliency"
)

// OpenAIClient speaks the chat-completions protocol against any compatible
// base URL (hosted or a local runtime on localhost).
type OpenAIClient struct {
	baseURL string
	apiKey  string
	model   string
	http    *resiliency.Client
	auditor *audit.Logger
}

// NewOpenAIClient creates a client for baseURL (e.g.
// "https://api.openai.com/v1" or "http://localhost:11434/v1").
func NewOpenAIClient(baseURL, apiKey, model string) *OpenAIClient {
	return &OpenAIClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		http:    resiliency.NewClient(),
	}
}

// WithAuditor attaches request-level audit logging.
func (c *OpenAIClient) WithAuditor(a *audit.Logger) *OpenAIClient {
	c.auditor = a
	return c
}

// WithHTTPClient overrides the resilient HTTP client (testing).
func (c *OpenAIClient) WithHTTPClient(rc *resiliency.Client) *OpenAIClient {
	c.http = rc
	return c
}

type openAITool struct {
	Type     string         `json:"type"`
	Function ToolDefinition `json:"function"`
}

type openAIRequest struct {
	Model       string       `json:"model"`
	Messages    []Message    `json:"messages"`
	Tools       []openAITool `json:"tools,omitempty"`
	Temperature float64      `json:"temperature,omitempty"`
	TopP        float64      `json:"top_p,omitempty"`
	Seed        int64        `json:"seed,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

// Chat sends one completion request. Bodies are never logged; the audit
// trail carries only lengths and the model name.
func (c *OpenAIClient) Chat(ctx context.Context, msgs []Message, tools []ToolDefinition, options *SamplingOptions) (*Response, error) {
	resp, err := c.chat(ctx, msgs, tools, options)
	if c.auditor != nil {
		promptLen := 0
		for _, m := range msgs {
			promptLen += len(m.Content)
		}
		responseLen := 0
		errMsg := ""
		if resp != nil {
			responseLen = len(resp.Content)
		}
		if err != nil {
			errMsg = err.Error()
		}
		c.auditor.LogLLMRequest(c.model, promptLen, responseLen, err == nil, errMsg, "")
	}
	return resp, err
}

func (c *OpenAIClient) chat(ctx context.Context, msgs []Message, tools []ToolDefinition, options *SamplingOptions) (*Response, error) {
	var oaiTools []openAITool
	for _, t := range tools {
		oaiTools = append(oaiTools, openAITool{Type: "function", Function: t})
	}

	reqBody := openAIRequest{
		Model:    c.model,
		Messages: msgs,
		Tools:    oaiTools,
	}
	if options != nil {
		reqBody.Temperature = options.Temperature
		reqBody.TopP = options.TopP
		reqBody.Seed = options.Seed
		reqBody.MaxTokens = options.MaxTokens
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("completion status %d: %s", resp.StatusCode, snippet)
	}

	var oaiResp openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaiResp); err != nil {
		return nil, fmt.Errorf("decode completion response: %w", err)
	}
	if len(oaiResp.Choices) == 0 {
		return nil, fmt.Errorf("completion response has no choices")
	}
	choice := oaiResp.Choices[0].Message

	var toolCalls []ToolCall
	for _, tc := range choice.ToolCalls {
		var args map[string]any
		// Arguments arrive as a JSON string; a malformed one becomes nil
		// args rather than a failed turn.
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		toolCalls = append(toolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	return &Response{Content: choice.Content, ToolCalls: toolCalls}, nil
}
