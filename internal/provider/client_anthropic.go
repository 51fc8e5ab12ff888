package provider

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

	"scribe/internal/logging"
	"scribe/internal/types"
)

// AnthropicClient streams completions from the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewAnthropicClient creates a client for one Anthropic model.
func NewAnthropicClient(apiKey, baseURL, model string, timeout time.Duration) *AnthropicClient {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	return &AnthropicClient{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *AnthropicClient) Provider() string { return "anthropic" }
func (c *AnthropicClient) Model() string    { return c.model }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
}

// anthropicStreamEvent is the union of SSE event payloads we consume.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	ContentBlock struct {
		Type  string          `json:"type"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content_block"`

	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		Thinking    string `json:"thinking"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`

	Message struct {
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`

	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`

	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Stream performs one streaming completion against /messages.
func (c *AnthropicClient) Stream(ctx context.Context, req Request, onDelta DeltaFunc) (*types.CompletionResult, error) {
	if c.apiKey == "" {
		return nil, &Error{Provider: "anthropic", Message: "API key not configured"}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}
	body := anthropicRequest{
		Model:       c.model,
		MaxTokens:   maxTokens,
		System:      req.System,
		Temperature: req.Temperature,
		Stream:      true,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, anthropicMessage{Role: string(m.Role), Content: m.Content})
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, networkError("anthropic", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, statusError("anthropic", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	return c.consumeStream(ctx, resp.Body, onDelta)
}

// consumeStream reads SSE events in order, assembling text, thinking, and
// tool-use blocks.
func (c *AnthropicClient) consumeStream(ctx context.Context, body io.Reader, onDelta DeltaFunc) (*types.CompletionResult, error) {
	result := &types.CompletionResult{}
	var text, thinking strings.Builder

	// Tool-use blocks stream their input as partial JSON per block index.
	type toolBlock struct {
		id   string
		name string
		json strings.Builder
	}
	toolBlocks := make(map[int]*toolBlock)
	blockOrder := []int{}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			logging.ProviderDebug("[anthropic] skipping malformed event: %v", err)
			continue
		}

		switch ev.Type {
		case "message_start":
			result.Usage.InputTokens = ev.Message.Usage.InputTokens
		case "content_block_start":
			if ev.ContentBlock.Type == "tool_use" {
				toolBlocks[ev.Index] = &toolBlock{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
				blockOrder = append(blockOrder, ev.Index)
			}
		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				text.WriteString(ev.Delta.Text)
				if onDelta != nil {
					onDelta(types.TokenDelta{Text: ev.Delta.Text})
				}
			case "thinking_delta":
				thinking.WriteString(ev.Delta.Thinking)
				if onDelta != nil {
					onDelta(types.TokenDelta{Thinking: ev.Delta.Thinking})
				}
			case "input_json_delta":
				if tb := toolBlocks[ev.Index]; tb != nil {
					tb.json.WriteString(ev.Delta.PartialJSON)
				}
			}
		case "message_delta":
			if ev.Delta.StopReason != "" {
				result.StopReason = ev.Delta.StopReason
			}
			if ev.Usage.OutputTokens > 0 {
				result.Usage.OutputTokens = ev.Usage.OutputTokens
			}
		case "error":
			return nil, &Error{Provider: "anthropic", Message: ev.Error.Message, Transient: ev.Error.Type == "overloaded_error"}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, networkError("anthropic", err)
	}

	result.Text = text.String()
	result.ThinkingSummary = thinking.String()
	for _, idx := range blockOrder {
		tb := toolBlocks[idx]
		input := map[string]any{}
		raw := tb.json.String()
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &input); err != nil {
				return nil, &Error{Provider: "anthropic", Message: fmt.Sprintf("malformed tool input for %s: %v", tb.name, err)}
			}
		}
		result.ToolCalls = append(result.ToolCalls, types.ToolCall{ID: tb.id, Name: tb.name, Input: input})
	}
	return result, nil
}
