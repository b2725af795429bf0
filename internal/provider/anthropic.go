package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// AnthropicProvider struct + constructor
// ---------------------------------------------------------------------------

// AnthropicProvider implements Provider for Anthropic's Messages API.
// Same pattern as GeminiProvider: translate, POST, translate back.
type AnthropicProvider struct {
	name    string
	apiKey  string
	baseURL string // e.g. "https://api.anthropic.com/v1"
	client  *http.Client
	logger  *zap.Logger
}

// NewAnthropicProvider creates an AnthropicProvider ready to make API calls.
func NewAnthropicProvider(name, apiKey, baseURL string, client *http.Client, logger *zap.Logger) *AnthropicProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnthropicProvider{
		name:    name,
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger.With(zap.String("provider", name)),
	}
}

// Name returns the provider identifier.
func (a *AnthropicProvider) Name() string {
	return a.name
}

// Reshape keeps system messages (they become the top-level "system" field)
// and folds the rest into user/assistant alternation. The Messages API
// rejects a conversation that opens with an assistant turn or repeats a role.
func (a *AnthropicProvider) Reshape(messages []Message) []Message {
	return SystemThenAlternate(messages)
}

// ---------------------------------------------------------------------------
// Anthropic API types (unexported)
// ---------------------------------------------------------------------------

// anthropicRequest: "system" is a top-level string and max_tokens is
// required, unlike the other providers.
type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Stream      bool               `json:"stream,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Content    []anthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicErrorBody struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// anthropicStreamEvent holds every field any named event can carry; the
// "type" field says which ones are populated:
//
//	message_start       -> message (id, model, input tokens)
//	content_block_delta -> delta.text
//	message_delta       -> usage (output tokens)
//	error               -> error
type anthropicStreamEvent struct {
	Type    string                 `json:"type"`
	Message *anthropicEventMessage `json:"message,omitempty"`
	Delta   *anthropicEventDelta   `json:"delta,omitempty"`
	Usage   *anthropicUsage        `json:"usage,omitempty"`
	Error   *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type anthropicEventMessage struct {
	ID    string         `json:"id"`
	Model string         `json:"model"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicEventDelta struct {
	Type       string `json:"type,omitempty"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

const anthropicAPIVersion = "2023-06-01"

// defaultMaxTokens is used when the caller doesn't set a max length.
const defaultMaxTokens = 1024

func toAnthropicRequest(req *ChatRequest, stream bool) *anthropicRequest {
	ar := &anthropicRequest{
		Model:       req.Model,
		MaxTokens:   defaultMaxTokens,
		Stream:      stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if req.MaxLength != nil && *req.MaxLength > 0 {
		ar.MaxTokens = *req.MaxLength
	}

	var systemParts []string
	for _, msg := range req.Messages {
		if msg.Role == RoleSystem {
			systemParts = append(systemParts, msg.Content)
			continue
		}
		ar.Messages = append(ar.Messages, anthropicMessage{Role: msg.Role, Content: msg.Content})
	}
	ar.System = strings.Join(systemParts, "\n")

	return ar
}

// streamDecoder returns a FrameDecoder for one stream. Anthropic spreads the
// metadata across events (input tokens arrive first, output tokens last), so
// the decoder keeps them between calls.
func (a *AnthropicProvider) streamDecoder() FrameDecoder {
	var model string
	var inputTokens int

	return func(data []byte) (Frame, error) {
		var event anthropicStreamEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				model = event.Message.Model
				inputTokens = event.Message.Usage.InputTokens
			}
		case "content_block_delta":
			if event.Delta != nil && event.Delta.Text != "" {
				return Frame{Content: event.Delta.Text, Object: "message", Model: model}, nil
			}
		case "message_delta":
			if event.Usage != nil {
				out := event.Usage.OutputTokens
				return Frame{Object: "message", Model: model, Usage: &Usage{
					PromptTokens:     inputTokens,
					CompletionTokens: out,
					TotalTokens:      inputTokens + out,
				}}, nil
			}
		case "error":
			msg := ""
			code := ""
			if event.Error != nil {
				code, msg = event.Error.Type, event.Error.Message
			}
			return Frame{}, &ProviderError{Provider: a.name, Code: code, Message: msg}
		}
		return Frame{}, errNoContent
	}
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

func (a *AnthropicProvider) send(ctx context.Context, req *ChatRequest, stream bool) (*http.Response, error) {
	body, err := json.Marshal(toAnthropicRequest(req, stream))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Provider: a.name, Err: err}
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))

		perr := &ProviderError{
			Provider:   a.name,
			Message:    strings.TrimSpace(string(raw)),
			HTTPStatus: httpResp.StatusCode,
		}
		var eb anthropicErrorBody
		if json.Unmarshal(raw, &eb) == nil && eb.Error.Message != "" {
			perr.Code = eb.Error.Type
			perr.Message = eb.Error.Message
		}
		return nil, perr
	}

	return httpResp, nil
}

// ChatCompletion sends a buffered request to /messages.
func (a *AnthropicProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	httpResp, err := a.send(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var ar anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&ar); err != nil {
		return nil, &TransportError{Provider: a.name, Err: fmt.Errorf("decoding response: %w", err)}
	}

	// Responses can mix text and tool_use blocks; we want the text.
	var text strings.Builder
	for _, block := range ar.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &ChatResponse{
		Content:          text.String(),
		PromptTokens:     ar.Usage.InputTokens,
		CompletionTokens: ar.Usage.OutputTokens,
		TotalTokens:      ar.Usage.InputTokens + ar.Usage.OutputTokens,
		Model:            ar.Model,
		Object:           ar.Type,
	}, nil
}

// ChatCompletionStream sends a streaming request and relays the named events.
func (a *AnthropicProvider) ChatCompletionStream(ctx context.Context, req *ChatRequest) (*Stream, error) {
	httpResp, err := a.send(ctx, req, true)
	if err != nil {
		return nil, err
	}

	return RelaySSE(ctx, httpResp.Body, a.streamDecoder(), RelayConfig{
		Provider:     a.name,
		Model:        req.Model,
		Accumulation: Append,
		Logger:       a.logger,
	}), nil
}
