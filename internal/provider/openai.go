package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIProvider implements Provider for OpenAI-compatible chat APIs through
// the go-openai client. Unlike Baidu, these APIs take any role order and a
// static API key, and their streams send deltas, so the relay appends.
type OpenAIProvider struct {
	name   string
	client *openai.Client
	logger *zap.Logger
}

// NewOpenAIProvider creates an OpenAIProvider. An empty baseURL keeps the
// client's default (api.openai.com); a nil httpClient keeps its default client.
func NewOpenAIProvider(name, apiKey, baseURL string, httpClient *http.Client, logger *zap.Logger) *OpenAIProvider {
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}

	return &OpenAIProvider{
		name:   name,
		client: openai.NewClientWithConfig(cfg),
		logger: logger.With(zap.String("provider", name)),
	}
}

// Name returns the provider identifier.
func (o *OpenAIProvider) Name() string {
	return o.name
}

// Reshape keeps the conversation as-is; system, user and assistant messages
// are all accepted in any order.
func (o *OpenAIProvider) Reshape(messages []Message) []Message {
	return PassThrough(messages)
}

func toOpenAIRequest(req *ChatRequest, stream bool) openai.ChatCompletionRequest {
	or := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(req.Messages)),
		Stream:   stream,
	}
	for _, msg := range req.Messages {
		or.Messages = append(or.Messages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}
	if req.MaxLength != nil {
		or.MaxTokens = *req.MaxLength
	}
	if req.Temperature != nil {
		or.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		or.TopP = float32(*req.TopP)
	}
	return or
}

// ChatCompletion sends a buffered request.
func (o *OpenAIProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	resp, err := o.client.CreateChatCompletion(ctx, toOpenAIRequest(req, false))
	if err != nil {
		return nil, o.mapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Provider: o.name, Message: "response has no choices"}
	}

	return &ChatResponse{
		Content:          resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		Model:            resp.Model,
		Object:           resp.Object,
	}, nil
}

// ChatCompletionStream opens a streaming request and relays its deltas.
func (o *OpenAIProvider) ChatCompletionStream(ctx context.Context, req *ChatRequest) (*Stream, error) {
	st, err := o.client.CreateChatCompletionStream(ctx, toOpenAIRequest(req, true))
	if err != nil {
		return nil, o.mapError(err)
	}

	src := &openaiSource{provider: o, stream: st}
	return relay(ctx, src, RelayConfig{
		Provider:     o.name,
		Model:        req.Model,
		Accumulation: Append,
		Logger:       o.logger,
	}), nil
}

// mapError sorts go-openai errors into our kinds: a decoded error payload is
// a ProviderError, an undecodable non-2xx body is a ProviderError carrying the
// status, anything else never reached the API and is a TransportError.
func (o *OpenAIProvider) mapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := ""
		if apiErr.Code != nil {
			code = fmt.Sprint(apiErr.Code)
		}
		return &ProviderError{
			Provider:   o.name,
			Code:       code,
			Message:    apiErr.Message,
			HTTPStatus: apiErr.HTTPStatusCode,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &ProviderError{
			Provider:   o.name,
			Message:    reqErr.Error(),
			HTTPStatus: reqErr.HTTPStatusCode,
		}
	}

	return &TransportError{Provider: o.name, Err: err}
}

// openaiSource adapts a go-openai stream to the relay.
//
// Stream chunks in go-openai v1.14.2 carry no usage block (the client has no
// stream_options support), so the source reports an estimate instead: the
// API sends one token per content chunk, so the number of content chunks so
// far stands in for the completion tokens. Prompt tokens stay zero; only a
// buffered call reports them.
type openaiSource struct {
	provider *OpenAIProvider
	stream   *openai.ChatCompletionStream
	once     sync.Once

	completion int
}

func (s *openaiSource) next() (Frame, error) {
	resp, err := s.stream.Recv()
	if errors.Is(err, io.EOF) {
		return Frame{}, io.EOF
	}
	if err != nil {
		return Frame{}, s.provider.mapError(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
		return Frame{}, errNoContent
	}

	s.completion++
	return Frame{
		Content: resp.Choices[0].Delta.Content,
		Object:  resp.Object,
		Model:   resp.Model,
		Usage:   &Usage{CompletionTokens: s.completion, TotalTokens: s.completion},
	}, nil
}

func (s *openaiSource) close() {
	s.once.Do(func() { s.stream.Close() })
}
