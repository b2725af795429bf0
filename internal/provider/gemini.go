package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// GeminiProvider struct + constructor
// ---------------------------------------------------------------------------

// GeminiProvider implements Provider for Google's Gemini API. It translates a
// ChatRequest into Gemini's contents/parts format, makes the HTTP call and
// translates the response back.
type GeminiProvider struct {
	name    string
	apiKey  string       // sent as a query parameter, not a header
	baseURL string       // e.g. "https://generativelanguage.googleapis.com/v1beta"
	client  *http.Client // reusable HTTP client (manages connection pooling)
	logger  *zap.Logger
}

// NewGeminiProvider creates a GeminiProvider ready to make API calls.
func NewGeminiProvider(name, apiKey, baseURL string, client *http.Client, logger *zap.Logger) *GeminiProvider {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeminiProvider{
		name:    name,
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger.With(zap.String("provider", name)),
	}
}

// Name returns the provider identifier.
func (g *GeminiProvider) Name() string {
	return g.name
}

// Reshape keeps system messages, which toGeminiRequest moves into
// systemInstruction, and folds the rest into user/model alternation.
// generateContent expects contents to open on a user turn and alternate;
// a history starting with "model" or repeating a role is rejected or
// answered unpredictably.
func (g *GeminiProvider) Reshape(messages []Message) []Message {
	return SystemThenAlternate(messages)
}

// ---------------------------------------------------------------------------
// Gemini API types (unexported)
// ---------------------------------------------------------------------------

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

// geminiContent is one message. Gemini uses "parts" because it supports
// multimodal input; for text we always send a single part.
type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
	ModelVersion  string               `json:"modelVersion"`
	Error         *geminiError         `json:"error,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// geminiObject is the object tag for canonical responses; Gemini has none.
const geminiObject = "generateContent"

// toGeminiRequest handles the three translation differences:
//  1. system messages go into systemInstruction
//  2. messages become contents with parts, "assistant" becomes "model"
//  3. sampling options move under generationConfig
func toGeminiRequest(req *ChatRequest) *geminiRequest {
	gr := &geminiRequest{}

	for _, msg := range req.Messages {
		if msg.Role == RoleSystem {
			if gr.SystemInstruction == nil {
				gr.SystemInstruction = &geminiContent{}
			}
			gr.SystemInstruction.Parts = append(gr.SystemInstruction.Parts, geminiPart{Text: msg.Content})
			continue
		}

		role := msg.Role
		if role == RoleAssistant {
			role = "model"
		}
		gr.Contents = append(gr.Contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: msg.Content}},
		})
	}

	if req.MaxLength != nil || req.Temperature != nil || req.TopP != nil {
		gr.GenerationConfig = &geminiGenerationConfig{
			MaxOutputTokens: req.MaxLength,
			Temperature:     req.Temperature,
			TopP:            req.TopP,
		}
	}

	return gr
}

func geminiText(c geminiCandidate) string {
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

func (g *GeminiProvider) payloadError(r *geminiResponse) error {
	if r.Error == nil {
		return nil
	}
	return &ProviderError{
		Provider:   g.name,
		Code:       r.Error.Status,
		Message:    r.Error.Message,
		HTTPStatus: r.Error.Code,
	}
}

// decodeFrame is the FrameDecoder for Gemini streams. Each event carries only
// the new text, so the relay appends.
func (g *GeminiProvider) decodeFrame(data []byte) (Frame, error) {
	var r geminiResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := g.payloadError(&r); err != nil {
		return Frame{}, err
	}

	f := Frame{Object: geminiObject, Model: r.ModelVersion}
	if len(r.Candidates) > 0 {
		f.Content = geminiText(r.Candidates[0])
	}
	if r.UsageMetadata != nil {
		f.Usage = &Usage{
			PromptTokens:     r.UsageMetadata.PromptTokenCount,
			CompletionTokens: r.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      r.UsageMetadata.TotalTokenCount,
		}
	}
	if f.Content == "" && f.Usage == nil {
		return Frame{}, errNoContent
	}
	return f, nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

// send posts to generateContent, or streamGenerateContent?alt=sse when
// streaming. Gemini selects streaming by URL path, not by a body field.
func (g *GeminiProvider) send(ctx context.Context, req *ChatRequest, stream bool) (*http.Response, error) {
	body, err := json.Marshal(toGeminiRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	method := "generateContent"
	query := url.Values{"key": {g.apiKey}}
	if stream {
		method = "streamGenerateContent"
		query.Set("alt", "sse")
	}
	endpoint := fmt.Sprintf("%s/models/%s:%s?%s", g.baseURL, url.PathEscape(req.Model), method, query.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Provider: g.name, Err: err}
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))

		var gr geminiResponse
		if json.Unmarshal(raw, &gr) == nil && gr.Error != nil {
			return nil, g.payloadError(&gr)
		}
		return nil, &ProviderError{
			Provider:   g.name,
			Code:       strconv.Itoa(httpResp.StatusCode),
			Message:    strings.TrimSpace(string(raw)),
			HTTPStatus: httpResp.StatusCode,
		}
	}

	return httpResp, nil
}

// ChatCompletion sends a buffered request to generateContent.
func (g *GeminiProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	httpResp, err := g.send(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var gr geminiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&gr); err != nil {
		return nil, &TransportError{Provider: g.name, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if err := g.payloadError(&gr); err != nil {
		return nil, err
	}
	if len(gr.Candidates) == 0 {
		return nil, &ProviderError{Provider: g.name, Message: "response has no candidates"}
	}

	resp := &ChatResponse{
		Content: geminiText(gr.Candidates[0]),
		Model:   req.Model,
		Object:  geminiObject,
	}
	if gr.UsageMetadata != nil {
		resp.PromptTokens = gr.UsageMetadata.PromptTokenCount
		resp.CompletionTokens = gr.UsageMetadata.CandidatesTokenCount
		resp.TotalTokens = gr.UsageMetadata.TotalTokenCount
	}
	return resp, nil
}

// ChatCompletionStream sends a request to streamGenerateContent and relays it.
func (g *GeminiProvider) ChatCompletionStream(ctx context.Context, req *ChatRequest) (*Stream, error) {
	httpResp, err := g.send(ctx, req, true)
	if err != nil {
		return nil, err
	}

	return RelaySSE(ctx, httpResp.Body, g.decodeFrame, RelayConfig{
		Provider:     g.name,
		Model:        req.Model,
		Accumulation: Append,
		Logger:       g.logger,
	}), nil
}
