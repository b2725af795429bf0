package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// BaiduProvider struct + constructor
// ---------------------------------------------------------------------------

// BaiduProvider implements Provider for Baidu's ERNIE "wenxinworkshop" chat
// API. Three things set it apart from OpenAI-style APIs:
//   - auth is a short-lived access token passed as a query parameter, issued
//     by a separate OAuth endpoint (see TokenSource)
//   - the conversation must strictly alternate user/assistant and end on a
//     user turn (see AlternateTurns)
//   - each streamed frame restates the whole answer so far, so the relay
//     overwrites instead of appending
type BaiduProvider struct {
	name    string
	baseURL string // e.g. "https://aip.baidubce.com/rpc/2.0/ai_custom/v1/wenxinworkshop"
	tokens  TokenSource
	client  *http.Client
	logger  *zap.Logger
}

// NewBaiduProvider creates a BaiduProvider. name is both the registry name and
// the credential slot the token is cached under.
func NewBaiduProvider(name, baseURL string, tokens TokenSource, client *http.Client, logger *zap.Logger) *BaiduProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BaiduProvider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		client:  client,
		logger:  logger.With(zap.String("provider", name)),
	}
}

// Name returns the provider identifier.
func (b *BaiduProvider) Name() string {
	return b.name
}

// Reshape applies Baidu's strict alternation rule.
func (b *BaiduProvider) Reshape(messages []Message) []Message {
	return AlternateTurns(messages)
}

// ---------------------------------------------------------------------------
// Baidu API types (unexported)
// ---------------------------------------------------------------------------

type baiduRequest struct {
	Messages        []baiduMessage `json:"messages"`
	Stream          bool           `json:"stream"`
	Temperature     *float64       `json:"temperature,omitempty"`
	TopP            *float64       `json:"top_p,omitempty"`
	MaxOutputTokens *int           `json:"max_output_tokens,omitempty"`
}

type baiduMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// baiduResponse is shared by buffered responses and stream frames; a frame is
// just a response whose result holds the answer so far.
type baiduResponse struct {
	ID        string      `json:"id"`
	Object    string      `json:"object"`
	Result    string      `json:"result"`
	IsEnd     bool        `json:"is_end"`
	Usage     *baiduUsage `json:"usage,omitempty"`
	ErrorCode *int        `json:"error_code,omitempty"`
	ErrorMsg  string      `json:"error_msg,omitempty"`
}

type baiduUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func toBaiduRequest(req *ChatRequest, stream bool) *baiduRequest {
	br := &baiduRequest{
		Messages:        make([]baiduMessage, 0, len(req.Messages)),
		Stream:          stream,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		MaxOutputTokens: req.MaxLength,
	}
	for _, msg := range req.Messages {
		br.Messages = append(br.Messages, baiduMessage{Role: msg.Role, Content: msg.Content})
	}
	return br
}

// ---------------------------------------------------------------------------
// Normalization
// ---------------------------------------------------------------------------

// normalize maps a buffered Baidu payload to the canonical response. A payload
// with error_code set never yields a partial response.
func (b *BaiduProvider) normalize(model string, r *baiduResponse) (*ChatResponse, error) {
	if err := b.payloadError(r); err != nil {
		return nil, err
	}

	resp := &ChatResponse{
		Content: r.Result,
		Model:   model,
		Object:  r.Object,
	}
	if r.Usage != nil {
		resp.PromptTokens = r.Usage.PromptTokens
		resp.CompletionTokens = r.Usage.CompletionTokens
		resp.TotalTokens = r.Usage.TotalTokens
	}
	return resp, nil
}

func (b *BaiduProvider) payloadError(r *baiduResponse) error {
	if r.ErrorCode == nil {
		return nil
	}
	return &ProviderError{
		Provider: b.name,
		Code:     strconv.Itoa(*r.ErrorCode),
		Message:  r.ErrorMsg,
	}
}

// decodeFrame is the FrameDecoder for Baidu streams. Only frames with a
// non-empty result advance the stream.
func (b *BaiduProvider) decodeFrame(data []byte) (Frame, error) {
	var r baiduResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := b.payloadError(&r); err != nil {
		return Frame{}, err
	}
	if r.Result == "" {
		return Frame{}, errNoContent
	}

	f := Frame{Content: r.Result, Object: r.Object}
	if r.Usage != nil {
		f.Usage = &Usage{
			PromptTokens:     r.Usage.PromptTokens,
			CompletionTokens: r.Usage.CompletionTokens,
			TotalTokens:      r.Usage.TotalTokens,
		}
	}
	return f, nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

// send obtains a token, posts the request and returns the open response.
// Non-2xx statuses are turned into a ProviderError here and the body closed.
func (b *BaiduProvider) send(ctx context.Context, req *ChatRequest, stream bool) (*http.Response, error) {
	token, err := b.tokens.Token(ctx, b.name)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(toBaiduRequest(req, stream))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/chat/%s?access_token=%s",
		b.baseURL, url.PathEscape(req.Model), url.QueryEscape(token),
	)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Provider: b.name, Err: err}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		defer httpResp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, &ProviderError{
			Provider:   b.name,
			Message:    strings.TrimSpace(string(msg)),
			HTTPStatus: httpResp.StatusCode,
		}
	}

	return httpResp, nil
}

// ChatCompletion sends a buffered request and normalizes the response.
func (b *BaiduProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	httpResp, err := b.send(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var br baiduResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&br); err != nil {
		return nil, &TransportError{Provider: b.name, Err: fmt.Errorf("decoding response: %w", err)}
	}

	return b.normalize(req.Model, &br)
}

// ChatCompletionStream sends a streaming request and relays the event stream.
//
// Baidu reports request-level failures (bad token, quota, invalid model) as a
// plain JSON body even when stream was requested, so the content type is
// checked before the relay takes over the body.
func (b *BaiduProvider) ChatCompletionStream(ctx context.Context, req *ChatRequest) (*Stream, error) {
	httpResp, err := b.send(ctx, req, true)
	if err != nil {
		return nil, err
	}

	mediaType, _, _ := mime.ParseMediaType(httpResp.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		defer httpResp.Body.Close()

		var br baiduResponse
		if err := json.NewDecoder(httpResp.Body).Decode(&br); err != nil {
			return nil, &TransportError{Provider: b.name, Err: fmt.Errorf("decoding response: %w", err)}
		}
		resp, err := b.normalize(req.Model, &br)
		if err != nil {
			return nil, err
		}
		return StaticStream(ctx, *resp), nil
	}

	return RelaySSE(ctx, httpResp.Body, b.decodeFrame, RelayConfig{
		Provider:     b.name,
		Model:        req.Model,
		Accumulation: Overwrite,
		Logger:       b.logger,
	}), nil
}
