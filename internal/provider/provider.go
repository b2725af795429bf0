// Package provider defines the Provider interface and the chat provider adapters.
//
// Every chat backend (Baidu ERNIE, OpenAI-compatible, ...) implements the
// Provider interface. The gateway works only with the canonical types in
// this file, so once a response leaves an adapter nothing upstream needs to
// know which provider produced it.
package provider

import "context"

// Roles a Message can carry. Callers may interleave them freely; each
// provider's Reshape decides what the upstream API actually receives.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Provider is the capability set every chat backend supplies: its own
// conversation reshaping rule, a buffered call and a streaming call. Adding a
// provider means adding a type that satisfies this interface and registering
// it; the gateway never branches on provider identity.
type Provider interface {
	// Name returns the provider identifier used for registry lookups,
	// credential slots, log fields and metric labels.
	Name() string

	// Reshape converts an arbitrary role sequence into the turn structure
	// this provider accepts. It must be a pure function.
	Reshape(messages []Message) []Message

	// ChatCompletion sends an already reshaped request and returns the
	// complete, normalized response.
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// ChatCompletionStream sends an already reshaped request and returns a
	// live Stream of normalized responses. The caller must drain or Close it.
	ChatCompletionStream(ctx context.Context, req *ChatRequest) (*Stream, error)
}

// TokenSource hands out a bearer token for a provider. The credential cache
// satisfies it; providers that need no token simply don't take one.
type TokenSource interface {
	Token(ctx context.Context, provider string) (string, error)
}

// ---------------------------------------------------------------------------
// Canonical request types
// ---------------------------------------------------------------------------

// ChatRequest is the internal representation of a chat request. Optional
// sampling parameters are pointers so "not set" is distinguishable from zero
// and can be omitted from the upstream payload.
type ChatRequest struct {
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxLength   *int      `json:"max_length,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream"`
}

// Message is one role-tagged entry in the conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ---------------------------------------------------------------------------
// Canonical response types
// ---------------------------------------------------------------------------

// ChatResponse is the canonical response shape. Buffered calls return one;
// streams emit one per upstream frame, where Content is the text so far and
// the usage fields hold the latest totals the provider reported.
type ChatResponse struct {
	Content          string `json:"content"`
	PromptTokens     int    `json:"promptTokens"`
	CompletionTokens int    `json:"completionTokens"`
	TotalTokens      int    `json:"totalTokens"`
	Model            string `json:"model"`
	Object           string `json:"object"`
}

// Usage holds the token counts a provider reported for one frame or response.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// StreamChunk is one item on a Stream. Exactly one of Response or Err is
// meaningful; a chunk with Err is always the last one on the channel.
type StreamChunk struct {
	Response ChatResponse
	Err      error
}
