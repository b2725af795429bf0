package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToGeminiRequest(t *testing.T) {
	gr := toGeminiRequest(&ChatRequest{
		Model: "gemini-2.0-flash",
		Messages: []Message{
			{Role: RoleSystem, Content: "be brief"},
			{Role: RoleUser, Content: "hi"},
			{Role: RoleAssistant, Content: "hello"},
		},
		MaxLength: intPtr(64),
	})

	require.NotNil(t, gr.SystemInstruction)
	assert.Equal(t, "be brief", gr.SystemInstruction.Parts[0].Text)
	require.Len(t, gr.Contents, 2)
	assert.Equal(t, "user", gr.Contents[0].Role)
	assert.Equal(t, "model", gr.Contents[1].Role)
	require.NotNil(t, gr.GenerationConfig)
	assert.Equal(t, 64, *gr.GenerationConfig.MaxOutputTokens)
	assert.Nil(t, gr.GenerationConfig.Temperature)
}

func TestGemini_ReshapeAlternatesContents(t *testing.T) {
	p := NewGeminiProvider("google", "gk", "", nil, nil)

	gr := toGeminiRequest(&ChatRequest{
		Messages: p.Reshape([]Message{
			{Role: RoleAssistant, Content: "hello"},
			{Role: RoleSystem, Content: "be brief"},
			{Role: RoleUser, Content: "a"},
			{Role: RoleUser, Content: "b"},
		}),
	})

	require.NotNil(t, gr.SystemInstruction)
	assert.Equal(t, "be brief", gr.SystemInstruction.Parts[0].Text)

	var roles, texts []string
	for _, c := range gr.Contents {
		roles = append(roles, c.Role)
		texts = append(texts, c.Parts[0].Text)
	}
	assert.Equal(t, []string{"user", "model", "user"}, roles)
	assert.Equal(t, []string{"None", "hello", "a\nb"}, texts)
}

func TestGemini_ChatCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-2.0-flash:generateContent", r.URL.Path)
		assert.Equal(t, "gk", r.URL.Query().Get("key"))

		var body geminiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Len(t, body.Contents, 1)

		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"Paris"}],"role":"model"},"finishReason":"STOP"}],`+
			`"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":1,"totalTokenCount":5}}`)
	}))
	defer srv.Close()

	p := NewGeminiProvider("google", "gk", srv.URL, srv.Client(), nil)

	resp, err := p.ChatCompletion(context.Background(), &ChatRequest{
		Model:    "gemini-2.0-flash",
		Messages: []Message{{Role: RoleUser, Content: "capital of France?"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "Paris", resp.Content)
	assert.Equal(t, 5, resp.TotalTokens)
	assert.Equal(t, "gemini-2.0-flash", resp.Model)
}

func TestGemini_ErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT"}}`)
	}))
	defer srv.Close()

	p := NewGeminiProvider("google", "bad", srv.URL, srv.Client(), nil)

	_, err := p.ChatCompletion(context.Background(), &ChatRequest{
		Model:    "gemini-2.0-flash",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "INVALID_ARGUMENT", perr.Code)
	assert.Equal(t, "API key not valid", perr.Message)
}

func TestGemini_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-2.0-flash:streamGenerateContent", r.URL.Path)
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Par\"}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"is\"}]},\"finishReason\":\"STOP\"}],"+
			"\"usageMetadata\":{\"promptTokenCount\":4,\"candidatesTokenCount\":1,\"totalTokenCount\":5}}\n\n")
	}))
	defer srv.Close()

	p := NewGeminiProvider("google", "gk", srv.URL, srv.Client(), nil)

	s, err := p.ChatCompletionStream(context.Background(), &ChatRequest{
		Model:    "gemini-2.0-flash",
		Messages: []Message{{Role: RoleUser, Content: "capital of France?"}},
		Stream:   true,
	})
	require.NoError(t, err)

	chunks := drain(t, s)
	require.Len(t, chunks, 2)
	assert.Equal(t, "Par", chunks[0].Response.Content)
	assert.Equal(t, "Paris", chunks[1].Response.Content)
	assert.Equal(t, 5, chunks[1].Response.TotalTokens)
}
