package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/howard-nolan/llmgateway/internal/imagejob"
	"github.com/howard-nolan/llmgateway/internal/metrics"
	"github.com/howard-nolan/llmgateway/internal/provider"
)

// fakeProvider records what it was called with and answers from fields.
type fakeProvider struct {
	name string
	resp provider.ChatResponse
	err  error

	gotBuffered *provider.ChatRequest
	gotStream   *provider.ChatRequest
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Reshape(messages []provider.Message) []provider.Message {
	return provider.AlternateTurns(messages)
}

func (f *fakeProvider) ChatCompletion(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	f.gotBuffered = req
	if f.err != nil {
		return nil, f.err
	}
	resp := f.resp
	return &resp, nil
}

func (f *fakeProvider) ChatCompletionStream(ctx context.Context, req *provider.ChatRequest) (*provider.Stream, error) {
	f.gotStream = req
	if f.err != nil {
		return nil, f.err
	}
	return provider.StaticStream(ctx, f.resp), nil
}

type fakeJobs struct {
	handle imagejob.JobHandle
	status imagejob.JobStatus
	err    error
}

func (f *fakeJobs) Submit(ctx context.Context, req imagejob.JobRequest) (imagejob.JobHandle, error) {
	return f.handle, f.err
}

func (f *fakeJobs) Status(ctx context.Context, id string) (imagejob.JobStatus, error) {
	return f.status, f.err
}

func newGateway(t *testing.T, p provider.Provider, jobs ImageJobs) (*Gateway, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	providers := provider.NewRegistry()
	require.NoError(t, providers.Register(p))
	return New(providers, jobs, metrics.New(reg), nil), reg
}

var answer = provider.ChatResponse{
	Content:          "blue",
	PromptTokens:     3,
	CompletionTokens: 1,
	TotalTokens:      4,
	Model:            "ernie",
	Object:           "chat.completion",
}

func TestChat_BufferedReshapesAndReturnsResponse(t *testing.T) {
	p := &fakeProvider{name: "baidu", resp: answer}
	g, reg := newGateway(t, p, nil)

	res, err := g.Chat(context.Background(), provider.ChatRequest{
		Provider: "baidu",
		Model:    "ernie",
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: "be short"},
			{Role: provider.RoleUser, Content: "sky colour?"},
		},
	})
	require.NoError(t, err)

	assert.False(t, res.Streaming())
	assert.Nil(t, res.Stream)
	assert.Equal(t, &answer, res.Response)

	require.NotNil(t, p.gotBuffered)
	assert.Nil(t, p.gotStream)
	assert.Equal(t, []provider.Message{{Role: provider.RoleUser, Content: "be short\nsky colour?"}}, p.gotBuffered.Messages)

	n, err := testutil.GatherAndCount(reg, "llmgateway_chat_tokens_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestChat_StreamReturnsOnlyStream(t *testing.T) {
	p := &fakeProvider{name: "baidu", resp: answer}
	g, reg := newGateway(t, p, nil)

	res, err := g.Chat(context.Background(), provider.ChatRequest{
		Provider: "baidu",
		Model:    "ernie",
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "sky colour?"}},
		Stream:   true,
	})
	require.NoError(t, err)

	assert.True(t, res.Streaming())
	assert.Nil(t, res.Response)
	assert.Nil(t, p.gotBuffered)

	var got []provider.ChatResponse
	for chunk := range res.Stream.Chunks() {
		require.NoError(t, chunk.Err)
		got = append(got, chunk.Response)
	}
	require.Len(t, got, 1)
	assert.Equal(t, "blue", got[0].Content)

	assert.Eventually(t, func() bool {
		n, err := testutil.GatherAndCount(reg, "llmgateway_chat_requests_total")
		return err == nil && n == 1
	}, time.Second, 5*time.Millisecond, "stream outcome recorded once the pump exits")
}

func TestChat_InputValidation(t *testing.T) {
	g, _ := newGateway(t, &fakeProvider{name: "baidu"}, nil)

	_, err := g.Chat(context.Background(), provider.ChatRequest{Provider: "baidu", Model: "m"})
	assert.ErrorIs(t, err, provider.ErrEmptyMessages)

	_, err = g.Chat(context.Background(), provider.ChatRequest{
		Provider: "nope",
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
	})
	assert.ErrorIs(t, err, provider.ErrUnknownProvider)
}

func TestChat_ErrorsKeepTheirKind(t *testing.T) {
	perr := &provider.ProviderError{Provider: "baidu", Code: "110", Message: "Access token invalid"}
	g, _ := newGateway(t, &fakeProvider{name: "baidu", err: perr}, nil)

	for _, stream := range []bool{false, true} {
		_, err := g.Chat(context.Background(), provider.ChatRequest{
			Provider: "baidu",
			Model:    "ernie",
			Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
			Stream:   stream,
		})

		var got *provider.ProviderError
		require.ErrorAs(t, err, &got)
		assert.Same(t, perr, got)
		assert.True(t, strings.Contains(err.Error(), "baidu/ernie"), "error names the provider and model")
	}
}

func TestChat_LogsCompletion(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	providers := provider.NewRegistry()
	require.NoError(t, providers.Register(&fakeProvider{name: "baidu", resp: answer}))
	g := New(providers, nil, nil, zap.New(core))

	_, err := g.Chat(context.Background(), provider.ChatRequest{
		Provider: "baidu",
		Model:    "ernie",
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	entries := logs.FilterMessage("chat completed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "baidu", fields["provider"])
	assert.Equal(t, ModeBuffered, fields["mode"])
}

func TestImageJobs(t *testing.T) {
	jobs := &fakeJobs{
		handle: imagejob.JobHandle{JobID: "j1"},
		status: imagejob.JobStatus{JobID: "j1", State: imagejob.StateRunning, Progress: 40},
	}
	g, reg := newGateway(t, &fakeProvider{name: "baidu"}, jobs)

	h, err := g.SubmitImageJob(context.Background(), imagejob.JobRequest{Prompt: "cat"})
	require.NoError(t, err)
	assert.Equal(t, "j1", h.JobID)

	st, err := g.PollImageJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, 40, st.Progress)

	n, err := testutil.GatherAndCount(reg, "llmgateway_image_job_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestImageJobs_Errors(t *testing.T) {
	g, _ := newGateway(t, &fakeProvider{name: "baidu"}, nil)
	_, err := g.SubmitImageJob(context.Background(), imagejob.JobRequest{})
	assert.ErrorIs(t, err, ErrImageJobsDisabled)

	unknown := &provider.ProviderError{Provider: imagejob.ProviderName, HTTPStatus: 404}
	g, _ = newGateway(t, &fakeProvider{name: "baidu"}, &fakeJobs{err: unknown})
	_, err = g.PollImageJob(context.Background(), "missing")

	var perr *provider.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 404, perr.HTTPStatus)
}

func TestChat_ModelAllowList(t *testing.T) {
	p := &fakeProvider{name: "baidu", resp: answer}
	g, _ := newGateway(t, p, nil)
	g.AllowModels("baidu", []string{"completions_pro", "ernie-speed"})

	msgs := []provider.Message{{Role: provider.RoleUser, Content: "hi"}}

	_, err := g.Chat(context.Background(), provider.ChatRequest{Provider: "baidu", Messages: msgs})
	require.NoError(t, err)
	assert.Equal(t, "completions_pro", p.gotBuffered.Model, "first configured model is the default")

	_, err = g.Chat(context.Background(), provider.ChatRequest{Provider: "baidu", Model: "ernie-speed", Messages: msgs})
	require.NoError(t, err)
	assert.Equal(t, "ernie-speed", p.gotBuffered.Model)

	_, err = g.Chat(context.Background(), provider.ChatRequest{Provider: "baidu", Model: "gpt-4", Messages: msgs})
	assert.ErrorIs(t, err, provider.ErrUnknownModel)
}
