// Package gateway is the single entry point the inbound surface talks to.
// It validates a chat request, looks up the provider, reshapes the
// conversation and dispatches to the buffered or streaming call. Image jobs
// go straight to the job client. Every call is logged and counted.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/howard-nolan/llmgateway/internal/imagejob"
	"github.com/howard-nolan/llmgateway/internal/metrics"
	"github.com/howard-nolan/llmgateway/internal/provider"
)

// Mode label values.
const (
	ModeBuffered = "buffered"
	ModeStream   = "stream"
)

// ErrImageJobsDisabled is returned by the image calls when no job service
// is configured.
var ErrImageJobsDisabled = errors.New("image jobs are not configured")

// ImageJobs is the job service the gateway submits to and polls.
// *imagejob.Client satisfies it.
type ImageJobs interface {
	Submit(ctx context.Context, req imagejob.JobRequest) (imagejob.JobHandle, error)
	Status(ctx context.Context, jobID string) (imagejob.JobStatus, error)
}

// Result is what Chat returns: exactly one of Response or Stream is set,
// depending only on ChatRequest.Stream.
type Result struct {
	Response *provider.ChatResponse
	Stream   *provider.Stream
}

// Streaming reports whether the result carries a Stream.
func (r *Result) Streaming() bool { return r.Stream != nil }

// Gateway routes chat and image requests.
type Gateway struct {
	providers *provider.Registry
	jobs      ImageJobs
	metrics   *metrics.Metrics
	logger    *zap.Logger

	// models restricts which models a provider may be asked for. The first
	// entry is the default when a request names none. Providers without an
	// entry accept any model.
	models map[string][]string
}

// New builds a Gateway. jobs, m and logger may be nil.
func New(providers *provider.Registry, jobs ImageJobs, m *metrics.Metrics, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		providers: providers,
		jobs:      jobs,
		metrics:   m,
		logger:    logger.With(zap.String("component", "gateway")),
		models:    make(map[string][]string),
	}
}

// Providers lists the registered provider names.
func (g *Gateway) Providers() []string { return g.providers.Names() }

// AllowModels limits the provider to the given models. Call it during
// setup, before serving requests.
func (g *Gateway) AllowModels(providerName string, models []string) {
	g.models[providerName] = append([]string(nil), models...)
}

// resolveModel applies the provider's model list to the requested model.
func (g *Gateway) resolveModel(providerName, model string) (string, error) {
	allowed, ok := g.models[providerName]
	if !ok || len(allowed) == 0 {
		return model, nil
	}
	if model == "" {
		return allowed[0], nil
	}
	if slices.Contains(allowed, model) {
		return model, nil
	}
	return "", fmt.Errorf("%w %q for provider %q", provider.ErrUnknownModel, model, providerName)
}

// Chat runs one chat request. Errors from the provider come back unchanged
// in kind, wrapped with the provider and model that were being invoked.
func (g *Gateway) Chat(ctx context.Context, req provider.ChatRequest) (*Result, error) {
	if len(req.Messages) == 0 {
		return nil, provider.ErrEmptyMessages
	}

	// Resolve the provider and model before touching the conversation:
	// these are caller mistakes and must fail without any upstream call.
	p, err := g.providers.Lookup(req.Provider)
	if err != nil {
		return nil, err
	}
	if req.Model, err = g.resolveModel(req.Provider, req.Model); err != nil {
		return nil, err
	}

	mode := ModeBuffered
	if req.Stream {
		mode = ModeStream
	}
	log := g.logger.With(
		zap.String("provider", req.Provider),
		zap.String("model", req.Model),
		zap.String("mode", mode),
	)

	// Each provider has its own rules for role order (strict alternation
	// for Baidu, Gemini and Anthropic, anything goes for OpenAI). req is a
	// copy, so the caller's slice is untouched.
	req.Messages = p.Reshape(req.Messages)
	start := time.Now()

	// Buffered: one round trip, and usage is known as soon as it returns,
	// so metrics and the completion log line are written here.
	if !req.Stream {
		resp, err := p.ChatCompletion(ctx, &req)
		g.metrics.ChatRequest(req.Provider, req.Model, mode, metrics.Outcome(err))
		if err != nil {
			log.Warn("chat failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
			return nil, fmt.Errorf("chat %s/%s: %w", req.Provider, req.Model, err)
		}
		g.metrics.ChatTokens(req.Provider, req.Model, resp.PromptTokens, resp.CompletionTokens, resp.TotalTokens)
		log.Info("chat completed",
			zap.Duration("elapsed", time.Since(start)),
			zap.Int("total_tokens", resp.TotalTokens),
		)
		return &Result{Response: resp}, nil
	}

	// Streaming: opening the stream can still fail outright (bad
	// credentials, rejected request). Once it is open, the outcome and the
	// final token counts are only known when the pump exits, so a watcher
	// goroutine waits for that and records them. The watcher never reads
	// chunks; the caller remains the only consumer.
	s, err := p.ChatCompletionStream(ctx, &req)
	if err != nil {
		g.metrics.ChatRequest(req.Provider, req.Model, mode, metrics.OutcomeError)
		log.Warn("opening stream failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return nil, fmt.Errorf("chat %s/%s: %w", req.Provider, req.Model, err)
	}

	go g.watch(s, req.Provider, req.Model, start, log)
	return &Result{Stream: s}, nil
}

// watch records the outcome of a stream once its pump has exited. Usage is
// only complete at that point, so tokens are counted here rather than per
// frame.
func (g *Gateway) watch(s *provider.Stream, providerName, model string, start time.Time, log *zap.Logger) {
	final, err := s.Final()
	g.metrics.ChatRequest(providerName, model, ModeStream, metrics.Outcome(err))
	g.metrics.ChatTokens(providerName, model, final.PromptTokens, final.CompletionTokens, final.TotalTokens)

	if err != nil {
		log.Warn("stream ended with error", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return
	}
	log.Info("stream completed",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("total_tokens", final.TotalTokens),
	)
}

// SubmitImageJob submits an image generation job.
func (g *Gateway) SubmitImageJob(ctx context.Context, req imagejob.JobRequest) (imagejob.JobHandle, error) {
	if g.jobs == nil {
		return imagejob.JobHandle{}, ErrImageJobsDisabled
	}

	h, err := g.jobs.Submit(ctx, req)
	g.metrics.ImageJobRequest("submit", metrics.Outcome(err))
	if err != nil {
		g.logger.Warn("image job submit failed", zap.Error(err))
		return imagejob.JobHandle{}, fmt.Errorf("submit image job: %w", err)
	}
	return h, nil
}

// PollImageJob returns the current status of a job.
func (g *Gateway) PollImageJob(ctx context.Context, jobID string) (imagejob.JobStatus, error) {
	if g.jobs == nil {
		return imagejob.JobStatus{}, ErrImageJobsDisabled
	}

	st, err := g.jobs.Status(ctx, jobID)
	g.metrics.ImageJobRequest("status", metrics.Outcome(err))
	if err != nil {
		g.logger.Debug("image job status failed", zap.String("job_id", jobID), zap.Error(err))
		return imagejob.JobStatus{}, fmt.Errorf("image job %s: %w", jobID, err)
	}
	return st, nil
}
