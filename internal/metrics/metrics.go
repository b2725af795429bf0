// Package metrics holds the Prometheus collectors for the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "llmgateway"

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Metrics groups every collector the gateway records. A nil *Metrics is
// valid and records nothing, which keeps tests and optional wiring simple.
type Metrics struct {
	chatRequests      *prometheus.CounterVec
	chatTokens        *prometheus.CounterVec
	credentialRefresh *prometheus.CounterVec
	imageJobRequests  *prometheus.CounterVec
}

// New registers the collectors on reg. Pass a fresh prometheus.NewRegistry()
// in tests so repeated construction doesn't collide.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		chatRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chat_requests_total",
				Help:      "Chat requests by provider, model, mode (buffered/stream) and outcome.",
			},
			[]string{"provider", "model", "mode", "outcome"},
		),
		chatTokens: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chat_tokens_total",
				Help:      "Tokens reported by providers, by kind (prompt, completion, total).",
			},
			[]string{"provider", "model", "kind"},
		),
		credentialRefresh: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credential_refresh_total",
				Help:      "Access token refreshes by provider and outcome.",
			},
			[]string{"provider", "outcome"},
		),
		imageJobRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "image_job_requests_total",
				Help:      "Image job calls by operation (submit, status) and outcome.",
			},
			[]string{"operation", "outcome"},
		),
	}
}

// Outcome maps an error to its outcome label.
func Outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeSuccess
}

// ChatRequest counts one finished chat call.
func (m *Metrics) ChatRequest(provider, model, mode, outcome string) {
	if m == nil {
		return
	}
	m.chatRequests.WithLabelValues(provider, model, mode, outcome).Inc()
}

// ChatTokens adds the usage of one completed response or stream.
func (m *Metrics) ChatTokens(provider, model string, prompt, completion, total int) {
	if m == nil {
		return
	}
	m.chatTokens.WithLabelValues(provider, model, "prompt").Add(float64(prompt))
	m.chatTokens.WithLabelValues(provider, model, "completion").Add(float64(completion))
	m.chatTokens.WithLabelValues(provider, model, "total").Add(float64(total))
}

// CredentialRefresh counts one call to a token endpoint.
func (m *Metrics) CredentialRefresh(provider, outcome string) {
	if m == nil {
		return
	}
	m.credentialRefresh.WithLabelValues(provider, outcome).Inc()
}

// ImageJobRequest counts one image job submit or status call.
func (m *Metrics) ImageJobRequest(operation, outcome string) {
	if m == nil {
		return
	}
	m.imageJobRequests.WithLabelValues(operation, outcome).Inc()
}
