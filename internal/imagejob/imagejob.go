// Package imagejob talks to a Midjourney-proxy style image generation
// service. Jobs are submitted once and then polled; this package owns no
// scheduler, it only exposes the two calls.
package imagejob

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

	"github.com/howard-nolan/llmgateway/internal/provider"
)

// ProviderName labels errors and logs coming from the job service.
const ProviderName = "midjourney"

// State is the lifecycle position of a job.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Terminal reports whether the job will not change any more.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// JobRequest describes an image to generate. Width and Height only set the
// aspect ratio; non-positive values count as 1.
type JobRequest struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
}

// JobHandle identifies a submitted job.
type JobHandle struct {
	JobID string `json:"job_id"`
}

// JobStatus is a snapshot of a job.
type JobStatus struct {
	JobID         string `json:"job_id"`
	State         State  `json:"state"`
	Progress      int    `json:"progress"`
	ResultURL     string `json:"result_url,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// Submit codes that mean the job was accepted.
const (
	codeSubmitted = 1
	codeExisted   = 21
	codeQueued    = 22
)

type imagineRequest struct {
	Prompt string `json:"prompt"`
}

type imagineResponse struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
	Result      string `json:"result"`
}

type taskResponse struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Progress   string `json:"progress"`
	ImageURL   string `json:"imageUrl"`
	FailReason string `json:"failReason"`
}

// Client calls the job service.
type Client struct {
	baseURL string
	secret  string
	client  *http.Client
	logger  *zap.Logger
}

// NewClient returns a Client for the service at baseURL. secret is sent in
// the mj-api-secret header on every call.
func NewClient(baseURL, secret string, client *http.Client, logger *zap.Logger) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		client:  client,
		logger:  logger.With(zap.String("component", "imagejob")),
	}
}

// Prompt renders the text the service expects: the prompt, the aspect
// ratio flag and, when set, the negative prompt flag.
func Prompt(req JobRequest) string {
	p := fmt.Sprintf("%s --ar %s", req.Prompt, AspectRatio(req.Width, req.Height))
	if req.NegativePrompt != "" {
		p += " --no " + req.NegativePrompt
	}
	return p
}

// Submit sends an imagine request. Any code other than submitted, existed or
// queued is a *provider.ProviderError carrying the service's description.
func (c *Client) Submit(ctx context.Context, req JobRequest) (JobHandle, error) {
	body, err := json.Marshal(imagineRequest{Prompt: Prompt(req)})
	if err != nil {
		return JobHandle{}, fmt.Errorf("marshaling request: %w", err)
	}

	httpResp, err := c.do(ctx, http.MethodPost, c.baseURL+"/mj/submit/imagine", body)
	if err != nil {
		return JobHandle{}, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return JobHandle{}, statusError(httpResp)
	}

	var ir imagineResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&ir); err != nil {
		return JobHandle{}, &provider.TransportError{Provider: ProviderName, Err: fmt.Errorf("decoding response: %w", err)}
	}

	switch ir.Code {
	case codeSubmitted, codeExisted, codeQueued:
	default:
		return JobHandle{}, &provider.ProviderError{
			Provider: ProviderName,
			Code:     strconv.Itoa(ir.Code),
			Message:  ir.Description,
		}
	}
	if ir.Result == "" {
		return JobHandle{}, &provider.ProviderError{
			Provider: ProviderName,
			Code:     strconv.Itoa(ir.Code),
			Message:  "submit accepted without a job id",
		}
	}

	c.logger.Info("image job submitted", zap.String("job_id", ir.Result), zap.Int("code", ir.Code))
	return JobHandle{JobID: ir.Result}, nil
}

// Status fetches the job. A job the service does not know is a
// *provider.ProviderError with HTTPStatus 404.
func (c *Client) Status(ctx context.Context, jobID string) (JobStatus, error) {
	if jobID == "" {
		return JobStatus{}, unknownJob(jobID)
	}

	httpResp, err := c.do(ctx, http.MethodGet, c.baseURL+"/mj/task/"+url.PathEscape(jobID)+"/fetch", nil)
	if err != nil {
		return JobStatus{}, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNotFound {
		return JobStatus{}, unknownJob(jobID)
	}
	if httpResp.StatusCode != http.StatusOK {
		return JobStatus{}, statusError(httpResp)
	}

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return JobStatus{}, &provider.TransportError{Provider: ProviderName, Err: err}
	}
	// The proxy answers an unknown id with an empty body or a JSON null.
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return JobStatus{}, unknownJob(jobID)
	}

	var tr taskResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return JobStatus{}, &provider.TransportError{Provider: ProviderName, Err: fmt.Errorf("decoding response: %w", err)}
	}

	st := JobStatus{
		JobID:         jobID,
		State:         mapState(tr.Status),
		Progress:      parseProgress(tr.Progress),
		ResultURL:     tr.ImageURL,
		FailureReason: tr.FailReason,
	}
	if st.State == StateSucceeded {
		st.Progress = 100
	}
	return st, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("mj-api-secret", c.secret)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &provider.TransportError{Provider: ProviderName, Err: err}
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &provider.ProviderError{
		Provider:   ProviderName,
		Code:       strconv.Itoa(resp.StatusCode),
		Message:    strings.TrimSpace(string(raw)),
		HTTPStatus: resp.StatusCode,
	}
}

func unknownJob(id string) error {
	return &provider.ProviderError{
		Provider:   ProviderName,
		Code:       "404",
		Message:    fmt.Sprintf("unknown job %q", id),
		HTTPStatus: http.StatusNotFound,
	}
}

func mapState(status string) State {
	switch strings.ToUpper(status) {
	case "IN_PROGRESS", "MODAL":
		return StateRunning
	case "SUCCESS":
		return StateSucceeded
	case "FAILURE":
		return StateFailed
	default: // NOT_START, SUBMITTED, anything new
		return StatePending
	}
}

// parseProgress reads "45%" as 45. Anything unparsable is 0.
func parseProgress(s string) int {
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	if err != nil || n < 0 {
		return 0
	}
	return min(n, 100)
}
