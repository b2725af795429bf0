package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/howard-nolan/llmgateway/internal/gateway"
	"github.com/howard-nolan/llmgateway/internal/imagejob"
	"github.com/howard-nolan/llmgateway/internal/provider"
	"github.com/howard-nolan/llmgateway/internal/stream"
	"github.com/howard-nolan/llmgateway/internal/wechat"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeJSON sends v with the given status. The status is on the wire before
// encoding starts, so an encode failure (usually a client that went away)
// can only be logged.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("writing response body",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
}

// statusFor maps an error kind to the HTTP status the client sees.
func statusFor(err error) int {
	var (
		credErr      *provider.CredentialError
		providerErr  *provider.ProviderError
		transportErr *provider.TransportError
	)
	switch {
	case errors.Is(err, provider.ErrEmptyMessages),
		errors.Is(err, provider.ErrUnknownProvider),
		errors.Is(err, provider.ErrUnknownModel),
		errors.Is(err, wechat.ErrEmptyCode):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrImageJobsDisabled):
		return http.StatusNotImplemented
	case errors.As(err, &credErr):
		return http.StatusBadGateway
	case errors.As(err, &providerErr):
		if providerErr.HTTPStatus == http.StatusNotFound && providerErr.Provider == imagejob.ProviderName {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	case errors.As(err, &transportErr):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}

	var providerErr *provider.ProviderError
	if errors.As(err, &providerErr) {
		body.Code = providerErr.Code
	}

	log := s.logger.With(zap.String("request_id", middleware.GetReqID(r.Context())), zap.Int("status", status))
	if status >= http.StatusInternalServerError {
		log.Warn("request failed", zap.Error(err))
	} else {
		log.Debug("request rejected", zap.Error(err))
	}

	s.writeJSON(w, r, status, body)
}

func (s *Server) badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	s.writeJSON(w, r, http.StatusBadRequest, errorBody{Error: msg})
}

// handleHealth is a liveness probe that also lists the configured providers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"status":    "ok",
		"providers": s.gateway.Providers(),
	})
}

// handleChat handles POST /v1/chat. The "stream" field decides whether the
// answer is one JSON body or an SSE stream of accumulated responses.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req provider.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, r, "invalid request body: "+err.Error())
		return
	}
	if req.Provider == "" {
		s.badRequest(w, r, "provider is required")
		return
	}

	// r.Context() is cancelled when the client disconnects, which tears
	// down the upstream call or stream with it.
	res, err := s.gateway.Chat(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if !res.Streaming() {
		s.writeJSON(w, r, http.StatusOK, res.Response)
		return
	}

	// Once streaming starts the status is already 200; failures can only
	// be reported in-band and logged here.
	if err := stream.Write(w, res.Stream); err != nil {
		s.logger.Warn("stream ended early",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("provider", req.Provider),
			zap.Error(err),
		)
	}
}

// handleSubmitImageJob handles POST /v1/images/jobs.
func (s *Server) handleSubmitImageJob(w http.ResponseWriter, r *http.Request) {
	var req imagejob.JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, r, "invalid request body: "+err.Error())
		return
	}
	if req.Prompt == "" {
		s.badRequest(w, r, "prompt is required")
		return
	}

	h, err := s.gateway.SubmitImageJob(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusAccepted, h)
}

// handleImageJobStatus handles GET /v1/images/jobs/{id}.
func (s *Server) handleImageJobStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.gateway.PollImageJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, st)
}

// handleWeChatSession handles POST /v1/wechat/session. Only the openid and
// unionid go back to the client; the session key stays server-side.
func (s *Server) handleWeChatSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.badRequest(w, r, "invalid request body: "+err.Error())
		return
	}

	sess, err := s.wechat.Code2Session(r.Context(), body.Code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, sess)
}
