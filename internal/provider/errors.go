package provider

import (
	"errors"
	"fmt"
)

// ErrUnknownProvider indicates the requested provider is not registered.
var ErrUnknownProvider = errors.New("unknown provider")

// ErrUnknownModel indicates a model the provider is not configured to serve.
var ErrUnknownModel = errors.New("unknown model")

// ErrEmptyMessages indicates a chat request without any messages.
var ErrEmptyMessages = errors.New("messages must not be empty")

// ErrMalformedFrame marks an incoming stream frame that could not be decoded.
// The relay logs and skips these; callers never see it.
var ErrMalformedFrame = errors.New("malformed stream frame")

// errNoContent marks a well-formed frame that carries nothing to emit
// (heartbeats, empty fragments). Skipped like a malformed frame, but not logged.
var errNoContent = errors.New("frame has no content")

// CredentialError means an access token could not be obtained or refreshed,
// either because the token endpoint was unreachable or because it rejected
// the client credentials. Description is the provider's own text, verbatim.
type CredentialError struct {
	Provider    string
	Description string
	Err         error
}

func (e *CredentialError) Error() string {
	switch {
	case e.Description != "" && e.Err != nil:
		return fmt.Sprintf("credential for %s: %s: %v", e.Provider, e.Description, e.Err)
	case e.Description != "":
		return fmt.Sprintf("credential for %s: %s", e.Provider, e.Description)
	default:
		return fmt.Sprintf("credential for %s: %v", e.Provider, e.Err)
	}
}

func (e *CredentialError) Unwrap() error { return e.Err }

// ProviderError means the provider answered with a well-formed error payload.
// Code and Message are copied from the payload; HTTPStatus is set when the
// error came with a non-2xx status.
type ProviderError struct {
	Provider   string
	Code       string
	Message    string
	HTTPStatus int
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s error %s: %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

// TransportError is a network or connection failure that never produced an
// interpretable provider payload.
type TransportError struct {
	Provider string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport to %s: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
