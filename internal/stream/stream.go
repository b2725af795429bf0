// Package stream writes a canonical provider stream to an HTTP client as
// Server-Sent Events.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/howard-nolan/llmgateway/internal/provider"
)

// ErrNoFlusher is returned when the ResponseWriter cannot flush, which
// would hold every event back until the handler returns.
var ErrNoFlusher = errors.New("response writer does not support flushing (http.Flusher)")

// errorEvent is the payload of the final "event: error" frame.
type errorEvent struct {
	Error string `json:"error"`
}

// Write drains s onto w. Every chunk becomes one event:
//
//	data: {"content":"...","promptTokens":0,...}
//
// Each event carries the accumulated response so far, so a client only ever
// needs the latest one; there is no [DONE] sentinel, the stream simply ends.
// If the upstream fails mid-stream an "event: error" frame is written and
// the upstream error is returned. If writing to the client fails, the stream
// is closed (releasing the upstream connection) and the write error is
// returned.
func Write(w http.ResponseWriter, s *provider.Stream) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.Close()
		return ErrNoFlusher
	}

	// Headers must be set before the first write; after that the status
	// is already on the wire and errors can only be reported in-band.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range s.Chunks() {
		if chunk.Err != nil {
			payload, _ := json.Marshal(errorEvent{Error: chunk.Err.Error()})
			if _, err := fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload); err != nil {
				s.Close()
				return fmt.Errorf("writing SSE error event: %w", err)
			}
			flusher.Flush()
			return chunk.Err
		}

		payload, err := json.Marshal(chunk.Response)
		if err != nil {
			s.Close()
			return fmt.Errorf("marshaling SSE event: %w", err)
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			s.Close()
			return fmt.Errorf("writing SSE event: %w", err)
		}
		flusher.Flush()
	}

	// The channel can also close because the request context was cancelled;
	// Final reports that as a TransportError.
	_, err := s.Final()
	return err
}
