package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gitlab-mcp/gateway/pkg/protocol"
)

// WantsStream reports whether the request's Accept header asks for SSE
// framing. Framing is decided by this header alone; the payload is identical
// either way.
func WantsStream(accept string) bool {
	return strings.Contains(accept, "text/event-stream")
}

// WriteResponse writes one protocol response in the framing the Accept
// header asked for: a plain JSON body, or a single SSE message frame after
// which the stream ends.
func WriteResponse(w http.ResponseWriter, resp *protocol.Response, stream bool) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	if stream {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload); err != nil {
			return err
		}
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
		return nil
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(payload)
	return err
}
