// Package server hosts the protocol dispatcher, the provider registries and
// the HTTP surface that binds them: one protocol endpoint, health,
// diagnostics and the administrative session operations.
package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	gwerrors "github.com/gitlab-mcp/gateway/pkg/errors"
	"github.com/gitlab-mcp/gateway/pkg/logging"
	"github.com/gitlab-mcp/gateway/pkg/protocol"
	"github.com/gitlab-mcp/gateway/pkg/session"
)

const (
	// HeaderToken carries the upstream access token per request
	HeaderToken = "X-GitLab-Token"

	// HeaderBaseURL carries the upstream base URL per request
	HeaderBaseURL = "X-GitLab-Base-URL"

	// HeaderSessionID returns the protocol session id after a handshake
	HeaderSessionID = "Mcp-Session-Id"

	// maxBodySize bounds the protocol request body
	maxBodySize = 4 << 20
)

// HandlerOptions configures the HTTP surface
type HandlerOptions struct {
	Dispatcher *Dispatcher
	Store      *session.Store
	Logger     logging.Logger

	// Metrics, when set, is mounted at MetricsPath
	Metrics     http.Handler
	MetricsPath string

	// DefaultBaseURL serves requests that omit the base URL header. Empty
	// means the header is required alongside the token.
	DefaultBaseURL string

	// Debug includes error detail in HTTP error bodies
	Debug bool
}

type httpHandler struct {
	dispatcher     *Dispatcher
	store          *session.Store
	logger         logging.Logger
	defaultBaseURL string
	debug          bool
}

// NewHandler builds the gateway's HTTP router
func NewHandler(opts HandlerOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	h := &httpHandler{
		dispatcher:     opts.Dispatcher,
		store:          opts.Store,
		logger:         logger.WithFields(logging.String("component", "http")),
		defaultBaseURL: opts.DefaultBaseURL,
		debug:          opts.Debug,
	}

	r := chi.NewRouter()
	r.Post("/mcp", h.handleMCP)
	r.Get("/healthz", h.handleHealth)
	r.Get("/sessions", h.handleListSessions)
	r.Delete("/sessions/{key}", h.handleEvictSession)
	r.Post("/sessions/{key}/reset", h.handleResetSession)
	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, opts.Metrics)
	}
	return r
}

func (h *httpHandler) handleMCP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	ctx := logging.ContextWithRequestID(r.Context(), requestID)
	logger := h.logger.WithContext(ctx)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.writeError(w, gwerrors.MalformedRequest("failed to read request body"))
		return
	}

	creds := Credentials{
		Token:   r.Header.Get(HeaderToken),
		BaseURL: r.Header.Get(HeaderBaseURL),
	}
	if creds.BaseURL == "" {
		creds.BaseURL = h.defaultBaseURL
	}
	// The credential is the pair. A partial pair counts as absent and never
	// reaches normalization or the validator.
	creds.Present = creds.Token != "" && creds.BaseURL != ""

	switch {
	case protocol.IsRequest(body):
		var req protocol.Request
		if err := json.Unmarshal(body, &req); err != nil {
			h.writeError(w, gwerrors.MalformedRequest(err.Error()))
			return
		}

		outcome, err := h.dispatcher.Dispatch(ctx, &req, creds)
		if err != nil {
			logger.WithError(err).Warn("request rejected", logging.String("method", req.Method))
			h.writeError(w, err)
			return
		}

		if outcome.SessionID != "" {
			w.Header().Set(HeaderSessionID, outcome.SessionID)
		}
		if err := WriteResponse(w, outcome.Response, WantsStream(r.Header.Get("Accept"))); err != nil {
			logger.WithError(err).Error("failed to write response")
		}

	case protocol.IsNotification(body):
		var notif protocol.Notification
		if err := json.Unmarshal(body, &notif); err != nil {
			h.writeError(w, gwerrors.MalformedRequest(err.Error()))
			return
		}

		if err := h.dispatcher.DispatchNotification(ctx, &notif, creds); err != nil {
			logger.WithError(err).Warn("notification rejected", logging.String("method", notif.Method))
			h.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)

	default:
		// Malformed bodies are rejected before any session work happens.
		h.writeError(w, gwerrors.MalformedRequest("body is not a JSON-RPC request or notification"))
	}
}

func (h *httpHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": h.store.Len(),
	})
}

func (h *httpHandler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	summaries := h.store.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": summaries,
		"count":    len(summaries),
	})
}

func (h *httpHandler) handleEvictSession(w http.ResponseWriter, r *http.Request) {
	removed := false
	if key, ok := h.store.ResolveByPrefix(chi.URLParam(r, "key")); ok {
		removed = h.store.Evict(key)
	}
	// Missing keys are a no-op, not an error; eviction is idempotent.
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (h *httpHandler) handleResetSession(w http.ResponseWriter, r *http.Request) {
	reset := false
	if key, ok := h.store.ResolveByPrefix(chi.URLParam(r, "key")); ok {
		reset = h.store.ResetInitialization(key)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"reset": reset})
}

// writeError maps a gateway error onto its HTTP status and a small JSON body
// carrying the stable tag. Unknown errors are reported as internal without
// leaking their text unless debug is on.
func (h *httpHandler) writeError(w http.ResponseWriter, err error) {
	gwErr, ok := gwerrors.As(err)
	if !ok {
		body := map[string]interface{}{
			"error":   gwerrors.TagInternal,
			"message": "internal error",
		}
		if h.debug {
			body["detail"] = err.Error()
		}
		writeJSON(w, http.StatusInternalServerError, body)
		return
	}

	body := map[string]interface{}{
		"error":   gwErr.Tag(),
		"message": gwErr.Message(),
	}
	if h.debug && gwErr.Unwrap() != nil {
		body["detail"] = gwErr.Unwrap().Error()
	}
	writeJSON(w, gwErr.HTTPStatus(), body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
