package server

import (
	"context"
	"encoding/json"
	"time"

	gwerrors "github.com/gitlab-mcp/gateway/pkg/errors"
	"github.com/gitlab-mcp/gateway/pkg/logging"
	"github.com/gitlab-mcp/gateway/pkg/observability"
	"github.com/gitlab-mcp/gateway/pkg/protocol"
	"github.com/gitlab-mcp/gateway/pkg/session"
)

// Credentials carries the credential headers of one request. Present is
// false when the headers were absent entirely, which maps to the
// credential_required error for session-bound methods.
type Credentials struct {
	Token   string
	BaseURL string
	Present bool
}

// Outcome is the dispatch result for a protocol request. SessionID is set by
// a handshake and surfaces as the Mcp-Session-Id response header.
type Outcome struct {
	Response  *protocol.Response
	SessionID string
}

// Dispatcher implements the protocol's method state machine over one decoded
// request per call. Methods outside the closed table below produce a
// method-not-found envelope error; adding a method means adding a case here.
type Dispatcher struct {
	store     *session.Store
	tools     ToolsProvider
	resources ResourcesProvider
	prompts   PromptsProvider
	logger    logging.Logger
	metrics   *observability.Metrics
	tracing   *observability.TracingProvider
	info      protocol.ServerInfo
}

// DispatcherOptions configures a Dispatcher
type DispatcherOptions struct {
	Store     *session.Store
	Tools     ToolsProvider
	Resources ResourcesProvider
	Prompts   PromptsProvider
	Logger    logging.Logger
	// Metrics and Tracing are optional observation hooks
	Metrics *observability.Metrics
	Tracing *observability.TracingProvider
	// Info identifies the gateway in handshake responses
	Info protocol.ServerInfo
}

// NewDispatcher creates a dispatcher over the given store and providers
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Dispatcher{
		store:     opts.Store,
		tools:     opts.Tools,
		resources: opts.Resources,
		prompts:   opts.Prompts,
		logger:    logger.WithFields(logging.String("component", "dispatcher")),
		metrics:   opts.Metrics,
		tracing:   opts.Tracing,
		info:      opts.Info,
	}
}

// requiresSession reports whether a method needs a resolved session.
// Capability listings, prompt retrieval and ping are served without one.
func requiresSession(method string) bool {
	switch method {
	case protocol.MethodInitialize,
		protocol.MethodInitialized,
		protocol.MethodCallTool,
		protocol.MethodReadResource:
		return true
	default:
		return false
	}
}

// Dispatch routes one protocol request. Credential failures (required,
// expired, invalid, unreachable) are returned as errors for the transport to
// map onto HTTP statuses; everything else, collaborator failures included,
// lands inside the response envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, req *protocol.Request, creds Credentials) (*Outcome, error) {
	start := time.Now()
	outcome, err := d.dispatch(ctx, req, creds)
	d.observe(ctx, req.Method, start, outcome, err)
	return outcome, err
}

func (d *Dispatcher) dispatch(ctx context.Context, req *protocol.Request, creds Credentials) (*Outcome, error) {
	if d.tracing != nil {
		spanCtx, span := d.tracing.StartMethodSpan(ctx, req.Method)
		ctx = spanCtx
		defer span.End()
	}

	var rec *session.Record
	if requiresSession(req.Method) {
		var err error
		rec, err = d.resolveSession(ctx, creds)
		if err != nil {
			if d.tracing != nil {
				d.tracing.RecordError(ctx, err)
			}
			return nil, err
		}
	}

	switch req.Method {
	case protocol.MethodInitialize:
		return d.handleInitialize(req, rec)
	case protocol.MethodInitialized:
		// Sent with an id by some clients; acknowledge with an empty result.
		// The resolve above already touched activity.
		return respond(req.ID, struct{}{})
	case protocol.MethodListTools:
		return respond(req.ID, protocol.ListToolsResult{Tools: d.tools.ListTools()})
	case protocol.MethodCallTool:
		return d.handleCallTool(ctx, req, rec)
	case protocol.MethodListResources:
		return respond(req.ID, protocol.ListResourcesResult{Resources: d.resources.ListResources()})
	case protocol.MethodReadResource:
		return d.handleReadResource(ctx, req, rec)
	case protocol.MethodListPrompts:
		return respond(req.ID, protocol.ListPromptsResult{Prompts: d.prompts.ListPrompts()})
	case protocol.MethodGetPrompt:
		return d.handleGetPrompt(req)
	case protocol.MethodPing:
		return respond(req.ID, struct{}{})
	default:
		return respondError(req.ID, gwerrors.MethodNotFoundError(req.Method))
	}
}

// DispatchNotification routes one protocol notification. The handshake
// acknowledgement is the only accepted one; it touches session activity and
// produces no body.
func (d *Dispatcher) DispatchNotification(ctx context.Context, notif *protocol.Notification, creds Credentials) error {
	if notif.Method != protocol.MethodInitialized {
		// Unknown notifications are dropped; there is no reply channel for
		// an error envelope.
		d.logger.Debug("ignoring unknown notification", logging.String("method", notif.Method))
		return nil
	}

	_, err := d.resolveSession(ctx, creds)
	return err
}

func (d *Dispatcher) resolveSession(ctx context.Context, creds Credentials) (*session.Record, error) {
	if !creds.Present {
		return nil, gwerrors.CredentialRequired()
	}

	rec, err := d.store.Resolve(ctx, creds.Token, creds.BaseURL)
	if err != nil {
		d.logger.WithContext(ctx).WithError(err).Warn("session resolution failed")
		return nil, err
	}
	return rec, nil
}

func (d *Dispatcher) handleInitialize(req *protocol.Request, rec *session.Record) (*Outcome, error) {
	var params protocol.InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return respondError(req.ID, gwerrors.InvalidParamsError(err.Error()))
		}
	}

	rehandshake := rec.Initialized()
	sessionID, count := rec.Handshake(params.ClientInfo)
	if d.metrics != nil {
		d.metrics.Handshake()
	}

	logger := d.logger.WithFields(
		logging.String("key_prefix", rec.Key().Prefix()),
		logging.Int("initialization_count", count),
	)
	if rehandshake {
		logger.Info("re-handshake, issued fresh protocol session id")
	} else {
		logger.Info("handshake complete")
	}

	result := protocol.InitializeResult{
		ProtocolVersion: protocol.ProtocolVersion,
		Capabilities: map[string]interface{}{
			"tools":     map[string]interface{}{},
			"resources": map[string]interface{}{},
			"prompts":   map[string]interface{}{},
		},
		ServerInfo: d.info,
	}

	outcome, err := respond(req.ID, result)
	if err != nil {
		return nil, err
	}
	outcome.SessionID = sessionID
	return outcome, nil
}

func (d *Dispatcher) handleCallTool(ctx context.Context, req *protocol.Request, rec *session.Record) (*Outcome, error) {
	var params protocol.CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return respondError(req.ID, gwerrors.InvalidParamsError(err.Error()))
	}
	if params.Name == "" {
		return respondError(req.ID, gwerrors.InvalidParamsError("tool name is required"))
	}

	start := time.Now()
	result, err := d.tools.CallTool(ctx, rec.Client(), params.Name, params.Arguments)
	if d.metrics != nil {
		d.metrics.RecordToolCall(params.Name, err, time.Since(start))
	}
	if err != nil {
		d.logger.WithContext(ctx).WithError(err).Warn("tool invocation failed",
			logging.String("tool", params.Name))
		return respondError(req.ID, gwerrors.Internal(params.Name, err))
	}
	return respond(req.ID, result)
}

func (d *Dispatcher) handleReadResource(ctx context.Context, req *protocol.Request, rec *session.Record) (*Outcome, error) {
	var params protocol.ReadResourceParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return respondError(req.ID, gwerrors.InvalidParamsError(err.Error()))
	}

	result, err := d.resources.ReadResource(ctx, rec.Client(), params.URI)
	if err != nil {
		d.logger.WithContext(ctx).WithError(err).Warn("resource read failed",
			logging.String("uri", params.URI))
		return respondError(req.ID, gwerrors.Internal(params.URI, err))
	}
	return respond(req.ID, result)
}

func (d *Dispatcher) handleGetPrompt(req *protocol.Request) (*Outcome, error) {
	var params protocol.GetPromptParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return respondError(req.ID, gwerrors.InvalidParamsError(err.Error()))
	}

	result, err := d.prompts.GetPrompt(params.Name, params.Arguments)
	if err != nil {
		return respondError(req.ID, gwerrors.Internal(params.Name, err))
	}
	return respond(req.ID, result)
}

func (d *Dispatcher) observe(ctx context.Context, method string, start time.Time, outcome *Outcome, err error) {
	if d.metrics == nil {
		return
	}
	status := "ok"
	switch {
	case err != nil:
		if gwErr, k := gwerrors.As(err); k {
			status = gwErr.Tag()
		} else {
			status = "error"
		}
	case outcome != nil && outcome.Response != nil && outcome.Response.Error != nil:
		status = "protocol_error"
	}
	d.metrics.RecordRequest(method, status, time.Since(start))
}

func respond(id interface{}, result interface{}) (*Outcome, error) {
	resp, err := protocol.NewResponse(id, result)
	if err != nil {
		return nil, err
	}
	return &Outcome{Response: resp}, nil
}

func respondError(id interface{}, gwErr *gwerrors.Error) (*Outcome, error) {
	resp, err := protocol.NewErrorResponse(id, protocol.ErrorCode(gwErr.Code()), gwErr.Message(), gwErr.Data())
	if err != nil {
		return nil, err
	}
	return &Outcome{Response: resp}, nil
}
