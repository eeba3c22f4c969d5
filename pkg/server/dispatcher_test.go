package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/gitlab-mcp/gateway/pkg/errors"
	"github.com/gitlab-mcp/gateway/pkg/gitlab"
	"github.com/gitlab-mcp/gateway/pkg/protocol"
	"github.com/gitlab-mcp/gateway/pkg/session"
)

func newTestStore(validate session.ValidateFunc) *session.Store {
	if validate == nil {
		validate = func(ctx context.Context, client *gitlab.Client) error { return nil }
	}
	return session.NewStore(session.Options{
		NewClient: func(creds gitlab.Credentials) *gitlab.Client {
			return gitlab.NewClient(creds, time.Second, gitlab.Hooks{})
		},
		Validate: validate,
	})
}

func newTestDispatcher(store *session.Store) (*Dispatcher, *ToolRegistry, *ResourceRegistry, *PromptRegistry) {
	tools := NewToolRegistry()
	resources := NewResourceRegistry()
	prompts := NewPromptRegistry()
	d := NewDispatcher(DispatcherOptions{
		Store:     store,
		Tools:     tools,
		Resources: resources,
		Prompts:   prompts,
		Info:      protocol.ServerInfo{Name: "gateway-test", Version: "0.0.0"},
	})
	return d, tools, resources, prompts
}

func mustRequest(t *testing.T, id interface{}, method string, params interface{}) *protocol.Request {
	t.Helper()
	req, err := protocol.NewRequest(id, method, params)
	require.NoError(t, err)
	return req
}

var testCreds = Credentials{Token: "glpat-test", BaseURL: "https://gitlab.example.test", Present: true}

func TestDispatchPingNeedsNoSession(t *testing.T) {
	d, _, _, _ := newTestDispatcher(newTestStore(nil))

	outcome, err := d.Dispatch(context.Background(), mustRequest(t, 1, protocol.MethodPing, nil), Credentials{})
	require.NoError(t, err)
	require.NotNil(t, outcome.Response)
	assert.Nil(t, outcome.Response.Error)
}

func TestDispatchListToolsNeedsNoSession(t *testing.T) {
	d, tools, _, _ := newTestDispatcher(newTestStore(nil))
	tools.Register(protocol.Tool{Name: "get_project", Description: "Fetch one project"}, nil)

	outcome, err := d.Dispatch(context.Background(), mustRequest(t, 1, protocol.MethodListTools, nil), Credentials{})
	require.NoError(t, err)

	var result protocol.ListToolsResult
	require.NoError(t, json.Unmarshal(outcome.Response.Result, &result))
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "get_project", result.Tools[0].Name)
}

func TestDispatchCallToolWithoutCredentials(t *testing.T) {
	d, _, _, _ := newTestDispatcher(newTestStore(nil))

	req := mustRequest(t, 1, protocol.MethodCallTool, protocol.CallToolParams{Name: "get_project"})
	_, err := d.Dispatch(context.Background(), req, Credentials{})
	require.Error(t, err)
	assert.True(t, gwerrors.IsTag(err, gwerrors.TagCredentialRequired))
}

func TestDispatchCallToolInvokesHandler(t *testing.T) {
	d, tools, _, _ := newTestDispatcher(newTestStore(nil))

	var gotClient *gitlab.Client
	tools.Register(protocol.Tool{Name: "get_project"}, func(ctx context.Context, client *gitlab.Client, args json.RawMessage) (*protocol.CallToolResult, error) {
		gotClient = client
		return &protocol.CallToolResult{Content: []protocol.Content{{Type: "text", Text: "ok"}}}, nil
	})

	req := mustRequest(t, 1, protocol.MethodCallTool, protocol.CallToolParams{Name: "get_project"})
	outcome, err := d.Dispatch(context.Background(), req, testCreds)
	require.NoError(t, err)
	require.Nil(t, outcome.Response.Error)

	require.NotNil(t, gotClient, "handler should receive the session's client")
	assert.Equal(t, "https://gitlab.example.test/api/v4", gotClient.BaseURL())

	var result protocol.CallToolResult
	require.NoError(t, json.Unmarshal(outcome.Response.Result, &result))
	require.Len(t, result.Content, 1)
	assert.Equal(t, "ok", result.Content[0].Text)
}

func TestDispatchCallToolUnknownName(t *testing.T) {
	d, _, _, _ := newTestDispatcher(newTestStore(nil))

	req := mustRequest(t, 7, protocol.MethodCallTool, protocol.CallToolParams{Name: "no_such_tool"})
	outcome, err := d.Dispatch(context.Background(), req, testCreds)
	require.NoError(t, err, "collaborator failures stay inside the envelope")

	require.NotNil(t, outcome.Response.Error)
	assert.Equal(t, protocol.InternalError, outcome.Response.Error.Code)

	data, err := json.Marshal(outcome.Response.Error.Data)
	require.NoError(t, err)
	assert.Contains(t, string(data), "no_such_tool")
}

func TestDispatchCallToolMissingName(t *testing.T) {
	d, _, _, _ := newTestDispatcher(newTestStore(nil))

	req := mustRequest(t, 1, protocol.MethodCallTool, protocol.CallToolParams{})
	outcome, err := d.Dispatch(context.Background(), req, testCreds)
	require.NoError(t, err)
	require.NotNil(t, outcome.Response.Error)
	assert.Equal(t, protocol.InvalidParams, outcome.Response.Error.Code)
}

func TestDispatchInitializeIssuesSessionID(t *testing.T) {
	store := newTestStore(nil)
	d, _, _, _ := newTestDispatcher(store)

	params := protocol.InitializeParams{
		ProtocolVersion: protocol.ProtocolVersion,
		ClientInfo:      &protocol.ClientInfo{Name: "test-client", Version: "1.0"},
	}
	outcome, err := d.Dispatch(context.Background(), mustRequest(t, 1, protocol.MethodInitialize, params), testCreds)
	require.NoError(t, err)
	require.NotEmpty(t, outcome.SessionID)

	var result protocol.InitializeResult
	require.NoError(t, json.Unmarshal(outcome.Response.Result, &result))
	assert.Equal(t, protocol.ProtocolVersion, result.ProtocolVersion)
	assert.Equal(t, "gateway-test", result.ServerInfo.Name)
}

func TestDispatchRepeatedInitialize(t *testing.T) {
	store := newTestStore(nil)
	d, _, _, _ := newTestDispatcher(store)

	first, err := d.Dispatch(context.Background(), mustRequest(t, 1, protocol.MethodInitialize, nil), testCreds)
	require.NoError(t, err)
	second, err := d.Dispatch(context.Background(), mustRequest(t, 2, protocol.MethodInitialize, nil), testCreds)
	require.NoError(t, err)

	assert.NotEqual(t, first.SessionID, second.SessionID, "re-handshake issues a fresh id")

	key, ok := store.ResolveByPrefix(store.Snapshot()[0].KeyPrefix)
	require.True(t, ok)
	rec, ok := store.Get(key)
	require.True(t, ok)
	assert.Equal(t, 2, rec.InitializationCount())
}

func TestDispatchUnknownMethod(t *testing.T) {
	d, _, _, _ := newTestDispatcher(newTestStore(nil))

	outcome, err := d.Dispatch(context.Background(), mustRequest(t, 1, "tools/explode", nil), Credentials{})
	require.NoError(t, err)
	require.NotNil(t, outcome.Response.Error)
	assert.Equal(t, protocol.MethodNotFound, outcome.Response.Error.Code)
}

func TestDispatchValidationFailurePropagates(t *testing.T) {
	store := newTestStore(func(ctx context.Context, client *gitlab.Client) error {
		return gwerrors.TokenExpired()
	})
	d, _, _, _ := newTestDispatcher(store)

	_, err := d.Dispatch(context.Background(), mustRequest(t, 1, protocol.MethodInitialize, nil), testCreds)
	require.Error(t, err)
	assert.True(t, gwerrors.IsTag(err, gwerrors.TagTokenExpired))
	assert.Equal(t, 0, store.Len(), "failed validation inserts nothing")
}

func TestDispatchGetPromptNeedsNoSession(t *testing.T) {
	d, _, _, prompts := newTestDispatcher(newTestStore(nil))
	prompts.Register(protocol.Prompt{Name: "review", Description: "Review template"}, "Review {{project}} carefully.")

	params := protocol.GetPromptParams{Name: "review", Arguments: map[string]string{"project": "gitlab-org/gitlab"}}
	outcome, err := d.Dispatch(context.Background(), mustRequest(t, 1, protocol.MethodGetPrompt, params), Credentials{})
	require.NoError(t, err)
	require.Nil(t, outcome.Response.Error)

	var result protocol.GetPromptResult
	require.NoError(t, json.Unmarshal(outcome.Response.Result, &result))
	require.Len(t, result.Messages, 1)
	assert.Equal(t, "Review gitlab-org/gitlab carefully.", result.Messages[0].Content.Text)
}

func TestDispatchReadResource(t *testing.T) {
	d, _, resources, _ := newTestDispatcher(newTestStore(nil))
	resources.Register(protocol.Resource{URI: "gitlab://version", Name: "version"}, func(ctx context.Context, client *gitlab.Client, uri string) (*protocol.ReadResourceResult, error) {
		return &protocol.ReadResourceResult{Contents: []protocol.ResourceContents{{URI: uri, Text: "17.0"}}}, nil
	})

	params := protocol.ReadResourceParams{URI: "gitlab://version"}
	outcome, err := d.Dispatch(context.Background(), mustRequest(t, 1, protocol.MethodReadResource, params), testCreds)
	require.NoError(t, err)
	require.Nil(t, outcome.Response.Error)

	var result protocol.ReadResourceResult
	require.NoError(t, json.Unmarshal(outcome.Response.Result, &result))
	require.Len(t, result.Contents, 1)
	assert.Equal(t, "17.0", result.Contents[0].Text)
}

func TestDispatchNotificationTouchesSession(t *testing.T) {
	store := newTestStore(nil)
	d, _, _, _ := newTestDispatcher(store)

	notif := &protocol.Notification{
		JSONRPCMessage: protocol.JSONRPCMessage{JSONRPC: protocol.JSONRPCVersion},
		Method:         protocol.MethodInitialized,
	}
	require.NoError(t, d.DispatchNotification(context.Background(), notif, testCreds))
	assert.Equal(t, 1, store.Len())

	err := d.DispatchNotification(context.Background(), notif, Credentials{})
	require.Error(t, err)
	assert.True(t, gwerrors.IsTag(err, gwerrors.TagCredentialRequired))
}

func TestDispatchUnknownNotificationDropped(t *testing.T) {
	store := newTestStore(nil)
	d, _, _, _ := newTestDispatcher(store)

	notif := &protocol.Notification{
		JSONRPCMessage: protocol.JSONRPCMessage{JSONRPC: protocol.JSONRPCVersion},
		Method:         "notifications/progress",
	}
	require.NoError(t, d.DispatchNotification(context.Background(), notif, Credentials{}))
	assert.Equal(t, 0, store.Len())
}
