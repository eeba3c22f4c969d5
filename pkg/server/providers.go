package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gitlab-mcp/gateway/pkg/gitlab"
	"github.com/gitlab-mcp/gateway/pkg/protocol"
)

// ToolsProvider supplies the static tool catalog and invokes tool handlers.
// Handlers receive the session's upstream client; they own the translation
// of arguments into one REST call and the reshaping of the result.
type ToolsProvider interface {
	// ListTools returns the static tool catalog
	ListTools() []protocol.Tool

	// CallTool invokes the named tool with the session's upstream client
	CallTool(ctx context.Context, client *gitlab.Client, name string, args json.RawMessage) (*protocol.CallToolResult, error)
}

// ResourcesProvider supplies the static resource catalog and reads resources
type ResourcesProvider interface {
	// ListResources returns the static resource catalog
	ListResources() []protocol.Resource

	// ReadResource reads the resource at uri with the session's client
	ReadResource(ctx context.Context, client *gitlab.Client, uri string) (*protocol.ReadResourceResult, error)
}

// PromptsProvider supplies static prompt templates. Prompts are plain text
// templates and need no session.
type PromptsProvider interface {
	// ListPrompts returns the static prompt catalog
	ListPrompts() []protocol.Prompt

	// GetPrompt renders the named prompt with the given arguments
	GetPrompt(name string, args map[string]string) (*protocol.GetPromptResult, error)
}

// ErrNotRegistered reports an unknown tool, resource or prompt name
type ErrNotRegistered struct {
	Kind string
	Name string
}

// Error implements the error interface
func (e *ErrNotRegistered) Error() string {
	return fmt.Sprintf("%s not registered: %s", e.Kind, e.Name)
}

// ToolHandler translates tool arguments into one upstream call
type ToolHandler func(ctx context.Context, client *gitlab.Client, args json.RawMessage) (*protocol.CallToolResult, error)

// ToolRegistry is a registry-backed ToolsProvider
type ToolRegistry struct {
	mu       sync.RWMutex
	defs     map[string]protocol.Tool
	handlers map[string]ToolHandler
}

// NewToolRegistry creates an empty tool registry
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		defs:     make(map[string]protocol.Tool),
		handlers: make(map[string]ToolHandler),
	}
}

// Register adds a tool definition and its handler
func (r *ToolRegistry) Register(tool protocol.Tool, handler ToolHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[tool.Name] = tool
	r.handlers[tool.Name] = handler
}

// ListTools returns all registered tools, sorted by name
func (r *ToolRegistry) ListTools() []protocol.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]protocol.Tool, 0, len(r.defs))
	for _, tool := range r.defs {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// CallTool invokes the named handler
func (r *ToolRegistry) CallTool(ctx context.Context, client *gitlab.Client, name string, args json.RawMessage) (*protocol.CallToolResult, error) {
	r.mu.RLock()
	handler, ok := r.handlers[name]
	r.mu.RUnlock()

	if !ok {
		return nil, &ErrNotRegistered{Kind: "tool", Name: name}
	}
	return handler(ctx, client, args)
}

// ResourceReader reads one resource URI with the session's client
type ResourceReader func(ctx context.Context, client *gitlab.Client, uri string) (*protocol.ReadResourceResult, error)

// ResourceRegistry is a registry-backed ResourcesProvider
type ResourceRegistry struct {
	mu      sync.RWMutex
	defs    map[string]protocol.Resource
	readers map[string]ResourceReader
}

// NewResourceRegistry creates an empty resource registry
func NewResourceRegistry() *ResourceRegistry {
	return &ResourceRegistry{
		defs:    make(map[string]protocol.Resource),
		readers: make(map[string]ResourceReader),
	}
}

// Register adds a resource definition and its reader
func (r *ResourceRegistry) Register(res protocol.Resource, reader ResourceReader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[res.URI] = res
	r.readers[res.URI] = reader
}

// ListResources returns all registered resources, sorted by URI
func (r *ResourceRegistry) ListResources() []protocol.Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	resources := make([]protocol.Resource, 0, len(r.defs))
	for _, res := range r.defs {
		resources = append(resources, res)
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i].URI < resources[j].URI })
	return resources
}

// ReadResource invokes the reader registered for uri
func (r *ResourceRegistry) ReadResource(ctx context.Context, client *gitlab.Client, uri string) (*protocol.ReadResourceResult, error) {
	r.mu.RLock()
	reader, ok := r.readers[uri]
	r.mu.RUnlock()

	if !ok {
		return nil, &ErrNotRegistered{Kind: "resource", Name: uri}
	}
	return reader(ctx, client, uri)
}

// PromptRegistry is a registry-backed PromptsProvider serving static text
// templates with {{placeholder}} substitution.
type PromptRegistry struct {
	mu        sync.RWMutex
	defs      map[string]protocol.Prompt
	templates map[string]string
}

// NewPromptRegistry creates an empty prompt registry
func NewPromptRegistry() *PromptRegistry {
	return &PromptRegistry{
		defs:      make(map[string]protocol.Prompt),
		templates: make(map[string]string),
	}
}

// Register adds a prompt definition and its template text
func (r *PromptRegistry) Register(prompt protocol.Prompt, template string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[prompt.Name] = prompt
	r.templates[prompt.Name] = template
}

// ListPrompts returns all registered prompts, sorted by name
func (r *PromptRegistry) ListPrompts() []protocol.Prompt {
	r.mu.RLock()
	defer r.mu.RUnlock()

	prompts := make([]protocol.Prompt, 0, len(r.defs))
	for _, prompt := range r.defs {
		prompts = append(prompts, prompt)
	}
	sort.Slice(prompts, func(i, j int) bool { return prompts[i].Name < prompts[j].Name })
	return prompts
}

// GetPrompt renders the named template, substituting {{name}} placeholders
func (r *PromptRegistry) GetPrompt(name string, args map[string]string) (*protocol.GetPromptResult, error) {
	r.mu.RLock()
	def, ok := r.defs[name]
	template := r.templates[name]
	r.mu.RUnlock()

	if !ok {
		return nil, &ErrNotRegistered{Kind: "prompt", Name: name}
	}

	text := template
	for key, value := range args {
		text = strings.ReplaceAll(text, "{{"+key+"}}", value)
	}

	return &protocol.GetPromptResult{
		Description: def.Description,
		Messages: []protocol.PromptMessage{
			{Role: "user", Content: protocol.Content{Type: "text", Text: text}},
		},
	}, nil
}
