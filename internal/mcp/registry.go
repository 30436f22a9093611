package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Tool is the interface every task-mcp tool must implement.
type Tool interface {
	// Name returns the tool name (e.g. "change.open", "change.archive").
	Name() string

	// Description returns a human-readable description of what the tool does.
	Description() string

	// InputSchema returns the JSON Schema for the tool's parameters.
	InputSchema() json.RawMessage

	// Execute runs the tool with the given parameters and returns the result.
	Execute(ctx context.Context, params json.RawMessage) (*ToolsCallResult, error)
}

// Resource is the interface for MCP resources.
type Resource interface {
	// Definition returns the resource metadata (URI, name, description, mimeType).
	Definition() ResourceDefinition

	// Read returns the resource content.
	Read() (*ResourcesReadResult, error)
}

// ResourceProvider serves a family of resources sharing a URI scheme — one
// per change, e.g. change://<slug> — that cannot be enumerated up front as
// individual Resource registrations.
type ResourceProvider interface {
	// Scheme is the URI scheme this provider serves, e.g. "change".
	Scheme() string

	// Template describes the provider for resources/list.
	Template() ResourceDefinition

	// Read returns the content addressed by uri, or an error if it
	// doesn't name an existing resource under this scheme.
	Read(uri string) (*ResourcesReadResult, error)
}

// Registry holds all registered tools and resources.
type Registry struct {
	mu            sync.RWMutex
	tools         map[string]Tool
	toolOrder     []string
	resources     map[string]Resource // keyed by URI
	resourceOrder []string
	providers     map[string]ResourceProvider // keyed by scheme
	providerOrder []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:     make(map[string]Tool),
		resources: make(map[string]Resource),
		providers: make(map[string]ResourceProvider),
	}
}

// --- Tools ---

// Register adds a tool to the registry.
// Panics if a tool with the same name is already registered.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.tools[name]; exists {
		panic(fmt.Sprintf("tool %q already registered", name))
	}
	r.tools[name] = t
	r.toolOrder = append(r.toolOrder, name)
}

// Get returns a tool by name, or nil if not found.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns all registered tool definitions in registration order.
func (r *Registry) List() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]ToolDefinition, 0, len(r.toolOrder))
	for _, name := range r.toolOrder {
		t := r.tools[name]
		defs = append(defs, ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return defs
}

// --- Resources ---

// RegisterResource adds a resource to the registry.
// Panics if a resource with the same URI is already registered.
func (r *Registry) RegisterResource(res Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()

	uri := res.Definition().URI
	if _, exists := r.resources[uri]; exists {
		panic(fmt.Sprintf("resource %q already registered", uri))
	}
	r.resources[uri] = res
	r.resourceOrder = append(r.resourceOrder, uri)
}

// GetResource returns a resource by URI, or nil if not found.
func (r *Registry) GetResource(uri string) Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resources[uri]
}

// ListResources returns all registered resource definitions and provider
// templates, in registration order.
func (r *Registry) ListResources() []ResourceDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]ResourceDefinition, 0, len(r.resourceOrder)+len(r.providerOrder))
	for _, uri := range r.resourceOrder {
		defs = append(defs, r.resources[uri].Definition())
	}
	for _, scheme := range r.providerOrder {
		defs = append(defs, r.providers[scheme].Template())
	}
	return defs
}

// HasResources returns true if any resources or providers are registered.
func (r *Registry) HasResources() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.resources) > 0 || len(r.providers) > 0
}

// --- Resource providers ---

// RegisterResourceProvider adds a dynamic resource provider for a URI scheme.
// Panics if a provider for the same scheme is already registered.
func (r *Registry) RegisterResourceProvider(p ResourceProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	scheme := p.Scheme()
	if _, exists := r.providers[scheme]; exists {
		panic(fmt.Sprintf("resource provider for scheme %q already registered", scheme))
	}
	r.providers[scheme] = p
	r.providerOrder = append(r.providerOrder, scheme)
}

// ReadResource resolves uri against static resources first, then dynamic
// providers keyed by scheme (the part of uri before "://").
func (r *Registry) ReadResource(uri string) (*ResourcesReadResult, error) {
	r.mu.RLock()
	res, ok := r.resources[uri]
	var provider ResourceProvider
	if !ok {
		if i := indexScheme(uri); i >= 0 {
			provider = r.providers[uri[:i]]
		}
	}
	r.mu.RUnlock()

	if ok {
		return res.Read()
	}
	if provider != nil {
		return provider.Read(uri)
	}
	return nil, fmt.Errorf("resource not found: %s", uri)
}

func indexScheme(uri string) int {
	for i := 0; i < len(uri)-2; i++ {
		if uri[i] == ':' && uri[i+1] == '/' && uri[i+2] == '/' {
			return i
		}
	}
	return -1
}
