// Package tools implements the agent's tool surface: filesystem, shell,
// web access, long-term memory, media delivery and subagent spawning.
package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/countbot/countbot/internal/providers"
)

// Tool is a capability the LLM can invoke.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Registry holds the tools available to an agent run.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered tool names, sorted for stable output.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions renders the registry as OpenAI function schemas.
func (r *Registry) Definitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Restricted returns a copy of the registry without the named tools.
// Subagents get a restricted view so they cannot recurse or touch
// channel delivery.
func (r *Registry) Restricted(deny ...string) *Registry {
	denied := make(map[string]bool, len(deny))
	for _, name := range deny {
		denied[name] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := NewRegistry()
	for name, t := range r.tools {
		if !denied[name] {
			out.tools[name] = t
		}
	}
	return out
}
