// Package tools implements the capability registry the session engine
// dispatches model tool calls through. A tool is a name plus an invoke
// contract; adding one means registering a handler, nothing more.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/emberhost/ember/internal/llm"
)

// Handler executes one tool invocation.
type Handler func(ctx context.Context, input map[string]any) (string, error)

// Registry maps tool names to handlers and their model-facing
// definitions.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	defs     map[string]llm.ToolDefinition
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		defs:     make(map[string]llm.ToolDefinition),
	}
}

// Register adds a tool. Re-registering a name replaces the previous
// handler.
func (r *Registry) Register(def llm.ToolDefinition, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[def.Name] = handler
	r.defs[def.Name] = def
}

// Invoke dispatches a tool call. Handler failures and unknown tools are
// reported inside the result, not as an error return; a tool failure is
// part of the conversation, not a fault in the engine.
func (r *Registry) Invoke(ctx context.Context, call llm.ToolCall) llm.ToolResult {
	r.mu.RLock()
	handler, ok := r.handlers[call.Name]
	r.mu.RUnlock()

	if !ok {
		return llm.ToolResult{
			ToolUseID: call.ID,
			Content:   fmt.Sprintf("tool %q is not registered", call.Name),
			IsError:   true,
		}
	}

	output, err := handler(ctx, call.Input)
	if err != nil {
		return llm.ToolResult{ToolUseID: call.ID, Content: err.Error(), IsError: true}
	}
	return llm.ToolResult{ToolUseID: call.ID, Content: output}
}

// Definitions returns all registered tool definitions in name order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.defs))
	for _, d := range r.defs {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns the registered tool names in name order.
func (r *Registry) Names() []string {
	defs := r.Definitions()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}
