// Package tools implements the hub-side tools exposed to the LLM:
// search_skills, describe_function, and python_exec. The hub never runs
// user code itself; python_exec is forwarded to the target Spoke.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/hearth/internal/providers"
)

// Tool is one callable the LLM can invoke.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Timeout() time.Duration
	Execute(ctx context.Context, args map[string]any) *Result
}

// Registry holds the registered tools in a stable order.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	order  []string
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{tools: make(map[string]Tool), logger: logger}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// ProviderDefs returns the tool schemas in OpenAI function format, in
// registration order.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]providers.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
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

// Execute dispatches one tool call with the tool's timeout applied. Unknown
// tools and panics become error results so the agent loop can keep going.
// When a TurnCache is attached, identical calls are answered from it.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (result *Result) {
	tool, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}

	cache := turnCacheFrom(ctx)
	key := cacheKey(name, args)
	if key == "" {
		cache = nil
	}
	if cache != nil {
		if hit := cache.get(key); hit != nil {
			return hit
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", rec)
			result = ErrorResult(fmt.Sprintf("tool %s failed internally", name))
		}
	}()

	execCtx, cancel := context.WithTimeout(ctx, tool.Timeout())
	defer cancel()

	result = tool.Execute(execCtx, args)
	if result == nil {
		result = ErrorResult(fmt.Sprintf("tool %s returned no result", name))
	}
	if cache != nil && !result.IsError {
		cache.put(key, result)
	}
	return result
}

// TurnCache memoizes tool results for one user turn.
type TurnCache struct {
	mu      sync.Mutex
	results map[string]*Result
}

func NewTurnCache() *TurnCache {
	return &TurnCache{results: make(map[string]*Result)}
}

func (c *TurnCache) get(key string) *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.results[key]; ok {
		return r.cachedCopy()
	}
	return nil
}

func (c *TurnCache) put(key string, r *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[key] = r
}

// cacheKey canonicalizes arguments; encoding/json emits map keys sorted, so
// argument order never splits the cache.
func cacheKey(name string, args map[string]any) string {
	data, err := json.Marshal(args)
	if err != nil {
		return "" // unmarshalable args never cache
	}
	return name + ":" + string(data)
}
