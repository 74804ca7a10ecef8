package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Executor performs the side effect of a cleared tool call. Implementations
// live outside this module; credentials are resolved before Execute runs.
type Executor interface {
	Execute(ctx context.Context, userID string, args json.RawMessage) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, userID string, args json.RawMessage) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, userID string, args json.RawMessage) (json.RawMessage, error) {
	return f(ctx, userID, args)
}

// Registry maps tool names to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds an executor to a tool name.
func (r *Registry) Register(name string, exec Executor) {
	if name == "" || exec == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[name] = exec
}

// Execute runs the executor registered for name.
func (r *Registry) Execute(ctx context.Context, name, userID string, args json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	exec, ok := r.executors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no executor registered for tool %q", name)
	}
	return exec.Execute(ctx, userID, args)
}

// Echo stands in for real executors in development: it returns the tool name
// and the arguments it was given.
func Echo(name string) Executor {
	return ExecutorFunc(func(_ context.Context, userID string, args json.RawMessage) (json.RawMessage, error) {
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		return json.Marshal(map[string]any{"tool": name, "user_id": userID, "args": args})
	})
}
