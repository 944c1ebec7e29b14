// Package tools dispatches model tool calls to built-in handlers.
//
// A [Registry] holds [Tool] values keyed by name. Execute never fails the
// turn: unknown tools, invalid arguments and handler errors all become a
// failure payload in the [s2s.ToolResponse] sent back to the model.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/duet/pkg/provider/s2s"
)

// ErrUnknownTool is wrapped by the outcome error for calls naming a tool that
// is not registered.
var ErrUnknownTool = errors.New("tools: unknown tool")

// ArgumentError reports a tool call with missing or invalid arguments.
type ArgumentError struct {
	Tool    string
	Missing []string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("tools: %s: missing required arguments: %s", e.Tool, strings.Join(e.Missing, ", "))
}

// Result is what a successful handler returns.
type Result struct {
	// Output is reported to the model as the tool result.
	Output string

	// Acknowledgement, when non-empty, is a user-facing message confirming
	// the side effect.
	Acknowledgement string
}

// Handler executes a tool call. Implementations must be safe for concurrent
// use and respect context cancellation.
type Handler func(ctx context.Context, args map[string]any) (Result, error)

// Tool is a built-in tool ready for registration.
type Tool struct {
	// Definition is the model-facing schema.
	Definition s2s.ToolDefinition

	// Handler executes the tool.
	Handler Handler

	// FailureOutput, when set, renders the result text reported to the model
	// for a failed call. The default reports the error message.
	FailureOutput func(err error) string
}

// Outcome is the result of executing one call.
type Outcome struct {
	// Response is the payload to send back to the model.
	Response s2s.ToolResponse

	// Acknowledgement is copied from a successful [Result].
	Acknowledgement string

	// Err is non-nil when the call failed. It is reported to the model and
	// never aborts the turn.
	Err error
}

// Registry maps tool names to tools. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry returns a Registry holding ts.
func NewRegistry(ts ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range ts {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Definition.Name
	if _, ok := r.tools[name]; !ok {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Definitions returns the schemas of all tools in registration order.
func (r *Registry) Definitions() []s2s.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]s2s.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition)
	}
	return defs
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := slices.Clone(r.order)
	slices.Sort(names)
	return names
}

// Execute runs call and builds the response for the model.
func (r *Registry) Execute(ctx context.Context, call s2s.FunctionCall) Outcome {
	r.mu.RLock()
	t, ok := r.tools[call.Name]
	r.mu.RUnlock()

	if !ok {
		slog.Warn("tools: unknown function call", "name", call.Name)
		return Outcome{
			Response: response(call, "Unknown function: "+call.Name),
			Err:      fmt.Errorf("%w: %s", ErrUnknownTool, call.Name),
		}
	}

	res, err := t.Handler(ctx, call.Args)
	if err != nil {
		slog.Warn("tools: call failed", "name", call.Name, "err", err)
		out := err.Error()
		if t.FailureOutput != nil {
			out = t.FailureOutput(err)
		}
		return Outcome{Response: response(call, out), Err: err}
	}
	return Outcome{
		Response:        response(call, res.Output),
		Acknowledgement: res.Acknowledgement,
	}
}

func response(call s2s.FunctionCall, result string) s2s.ToolResponse {
	return s2s.ToolResponse{
		ID:       call.ID,
		Name:     call.Name,
		Response: map[string]any{"result": result},
	}
}

// StringArgs extracts the named string arguments. Absent, non-string and
// blank values are reported together in an [*ArgumentError].
func StringArgs(tool string, args map[string]any, names ...string) ([]string, error) {
	out := make([]string, len(names))
	var missing []string
	for i, n := range names {
		s, _ := args[n].(string)
		if strings.TrimSpace(s) == "" {
			missing = append(missing, n)
			continue
		}
		out[i] = s
	}
	if len(missing) > 0 {
		return nil, &ArgumentError{Tool: tool, Missing: missing}
	}
	return out, nil
}
