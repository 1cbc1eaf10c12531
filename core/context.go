package core

import "maps"

// WorkflowContext is the data flowing between nodes of one execution.
// Values are keyed by the variable name of the node that produced them.
type WorkflowContext map[string]any

// NewWorkflowContext seeds a context from initial data. A nil seed yields an empty context.
func NewWorkflowContext(seed map[string]any) WorkflowContext {
	ctx := make(WorkflowContext, len(seed))
	maps.Copy(ctx, seed)
	return ctx
}

// With returns a shallow copy of c with key set to value. c is not modified.
func (c WorkflowContext) With(key string, value any) WorkflowContext {
	out := make(WorkflowContext, len(c)+1)
	maps.Copy(out, c)
	out[key] = value
	return out
}

// Clone returns a shallow copy of c.
func (c WorkflowContext) Clone() WorkflowContext {
	return NewWorkflowContext(c)
}

// Map returns c as a plain map, for callers outside this package.
func (c WorkflowContext) Map() map[string]any {
	return map[string]any(c)
}
