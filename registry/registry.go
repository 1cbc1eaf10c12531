// Package registry maps node types to their executors and metadata.
// A Registry is built once at startup and injected wherever nodes are run;
// it cannot be modified afterwards.
package registry

import (
	"fmt"

	"github.com/petal-labs/flowforge/core"
)

// NodeTypeDef describes a registered node type.
type NodeTypeDef struct {
	Type            core.NodeType `json:"type"`
	Category        string        `json:"category"` // "trigger", "action", "ai", "messaging"
	DisplayName     string        `json:"display_name"`
	Description     string        `json:"description"`
	Channel         string        `json:"channel"` // status channel
	RequiredFields  []string      `json:"required_fields,omitempty"`
	NeedsCredential bool          `json:"needs_credential,omitempty"`
}

// Entry pairs a node type's metadata with its executor.
type Entry struct {
	Def      NodeTypeDef
	Executor core.Executor
}

// Registry holds the executor of every known node type.
type Registry struct {
	executors map[core.NodeType]core.Executor
	defs      map[core.NodeType]NodeTypeDef
	order     []core.NodeType // preserves registration order
}

// New builds a registry from entries. Duplicate or executor-less entries are rejected.
func New(entries ...Entry) (*Registry, error) {
	r := &Registry{
		executors: make(map[core.NodeType]core.Executor, len(entries)),
		defs:      make(map[core.NodeType]NodeTypeDef, len(entries)),
	}
	for _, e := range entries {
		if e.Def.Type == "" {
			return nil, fmt.Errorf("registry: entry without node type")
		}
		if e.Executor == nil {
			return nil, fmt.Errorf("registry: node type %s has no executor", e.Def.Type)
		}
		if _, dup := r.executors[e.Def.Type]; dup {
			return nil, fmt.Errorf("registry: node type %s registered twice", e.Def.Type)
		}
		r.executors[e.Def.Type] = e.Executor
		r.defs[e.Def.Type] = e.Def
		r.order = append(r.order, e.Def.Type)
	}
	return r, nil
}

// Get returns the executor for t, or *core.UnknownNodeTypeError.
func (r *Registry) Get(t core.NodeType) (core.Executor, error) {
	exec, ok := r.executors[t]
	if !ok {
		return nil, &core.UnknownNodeTypeError{Type: t}
	}
	return exec, nil
}

// Definition returns the metadata of a node type.
func (r *Registry) Definition(t core.NodeType) (NodeTypeDef, bool) {
	def, ok := r.defs[t]
	return def, ok
}

// Channel returns the status channel of t, or "" when t is unknown.
func (r *Registry) Channel(t core.NodeType) string {
	return r.defs[t].Channel
}

// Has returns true if t is registered.
func (r *Registry) Has(t core.NodeType) bool {
	_, ok := r.executors[t]
	return ok
}

// Definitions returns all registered node types in registration order.
// Used by GET /api/node-types endpoint.
func (r *Registry) Definitions() []NodeTypeDef {
	result := make([]NodeTypeDef, 0, len(r.order))
	for _, t := range r.order {
		result = append(result, r.defs[t])
	}
	return result
}

// Channels returns the distinct status channels in registration order.
func (r *Registry) Channels() []string {
	seen := make(map[string]bool, len(r.order))
	var out []string
	for _, t := range r.order {
		ch := r.defs[t].Channel
		if ch == "" || seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out
}

// Len returns the number of registered node types.
func (r *Registry) Len() int {
	return len(r.order)
}
