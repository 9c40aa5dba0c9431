// Package plugin replaces dynamic code execution with a registry of
// named task handles. A scheduler's run request used to carry an
// opaque code blob evaluated in-process; here it instead names a
// Handle the operator registered ahead of time in the worker's
// Registry; no handles are added when a client is admitted. The wire
// shape of the
// request — name, args, kwargs — is unchanged.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Handle is one unit of work a worker can execute by name. Args and
// Kwargs are the JSON-encoded payloads a run request carried; a
// Handle is responsible for decoding the shape it expects.
type Handle interface {
	// Run executes the task and returns a JSON-marshalable result, or
	// an error if the task failed.
	Run(ctx context.Context, args, kwargs json.RawMessage) (interface{}, error)

	// Name identifies the handle in run requests.
	Name() string
}

// Registry maps task names to the Handle that executes them.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]Handle
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]Handle)}
}

// Register adds h under its own Name, replacing any handle already
// registered under that name.
func (r *Registry) Register(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[h.Name()] = h
}

// Deregister removes the handle registered under name, if any.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, name)
}

// Lookup resolves name to its Handle.
func (r *Registry) Lookup(name string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[name]
	return h, ok
}

// Names returns the currently registered handle names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handles))
	for name := range r.handles {
		names = append(names, name)
	}
	return names
}

// Run resolves name and invokes it, returning ErrNotRegistered if no
// handle is registered under that name.
func (r *Registry) Run(ctx context.Context, name string, args, kwargs json.RawMessage) (interface{}, error) {
	h, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return h.Run(ctx, args, kwargs)
}

// ErrNotRegistered is returned by Run when a job names a handle the
// registry has never seen.
var ErrNotRegistered = fmt.Errorf("plugin: handle not registered")
