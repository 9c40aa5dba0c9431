package plugin

import (
	"context"
	"encoding/json"
)

// FuncHandle adapts a plain function to the Handle interface, the way
// most registered task handles are expected to be written.
type FuncHandle struct {
	name string
	fn   func(ctx context.Context, args, kwargs json.RawMessage) (interface{}, error)
}

// NewFuncHandle wraps fn as a Handle named name.
func NewFuncHandle(name string, fn func(ctx context.Context, args, kwargs json.RawMessage) (interface{}, error)) *FuncHandle {
	return &FuncHandle{name: name, fn: fn}
}

func (h *FuncHandle) Name() string { return h.name }

func (h *FuncHandle) Run(ctx context.Context, args, kwargs json.RawMessage) (interface{}, error) {
	return h.fn(ctx, args, kwargs)
}
