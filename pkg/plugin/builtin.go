package plugin

import (
	"context"
	"encoding/json"
)

// NewBuiltinRegistry returns a Registry preloaded with the handles
// every worker ships with regardless of what a client admits later:
// currently just echo, which decodes its args and returns them
// unchanged, useful for exercising the run/job_result round trip
// without a client-supplied handle.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewFuncHandle("echo", func(ctx context.Context, args, kwargs json.RawMessage) (interface{}, error) {
		var v interface{}
		if len(args) == 0 {
			return nil, nil
		}
		if err := json.Unmarshal(args, &v); err != nil {
			return nil, err
		}
		return v, nil
	}))
	return r
}
