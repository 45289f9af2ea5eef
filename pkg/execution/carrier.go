package execution

import "context"

type contextKey struct{}

// WithContext returns a copy of ctx carrying exec. Nodes use it to read the run id and priority.
func WithContext(ctx context.Context, exec *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, exec)
}

// FromContext returns the run carried by ctx.
func FromContext(ctx context.Context) (*Context, bool) {
	exec, ok := ctx.Value(contextKey{}).(*Context)

	return exec, ok && exec != nil
}
