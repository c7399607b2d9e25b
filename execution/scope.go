package execution

import "context"

type contextKey struct{}

// WithContext returns ctx carrying ec as the current execution context.
func WithContext(ctx context.Context, ec *Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, ec)
}

// FromContext returns the current execution context carried by ctx.
func FromContext(ctx context.Context) (*Context, bool) {
	if ctx == nil {
		return nil, false
	}
	ec, ok := ctx.Value(contextKey{}).(*Context)
	return ec, ok && ec != nil
}

// Current returns the execution context carried by ctx, or nil.
func Current(ctx context.Context) *Context {
	ec, _ := FromContext(ctx)
	return ec
}

// Scope runs fn with a child of the current context pushed on ctx. The child
// is released once fn returns.
func Scope(ctx context.Context, kind Kind, fn func(ctx context.Context, ec *Context) error, opts ...Option) error {
	child := Current(ctx).Child(kind, opts...)
	defer child.Release()
	return fn(WithContext(ctx, child), child)
}
