package txn

import "context"

// ctxKey is unexported so only this package can mint the key used to bind
// a Handle to a context.Context.
type ctxKey struct{}

// WithHandle returns a context carrying h as the active transaction
// handle.
func WithHandle(ctx context.Context, h *Handle) context.Context {
	return context.WithValue(ctx, ctxKey{}, h)
}

// FromContext returns the transaction handle bound to ctx, if any.
func FromContext(ctx context.Context) (*Handle, bool) {
	h, ok := ctx.Value(ctxKey{}).(*Handle)
	return h, ok
}
