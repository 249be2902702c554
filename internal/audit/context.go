package audit

import "context"

// RequestMeta is the caller context captured once per HTTP request.
type RequestMeta struct {
	IPAddress string
	UserAgent string
	Device    Device
	Method    string
	Path      string
	Body      map[string]any // already redacted
}

type metaKey struct{}

// WithRequestMeta attaches request metadata to ctx.
func WithRequestMeta(ctx context.Context, m RequestMeta) context.Context {
	return context.WithValue(ctx, metaKey{}, m)
}

// RequestMetaFrom returns the metadata attached by WithRequestMeta.
func RequestMetaFrom(ctx context.Context) (RequestMeta, bool) {
	m, ok := ctx.Value(metaKey{}).(RequestMeta)
	return m, ok
}
