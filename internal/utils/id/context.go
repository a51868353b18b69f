package id

import "context"

type contextKey string

const (
	requestKey     contextKey = "wasp_request_id"
	correlationKey contextKey = "wasp_correlation_id"
)

// WithRequestID stores the request identifier on the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestKey, requestID)
}

// RequestIDFromContext extracts the request identifier from context.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if requestID, ok := ctx.Value(requestKey).(string); ok {
		return requestID
	}
	return ""
}

// WithCorrelationID stores a caller-chosen identifier that groups several
// requests, for example every call made by one CLI invocation.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if correlationID == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey, correlationID)
}

// CorrelationIDFromContext extracts the correlation identifier from context.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if correlationID, ok := ctx.Value(correlationKey).(string); ok {
		return correlationID
	}
	return ""
}

// EnsureRequestID returns ctx carrying a request identifier, minting one when
// absent.
func EnsureRequestID(ctx context.Context) (context.Context, string) {
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		return ctx, requestID
	}
	requestID := NewRequestID()
	return WithRequestID(ctx, requestID), requestID
}
