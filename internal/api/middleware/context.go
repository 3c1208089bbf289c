package middleware

import (
	"context"
	"net"
	"net/http"
)

type contextKey string

const (
	clientKeyKey contextKey = "client_key"
	requestIDKey contextKey = "request_id"
)

func setClientKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, clientKeyKey, key)
}

// ClientKey returns the identifier rate limits are keyed on: the console key
// prefix when authenticated, otherwise the caller's address.
func ClientKey(r *http.Request) string {
	if key, ok := r.Context().Value(clientKeyKey).(string); ok && key != "" {
		return key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

// RequestID returns the id assigned by the RequestID middleware, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
