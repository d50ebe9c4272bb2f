// Package ctxkeys carries per-connection identity through contexts so
// handlers and loggers agree on who a frame belongs to.
//
// This package is internal and should not be imported by external projects.
package ctxkeys

import "context"

// contextKey keeps the keys private to this package.
type contextKey string

const (
	peerKey   contextKey = "peer"
	connIDKey contextKey = "conn_id"
)

// WithPeer stores the authenticated peer endpoint.
func WithPeer(ctx context.Context, peer string) context.Context {
	return context.WithValue(ctx, peerKey, peer)
}

// Peer reports the authenticated peer endpoint, if any.
func Peer(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(peerKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithConnID stores the bridge connection id.
func WithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDKey, id)
}

// ConnID reports the bridge connection id, if any.
func ConnID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(connIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
