package owner

import (
	"context"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey int

const (
	// ownerKeyContextKey is the key for storing a Key in a context.Context
	ownerKeyContextKey contextKey = iota
)

// ContextWithKey adds an owner Key to a context.Context.
func ContextWithKey(ctx context.Context, k Key) context.Context {
	return context.WithValue(ctx, ownerKeyContextKey, k)
}

// FromContext retrieves the owner Key from a context.Context.
// If no Key is found, it returns a zero Key and false.
func FromContext(ctx context.Context) (Key, bool) {
	k, ok := ctx.Value(ownerKeyContextKey).(Key)
	return k, ok
}
