package middleware

import "context"

// callerInfo is filled in by the auth middlewares so that Logger, which
// wraps them, can report who made the request.
type callerInfo struct {
	keyPrefix string
	ownerID   string
}

type callerInfoKey struct{}

func withCallerInfo(ctx context.Context, c *callerInfo) context.Context {
	return context.WithValue(ctx, callerInfoKey{}, c)
}

func noteCaller(ctx context.Context, keyPrefix, ownerID string) {
	c, ok := ctx.Value(callerInfoKey{}).(*callerInfo)
	if !ok {
		return
	}
	if keyPrefix != "" {
		c.keyPrefix = keyPrefix
	}
	if ownerID != "" {
		c.ownerID = ownerID
	}
}
