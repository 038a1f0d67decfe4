// Package actorctx carries the authenticated operator through plain
// context.Context values, so code outside the gin layer (the log
// pipeline, background helpers) can see who triggered a request.
package actorctx

import "context"

type key struct{}

func WithOperatorID(ctx context.Context, operatorID string) context.Context {
	return context.WithValue(ctx, key{}, operatorID)
}

func OperatorIDFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(key{}).(string)

	return v, ok && v != ""
}
