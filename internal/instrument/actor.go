package instrument

import (
	"context"
	"strings"
)

const maxActorIDLen = 128

type actorContextKey struct{}

// WithActor tags calls made with ctx as performed by id. Blank ids are
// ignored and long ones are cut.
func WithActor(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized := normalizeActorID(id)
	if normalized == "" {
		return ctx
	}
	return context.WithValue(ctx, actorContextKey{}, normalized)
}

func ActorFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(actorContextKey{}).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

func actorOr(ctx context.Context, fallback string) string {
	if id, ok := ActorFromContext(ctx); ok {
		return id
	}
	return normalizeActorID(fallback)
}

func normalizeActorID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) > maxActorIDLen {
		id = id[:maxActorIDLen]
	}
	return id
}
