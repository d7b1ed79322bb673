package audit

import "context"

type contextKey string

const (
	ctxActorType contextKey = "audit_actor_type"
	ctxActorID   contextKey = "audit_actor_id"
)

// Actor types.
const (
	ActorClient     = "client"
	ActorFreelancer = "freelancer"
	ActorAdmin      = "admin"
	ActorSystem     = "system"
)

// WithActor attaches actor info to the context for audit logging.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	ctx = context.WithValue(ctx, ctxActorType, actorType)
	return context.WithValue(ctx, ctxActorID, actorID)
}

// ActorFrom returns the actor attached to ctx, defaulting to "system".
func ActorFrom(ctx context.Context) (actorType, actorID string) {
	actorType = ActorSystem
	if v, ok := ctx.Value(ctxActorType).(string); ok && v != "" {
		actorType = v
	}
	if v, ok := ctx.Value(ctxActorID).(string); ok {
		actorID = v
	}
	return actorType, actorID
}
