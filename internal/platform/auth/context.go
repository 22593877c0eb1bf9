package auth

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const actorKey contextKey = "actor"

// Actor is the authenticated principal performing an operation. Identity and
// organization resolution happen upstream; every domain operation receives the
// resolved actor through the request context.
type Actor struct {
	ID    uuid.UUID
	OrgID uuid.UUID
	Name  string
	Roles []string
}

// HasRole reports whether the actor carries the given role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// WithActor returns a context carrying the actor.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext retrieves the actor placed in the context by the auth
// middleware. The zero Actor is returned when none is present.
func ActorFromContext(ctx context.Context) Actor {
	actor, _ := ctx.Value(actorKey).(Actor)
	return actor
}
