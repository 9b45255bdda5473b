// Package actor identifies who performs an action. Service operations take
// an Actor value explicitly; the context helpers only carry it from the HTTP
// middleware to the handlers.
package actor

import (
	"context"
	"fmt"
)

// SystemID is the actor id recorded for background work such as the
// proposal sweeper and event consumers.
const SystemID = "00000000-0000-0000-0000-000000000000"

// Actor is the requester performing an operation
type Actor struct {
	ID          string   `json:"id" validate:"required"`
	Email       string   `json:"email,omitempty"`
	RoleID      string   `json:"role_id,omitempty"`
	RoleName    string   `json:"role_name,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// System returns the actor used for system-initiated operations.
func System() Actor {
	return Actor{ID: SystemID, Email: "system@outflow.local", RoleName: "system"}
}

// IsSystem reports whether a is the system actor
func (a Actor) IsSystem() bool {
	return a.ID == SystemID
}

// String returns a short description for logs
func (a Actor) String() string {
	if a.IsSystem() {
		return "system"
	}
	if a.Email == "" {
		return a.ID
	}
	return fmt.Sprintf("%s (%s)", a.ID, a.Email)
}

type contextKey struct{}

// WithActor attaches a to ctx.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, contextKey{}, a)
}

// FromContext returns the actor attached to ctx, if any.
func FromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(contextKey{}).(Actor)
	return a, ok
}
