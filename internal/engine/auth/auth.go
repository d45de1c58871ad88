package auth

import (
	"context"
	"fmt"
)

// Permissions checked by the engine.
const (
	PermOptionsRead  = "options.read"
	PermOptionsWrite = "options.write"
	PermIssueCreate  = "issue.create"
	PermIssueLink    = "issue.link"
	PermEventsRead   = "events.read"
	PermAll          = "*"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Principal is the authenticated caller of an operation.
type Principal struct {
	ActorID     string
	Permissions []string
}

// Has reports whether the principal holds perm, directly or through "*".
func (p Principal) Has(perm string) bool {
	for _, have := range p.Permissions {
		if have == perm || have == PermAll {
			return true
		}
	}
	return false
}

// Local is the principal of a CLI user working on their own workspace.
func Local(actorID string) Principal {
	if actorID == "" {
		actorID = "local-user"
	}
	return Principal{ActorID: actorID, Permissions: []string{PermAll}}
}

type principalKey struct{}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal attached to ctx.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Require returns the principal of ctx when it holds perm. A context without a
// principal is denied.
func Require(ctx context.Context, perm string) (Principal, error) {
	p, ok := FromContext(ctx)
	if !ok || !p.Has(perm) {
		return Principal{}, ForbiddenError{Permission: perm}
	}
	return p, nil
}
