// Package authz answers whether an actor may perform an action, using the
// role permissions declared in recordflow.yml.
package authz

import (
	"fmt"
	"strings"

	"recordflow/internal/config"
	"recordflow/internal/domain"
)

const (
	PermCreate  = "entity.create"
	PermComment = "entity.comment"
	PermDecide  = "round.decide"
	PermAdmin   = "*"

	RoleAdmin = "admin"
)

// ForbiddenError indicates a missing permission.
type ForbiddenError struct {
	ActorID    string
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("actor %s lacks permission %s", e.ActorID, e.Permission)
}

// Oracle evaluates permissions of the form "kind.action", "kind.*",
// "entity.create", "entity.comment", "round.decide" or "*".
type Oracle struct {
	Config *config.Config
}

// Permission returns the permission id guarding action on kind.
func Permission(kind domain.Kind, action domain.Action) string {
	return string(kind) + "." + string(action)
}

// CanPerform reports whether actor may apply action to an entity of kind.
// Administrative reopen actions require the admin role regardless of
// other grants.
func (o Oracle) CanPerform(actor domain.Actor, kind domain.Kind, action domain.Action) bool {
	if action == "unarchive" {
		return actor.HasRole(RoleAdmin)
	}
	return o.Allowed(actor, Permission(kind, action))
}

// Allowed reports whether any of actor's roles grants perm.
func (o Oracle) Allowed(actor domain.Actor, perm string) bool {
	if o.Config == nil {
		return false
	}
	for _, roleID := range actor.Roles {
		role, ok := o.Config.RBAC.Roles[roleID]
		if !ok {
			continue
		}
		for _, p := range role.Permissions {
			if grants(p, perm) {
				return true
			}
		}
	}
	return false
}

// Require returns a ForbiddenError when actor lacks perm.
func (o Oracle) Require(actor domain.Actor, perm string) error {
	if o.Allowed(actor, perm) {
		return nil
	}
	return ForbiddenError{ActorID: actor.ID, Permission: perm}
}

// RequireAction is Require for an entity action.
func (o Oracle) RequireAction(actor domain.Actor, kind domain.Kind, action domain.Action) error {
	if o.CanPerform(actor, kind, action) {
		return nil
	}
	return ForbiddenError{ActorID: actor.ID, Permission: Permission(kind, action)}
}

func grants(granted, perm string) bool {
	switch {
	case granted == PermAdmin, granted == perm:
		return true
	case strings.HasSuffix(granted, ".*"):
		return strings.HasPrefix(perm, strings.TrimSuffix(granted, "*"))
	}
	return false
}

// RequireDecideAs allows an actor to decide as itself or as its own unit.
// Deciding for any other recipient needs the admin grant.
func (o Oracle) RequireDecideAs(actor domain.Actor, recipient string) error {
	if recipient == actor.ID || (actor.Unit != "" && recipient == actor.Unit) {
		return nil
	}
	return o.Require(actor, PermAdmin)
}
