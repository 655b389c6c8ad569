package rbac

import (
	"context"
	"sort"

	"github.com/gravitational/trace"

	"github.com/wardenhq/warden/internal/names"
)

// PrincipalAccess is the effective access a principal holds on a resource,
// optionally narrowed by a requested scope. Scopes and Roles are sorted
// ascending and never nil.
type PrincipalAccess struct {
	Resource string
	Scopes   []string
	Roles    []string
}

// GetPrincipalAccess computes the principal's effective access on a
// resource. An empty scope, or the reserved ".default", returns every scope
// the principal holds. Naming a concrete scope narrows Scopes to that scope
// if held; naming a scope that does not exist on the resource is an error.
//
// Roles are gated, not intersected: a role assignment counts only while the
// returned scope set is non-empty. Administrators may therefore bind roles
// before scopes in any order; the gate is applied at read time.
func (r *Repository) GetPrincipalAccess(ctx context.Context, principal, resource, scope string) (*PrincipalAccess, error) {
	if err := names.PrincipalID(principal); err != nil {
		return nil, trace.Wrap(err)
	}
	resource, err := names.ResourceName(resource)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if scope != "" {
		if err := names.RequestedScope(scope); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	parent, err := r.store.GetItem(ctx, resource, subjectResource)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if parent == nil {
		return nil, trace.NotFound("resource %q not found", resource)
	}

	narrowed := scope != "" && scope != names.DefaultScope
	if narrowed {
		definition, err := r.store.GetItem(ctx, resource, scopeSubject(scope))
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if definition == nil {
			return nil, trace.NotFound("scope %q not found on resource %q", scope, resource)
		}
	}

	assignedScopes, err := r.assignedNames(ctx, resource, scopePrefix, principal)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	assignedRoles, err := r.assignedNames(ctx, resource, rolePrefix, principal)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	scopes := assignedScopes
	if narrowed {
		scopes = []string{}
		for _, held := range assignedScopes {
			if held == scope {
				scopes = []string{scope}
				break
			}
		}
	}

	roles := []string{}
	if len(scopes) > 0 {
		roles = assignedRoles
	}

	sort.Strings(scopes)
	sort.Strings(roles)
	return &PrincipalAccess{Resource: resource, Scopes: scopes, Roles: roles}, nil
}

// assignedNames collects the scope or role names assigned to the principal
// on one resource partition.
func (r *Repository) assignedNames(ctx context.Context, resource, kindPrefix, principal string) ([]string, error) {
	result := []string{}
	for row, err := range r.store.Rows(ctx, resource, kindPrefix) {
		if err != nil {
			return nil, trace.Wrap(err)
		}
		name, p, ok := parseAssignment(kindPrefix, row.Subject)
		if ok && p == principal {
			result = append(result, name)
		}
	}
	return result, nil
}
