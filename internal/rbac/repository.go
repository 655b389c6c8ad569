package rbac

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/gravitational/trace"
	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"

	"github.com/wardenhq/warden/internal/names"
)

// Resource is a protected asset identified by an absolute URI.
type Resource struct {
	Name      string
	CreatedAt time.Time
}

// Scope is a named capability defined within a resource.
type Scope struct {
	Resource  string
	Name      string
	CreatedAt time.Time
}

// Role is a named permission bundle defined within a resource.
type Role struct {
	Resource  string
	Name      string
	CreatedAt time.Time
}

// Repository is the administrative surface over the single-table model.
// Every write is validate -> read/condition parents -> one transactional
// write -> translate cancellations; all creates and deletes are idempotent.
type Repository struct {
	store Store
	clock clockwork.Clock
	log   hclog.Logger
}

// NewRepository wraps a store. A nil clock selects the wall clock.
func NewRepository(store Store, clock clockwork.Clock, log hclog.Logger) *Repository {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Repository{store: store, clock: clock, log: log.Named("rbac")}
}

// CreateResource creates the resource marker row. Idempotent.
func (r *Repository) CreateResource(ctx context.Context, resource string) error {
	resource, err := names.ResourceName(resource)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = r.store.PutItemIfAbsent(ctx, r.newRow(resource, subjectResource))
	return trace.Wrap(err)
}

// DeleteResource removes the resource and cascades over every scope, role
// and assignment sharing its partition. It loops until the partition query
// returns empty, so a concurrent create that slips a row in behind the
// sweep is still collected. Idempotent and safe to retry after cancellation.
func (r *Repository) DeleteResource(ctx context.Context, resource string) error {
	resource, err := names.ResourceName(resource)
	if err != nil {
		return trace.Wrap(err)
	}
	for {
		var ops []WriteOp
		for row, err := range r.store.Rows(ctx, resource, "") {
			if err != nil {
				return trace.Wrap(err)
			}
			ops = append(ops, WriteOp{Kind: OpDelete, Row: row})
		}
		if len(ops) == 0 {
			return nil
		}
		r.log.Debug("cascading resource delete", "resource", resource, "rows", len(ops))
		if err := r.deleteChunked(ctx, ops); err != nil {
			return trace.Wrap(err)
		}
	}
}

// CreateScope creates a scope definition under an existing resource.
// Idempotent; fails with a not-found error when the resource is absent.
func (r *Repository) CreateScope(ctx context.Context, resource, scope string) error {
	return r.createChild(ctx, resource, scope, names.ScopeName, scopeSubject)
}

// DeleteScope removes the scope definition and every assignment bound to it.
// Idempotent.
func (r *Repository) DeleteScope(ctx context.Context, resource, scope string) error {
	return r.deleteChild(ctx, resource, scope, names.ScopeName, scopePrefix, scopeSubject)
}

// CreateRole creates a role definition under an existing resource.
// Idempotent; fails with a not-found error when the resource is absent.
func (r *Repository) CreateRole(ctx context.Context, resource, role string) error {
	return r.createChild(ctx, resource, role, names.RoleName, roleSubject)
}

// DeleteRole removes the role definition and every assignment bound to it.
// Idempotent.
func (r *Repository) DeleteRole(ctx context.Context, resource, role string) error {
	return r.deleteChild(ctx, resource, role, names.RoleName, rolePrefix, roleSubject)
}

// CreateScopeAssignment binds a scope to a principal. The resource and the
// scope must both exist at the transaction point. Idempotent.
func (r *Repository) CreateScopeAssignment(ctx context.Context, resource, scope, principal string) error {
	return r.createAssignment(ctx, resource, scope, principal, names.ScopeName, scopeSubject, scopeAssignmentSubject, "scope")
}

// DeleteScopeAssignment unbinds a scope from a principal. Idempotent.
func (r *Repository) DeleteScopeAssignment(ctx context.Context, resource, scope, principal string) error {
	return r.deleteAssignment(ctx, resource, scope, principal, names.ScopeName, scopeAssignmentSubject)
}

// CreateRoleAssignment binds a role to a principal. The resource and the
// role must both exist at the transaction point. Idempotent.
func (r *Repository) CreateRoleAssignment(ctx context.Context, resource, role, principal string) error {
	return r.createAssignment(ctx, resource, role, principal, names.RoleName, roleSubject, roleAssignmentSubject, "role")
}

// DeleteRoleAssignment unbinds a role from a principal. Idempotent.
func (r *Repository) DeleteRoleAssignment(ctx context.Context, resource, role, principal string) error {
	return r.deleteAssignment(ctx, resource, role, principal, names.RoleName, roleAssignmentSubject)
}

// DeletePrincipal sweeps every assignment the principal holds across all
// resources. Idempotent.
func (r *Repository) DeletePrincipal(ctx context.Context, principal string) error {
	if err := names.PrincipalID(principal); err != nil {
		return trace.Wrap(err)
	}
	suffix := principalSuffix(principal)
	var ops []WriteOp
	for row, err := range r.store.Scan(ctx) {
		if err != nil {
			return trace.Wrap(err)
		}
		if _, p, ok := parseAssignment(scopePrefix, row.Subject); ok && p == principal {
			ops = append(ops, WriteOp{Kind: OpDelete, Row: row})
			continue
		}
		if _, p, ok := parseAssignment(rolePrefix, row.Subject); ok && p == principal {
			ops = append(ops, WriteOp{Kind: OpDelete, Row: row})
		}
	}
	if len(ops) == 0 {
		return nil
	}
	r.log.Debug("deleting principal assignments", "principal_suffix", suffix, "rows", len(ops))
	return trace.Wrap(r.deleteChunked(ctx, ops))
}

// GetResource returns the resource, or nil when absent.
func (r *Repository) GetResource(ctx context.Context, resource string) (*Resource, error) {
	resource, err := names.ResourceName(resource)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	row, err := r.store.GetItem(ctx, resource, subjectResource)
	if err != nil || row == nil {
		return nil, trace.Wrap(err)
	}
	return &Resource{Name: resource, CreatedAt: row.CreatedAt}, nil
}

// GetScope returns the scope definition, or nil when absent.
func (r *Repository) GetScope(ctx context.Context, resource, scope string) (*Scope, error) {
	resource, err := names.ResourceName(resource)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := names.ScopeName(scope); err != nil {
		return nil, trace.Wrap(err)
	}
	row, err := r.store.GetItem(ctx, resource, scopeSubject(scope))
	if err != nil || row == nil {
		return nil, trace.Wrap(err)
	}
	return &Scope{Resource: resource, Name: scope, CreatedAt: row.CreatedAt}, nil
}

// GetRole returns the role definition, or nil when absent.
func (r *Repository) GetRole(ctx context.Context, resource, role string) (*Role, error) {
	resource, err := names.ResourceName(resource)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := names.RoleName(role); err != nil {
		return nil, trace.Wrap(err)
	}
	row, err := r.store.GetItem(ctx, resource, roleSubject(role))
	if err != nil || row == nil {
		return nil, trace.Wrap(err)
	}
	return &Role{Resource: resource, Name: role, CreatedAt: row.CreatedAt}, nil
}

// GetResources lists every resource name, ascending.
func (r *Repository) GetResources(ctx context.Context) ([]string, error) {
	var resources []string
	for row, err := range r.store.Scan(ctx) {
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if row.Subject == subjectResource {
			resources = append(resources, row.Entity)
		}
	}
	sort.Strings(resources)
	return resources, nil
}

// GetPrincipalsForScope lists the principals holding the scope, ascending.
// The resource and scope must exist.
func (r *Repository) GetPrincipalsForScope(ctx context.Context, resource, scope string) ([]string, error) {
	return r.principalsFor(ctx, resource, scope, names.ScopeName, scopeSubject, scopePrefix, "scope")
}

// GetPrincipalsForRole lists the principals holding the role, ascending.
// The resource and role must exist.
func (r *Repository) GetPrincipalsForRole(ctx context.Context, resource, role string) ([]string, error) {
	return r.principalsFor(ctx, resource, role, names.RoleName, roleSubject, rolePrefix, "role")
}

func (r *Repository) createChild(ctx context.Context, resource, name string, check func(string) error, subject func(string) string) error {
	resource, err := names.ResourceName(resource)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := check(name); err != nil {
		return trace.Wrap(err)
	}
	err = r.store.TransactWrite(ctx, []WriteOp{
		{Kind: OpCheck, Row: Row{Entity: resource, Subject: subjectResource}, Condition: CondExists},
		{Kind: OpPut, Row: r.newRow(resource, subject(name)), Condition: CondAbsent},
	})
	return trace.Wrap(r.translateCreate(err, resource, "", ""))
}

func (r *Repository) deleteChild(ctx context.Context, resource, name string, check func(string) error, kindPrefix string, subject func(string) string) error {
	resource, err := names.ResourceName(resource)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := check(name); err != nil {
		return trace.Wrap(err)
	}
	// Assignments first: a crash mid-delete leaves only leaf rows missing,
	// which a retry sweeps again.
	var ops []WriteOp
	for row, err := range r.store.Rows(ctx, resource, assignmentPrefix(kindPrefix, name)) {
		if err != nil {
			return trace.Wrap(err)
		}
		ops = append(ops, WriteOp{Kind: OpDelete, Row: row})
	}
	if err := r.deleteChunked(ctx, ops); err != nil {
		return trace.Wrap(err)
	}
	_, err = r.store.DeleteItem(ctx, resource, subject(name))
	return trace.Wrap(err)
}

func (r *Repository) createAssignment(ctx context.Context, resource, name, principal string, check func(string) error, parentSubject func(string) string, assignmentSubject func(string, string) string, kind string) error {
	resource, err := names.ResourceName(resource)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := check(name); err != nil {
		return trace.Wrap(err)
	}
	if err := names.PrincipalID(principal); err != nil {
		return trace.Wrap(err)
	}
	err = r.store.TransactWrite(ctx, []WriteOp{
		{Kind: OpCheck, Row: Row{Entity: resource, Subject: subjectResource}, Condition: CondExists},
		{Kind: OpCheck, Row: Row{Entity: resource, Subject: parentSubject(name)}, Condition: CondExists},
		{Kind: OpPut, Row: r.newRow(resource, assignmentSubject(name, principal)), Condition: CondAbsent},
	})
	return trace.Wrap(r.translateCreate(err, resource, kind, name))
}

func (r *Repository) deleteAssignment(ctx context.Context, resource, name, principal string, check func(string) error, assignmentSubject func(string, string) string) error {
	resource, err := names.ResourceName(resource)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := check(name); err != nil {
		return trace.Wrap(err)
	}
	if err := names.PrincipalID(principal); err != nil {
		return trace.Wrap(err)
	}
	_, err = r.store.DeleteItem(ctx, resource, assignmentSubject(name, principal))
	return trace.Wrap(err)
}

func (r *Repository) principalsFor(ctx context.Context, resource, name string, check func(string) error, parentSubject func(string) string, kindPrefix, kind string) ([]string, error) {
	resource, err := names.ResourceName(resource)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := check(name); err != nil {
		return nil, trace.Wrap(err)
	}
	parent, err := r.store.GetItem(ctx, resource, subjectResource)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if parent == nil {
		return nil, trace.NotFound("resource %q not found", resource)
	}
	definition, err := r.store.GetItem(ctx, resource, parentSubject(name))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if definition == nil {
		return nil, trace.NotFound("%s %q not found on resource %q", kind, name, resource)
	}
	var principals []string
	for row, err := range r.store.Rows(ctx, resource, assignmentPrefix(kindPrefix, name)) {
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if _, principal, ok := parseAssignment(kindPrefix, row.Subject); ok {
			principals = append(principals, principal)
		}
	}
	sort.Strings(principals)
	return principals, nil
}

// translateCreate maps a condition-cancelled create transaction onto domain
// errors. Op order is fixed: resource
// check, then (optionally) the scope/role check, then the guarded put.
// A failed put guard means the row already existed, which is success.
func (r *Repository) translateCreate(err error, resource, kind, name string) error {
	if err == nil {
		return nil
	}
	var condErr *ConditionError
	if !errors.As(err, &condErr) {
		return trace.Wrap(err)
	}
	if condErr.Failed(0) {
		return trace.NotFound("resource %q not found", resource)
	}
	if kind != "" && condErr.Failed(1) {
		return trace.NotFound("%s %q not found on resource %q", kind, name, resource)
	}
	// Only the CondAbsent put failed: the create is idempotent.
	return nil
}

// deleteChunked splits leaf deletes into transactions sized to the store
// limit. Each chunk is independently atomic; partial progress is safe
// because only leaf rows are removed.
func (r *Repository) deleteChunked(ctx context.Context, ops []WriteOp) error {
	limit := r.store.MaxTransactItems()
	for len(ops) > 0 {
		n := min(limit, len(ops))
		if err := r.store.TransactWrite(ctx, ops[:n]); err != nil {
			return trace.Wrap(err)
		}
		ops = ops[n:]
	}
	return nil
}

func (r *Repository) newRow(entity, subject string) Row {
	return Row{Entity: entity, Subject: subject, CreatedAt: r.clock.Now().UTC()}
}
