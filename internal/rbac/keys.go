package rbac

import "strings"

// Subject key layout within one entity partition, kept deliberately flat so
// a resource cascade is a single partition query:
//
//   - `#resource`                     resource marker row
//   - `scope#<name>`                  scope definition
//   - `scope#<name>#<principal>`      scope assignment
//   - `role#<name>`                   role definition
//   - `role#<name>#<principal>`       role assignment
//
// Scope/role names and principal ids can never contain '#' (enforced by the
// names package), so the '#'-split below is unambiguous.
const (
	subjectResource = "#resource"

	scopePrefix = "scope#"
	rolePrefix  = "role#"
)

func scopeSubject(scope string) string {
	return scopePrefix + scope
}

func roleSubject(role string) string {
	return rolePrefix + role
}

func scopeAssignmentSubject(scope, principal string) string {
	return scopePrefix + scope + "#" + principal
}

func roleAssignmentSubject(role, principal string) string {
	return rolePrefix + role + "#" + principal
}

// assignmentPrefix bounds a query to the assignments of one scope or role.
func assignmentPrefix(kindPrefix, name string) string {
	return kindPrefix + name + "#"
}

// parseAssignment splits an assignment subject under the given kind prefix
// into its name and principal. Definition rows (no principal segment) return
// ok=false.
func parseAssignment(kindPrefix, subject string) (name, principal string, ok bool) {
	rest, found := strings.CutPrefix(subject, kindPrefix)
	if !found {
		return "", "", false
	}
	name, principal, found = strings.Cut(rest, "#")
	if !found || name == "" || principal == "" {
		return "", "", false
	}
	return name, principal, true
}

// principalSuffix is the subject suffix shared by every assignment of one
// principal, used by the principal deletion sweep.
func principalSuffix(principal string) string {
	return "#" + principal
}
