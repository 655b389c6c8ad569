// Package names holds the syntactic validators for resource, scope and role
// names and principal identifiers. Validators are pure and are applied at the
// entry of every repository operation, so a malformed name always fails with
// a BadParameter error before any storage round trip.
package names

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/gravitational/trace"
)

const (
	// MaxResourceNameLength is the maximum length of a resource name.
	MaxResourceNameLength = 512
	// MaxNameLength is the maximum length of a scope or role name.
	MaxNameLength = 128
	// MaxPrincipalIDLength is the maximum length of a principal id.
	MaxPrincipalIDLength = 256

	// DefaultScope is the reserved query-time sentinel meaning "all scopes
	// the principal holds on the resource". It is never a valid stored
	// scope name.
	DefaultScope = ".default"
)

// nameRE matches scope and role names: alphanumeric head, then
// alphanumerics, dots and dashes. The reserved ".default" literal can never
// match because it starts with a dot.
var nameRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.\-]*$`)

// ResourceName validates a resource name and returns its normalized form:
// an absolute URI with a non-empty authority or path, trailing slashes
// stripped.
func ResourceName(raw string) (string, error) {
	if raw == "" {
		return "", trace.BadParameter("resource name is empty")
	}
	if len(raw) > MaxResourceNameLength {
		return "", trace.BadParameter("resource name exceeds %v characters", MaxResourceNameLength)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", trace.BadParameter("resource name %q is not a valid URI: %v", raw, err)
	}
	if !u.IsAbs() {
		return "", trace.BadParameter("resource name %q must be an absolute URI", raw)
	}
	if u.Host == "" && u.Path == "" && u.Opaque == "" {
		return "", trace.BadParameter("resource name %q must have an authority or a path", raw)
	}
	name := strings.TrimRight(raw, "/")
	// A lone "scheme://" would survive trimming only as an empty remainder.
	if name == u.Scheme+":" || name == u.Scheme+"://" {
		return "", trace.BadParameter("resource name %q must have an authority or a path", raw)
	}
	return name, nil
}

// ScopeName validates a scope name.
func ScopeName(s string) error {
	return checkName("scope", s)
}

// RoleName validates a role name.
func RoleName(s string) error {
	return checkName("role", s)
}

func checkName(kind, s string) error {
	if s == "" {
		return trace.BadParameter("%s name is empty", kind)
	}
	if len(s) > MaxNameLength {
		return trace.BadParameter("%s name exceeds %v characters", kind, MaxNameLength)
	}
	if !nameRE.MatchString(s) {
		return trace.BadParameter("%s name %q must start with an alphanumeric and contain only alphanumerics, dots and dashes", kind, s)
	}
	return nil
}

// RequestedScope validates a scope name supplied on an access or token
// request, where the reserved ".default" sentinel is allowed.
func RequestedScope(s string) error {
	if s == DefaultScope {
		return nil
	}
	return ScopeName(s)
}

// PrincipalID validates a principal identifier: 1..256 bytes of printable
// ASCII, excluding '#' which delimits subject keys in storage.
func PrincipalID(p string) error {
	if p == "" {
		return trace.BadParameter("principal id is empty")
	}
	if len(p) > MaxPrincipalIDLength {
		return trace.BadParameter("principal id exceeds %v bytes", MaxPrincipalIDLength)
	}
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c < 0x20 || c > 0x7e {
			return trace.BadParameter("principal id contains a non-printable byte at offset %v", i)
		}
		if c == '#' {
			return trace.BadParameter("principal id must not contain '#'")
		}
	}
	return nil
}
