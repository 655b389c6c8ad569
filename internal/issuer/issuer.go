// Package issuer is the request pipeline: it binds the caller identity to a
// principal, evaluates the principal's access and asks the token provider to
// sign. It performs no retries; retrying is the caller's responsibility.
package issuer

import (
	"context"

	"github.com/gravitational/trace"
	"github.com/hashicorp/go-hclog"

	"github.com/wardenhq/warden/internal/names"
	"github.com/wardenhq/warden/internal/rbac"
	"github.com/wardenhq/warden/internal/token"
)

// PrincipalResolver maps the caller identity provided by the deployment
// environment to a principal id. It must be pure.
type PrincipalResolver func(callerIdentity string) (string, error)

// IdentityResolver is the default production binding: the caller identity is
// the principal id, validated.
func IdentityResolver(callerIdentity string) (string, error) {
	if err := names.PrincipalID(callerIdentity); err != nil {
		return "", trace.Wrap(err)
	}
	return callerIdentity, nil
}

// Issuer wires the repository and the token provider behind the single
// IssueToken operation.
type Issuer struct {
	repo      *rbac.Repository
	provider  *token.Provider
	resolve   PrincipalResolver
	audiences map[string]string
	log       hclog.Logger
}

// New builds the pipeline. audiences maps resource names (normalized on
// construction) to the audience their tokens carry; a resource without a
// mapping cannot be issued for.
func New(repo *rbac.Repository, provider *token.Provider, resolve PrincipalResolver, audiences map[string]string, log hclog.Logger) (*Issuer, error) {
	if repo == nil || provider == nil {
		return nil, trace.BadParameter("issuer requires a repository and a token provider")
	}
	if resolve == nil {
		resolve = IdentityResolver
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	normalized := make(map[string]string, len(audiences))
	for resource, audience := range audiences {
		name, err := names.ResourceName(resource)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if audience == "" {
			return nil, trace.BadParameter("audience for resource %q is empty", resource)
		}
		normalized[name] = audience
	}
	return &Issuer{
		repo:      repo,
		provider:  provider,
		resolve:   resolve,
		audiences: normalized,
		log:       log.Named("issuer"),
	}, nil
}

// IssueToken authenticates the caller, evaluates access and mints a token.
// A principal with no scopes and no roles still receives a token: the empty
// claim set is the downstream verifier's signal of authentication without
// authorization.
func (i *Issuer) IssueToken(ctx context.Context, callerIdentity, resource, scope string) (*token.AccessToken, error) {
	principal, err := i.resolve(callerIdentity)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	name, err := names.ResourceName(resource)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	audience, ok := i.audiences[name]
	if !ok {
		return nil, trace.NotFound("no audience configured for resource %q", name)
	}

	access, err := i.repo.GetPrincipalAccess(ctx, principal, name, scope)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	minted, err := i.provider.Encode(token.EncodeRequest{
		Principal: principal,
		Audience:  audience,
		Resource:  access.Resource,
		Scopes:    access.Scopes,
		Roles:     access.Roles,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	i.log.Debug("issued token",
		"principal", principal,
		"resource", access.Resource,
		"scopes", len(access.Scopes),
		"roles", len(access.Roles),
	)
	return minted, nil
}
