package token

import (
	"crypto/rand"
	"crypto/rsa"
	"io"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
)

// Reserved claims that neither a claims template nor a caller can override.
var reservedClaims = []string{"iss", "sub", "aud", "iat", "nbf", "exp", "jti", "scp", "roles"}

// EncodeRequest carries everything Encode needs; together with the clock it
// fully determines the token contents.
type EncodeRequest struct {
	// Principal becomes the sub claim.
	Principal string
	// Audience selects the signing identity and becomes the aud claim.
	Audience string
	// Resource is exposed to the claims template only.
	Resource string
	// Scopes become the space-separated scp claim, in the given order.
	Scopes []string
	// Roles become the roles array claim, in the given order.
	Roles []string
}

// AccessToken is a minted token and its expiry.
type AccessToken struct {
	Token     string
	ExpiresAt time.Time
}

// VerificationMaterial is the public, kid-indexed material a downstream
// verifier needs.
type VerificationMaterial struct {
	KeyID     string
	Algorithm string
	PublicKey *rsa.PublicKey
	Issuer    string
	Audience  string
}

// identitySet is an immutable snapshot of the configured identities.
// Rotation installs a whole new set behind the atomic pointer; readers do a
// single load.
type identitySet struct {
	byAudience map[string]*identity
	byKID      map[string]*identity
	kids       []string
}

// Provider mints signed tokens and publishes verification material.
type Provider struct {
	clock   clockwork.Clock
	entropy io.Reader
	log     hclog.Logger

	identities atomic.Pointer[identitySet]
}

// NewProvider parses and installs the signing identities. Any invalid
// identity, duplicate audience or duplicate kid fails construction; nothing
// is validated again on the encode path.
func NewProvider(configs []IdentityConfig, clock clockwork.Clock, entropy io.Reader, log hclog.Logger) (*Provider, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if entropy == nil {
		entropy = rand.Reader
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	set, err := newIdentitySet(configs)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	p := &Provider{clock: clock, entropy: entropy, log: log.Named("token")}
	p.identities.Store(set)
	return p, nil
}

func newIdentitySet(configs []IdentityConfig) (*identitySet, error) {
	if len(configs) == 0 {
		return nil, trace.BadParameter("at least one signing identity is required")
	}
	set := &identitySet{
		byAudience: make(map[string]*identity, len(configs)),
		byKID:      make(map[string]*identity, len(configs)),
	}
	for _, cfg := range configs {
		id, err := newIdentity(cfg)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if _, ok := set.byAudience[cfg.Audience]; ok {
			return nil, trace.BadParameter("duplicate signing identity for audience %q", cfg.Audience)
		}
		if _, ok := set.byKID[cfg.KeyID]; ok {
			return nil, trace.BadParameter("duplicate signing identity key id %q", cfg.KeyID)
		}
		set.byAudience[cfg.Audience] = id
		set.byKID[cfg.KeyID] = id
		set.kids = append(set.kids, cfg.KeyID)
	}
	slices.Sort(set.kids)
	return set, nil
}

// Rotate atomically replaces the identity set. Callers pass the full desired
// set; an old kid stays verifiable for as long as its identity is carried
// forward, and is retired by leaving it out.
func (p *Provider) Rotate(configs []IdentityConfig) error {
	set, err := newIdentitySet(configs)
	if err != nil {
		return trace.Wrap(err)
	}
	p.identities.Store(set)
	p.log.Info("rotated signing identities", "kids", set.kids)
	return nil
}

// Encode mints a token for the identity serving the requested audience.
func (p *Provider) Encode(req EncodeRequest) (*AccessToken, error) {
	id, ok := p.identities.Load().byAudience[req.Audience]
	if !ok {
		return nil, trace.NotFound("no signing identity configured for audience %q", req.Audience)
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: id.alg, Key: id.key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", id.cfg.KeyID),
	)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	jti, err := uuid.NewRandomFromReader(p.entropy)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	now := p.clock.Now().UTC()
	expiresAt := now.Add(time.Duration(id.cfg.ExpirationMinutes) * time.Minute)

	scopes := req.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	roles := req.Roles
	if roles == nil {
		roles = []string{}
	}
	claims := map[string]any{
		"iss":   id.cfg.Issuer,
		"sub":   req.Principal,
		"aud":   req.Audience,
		"iat":   now.Unix(),
		"nbf":   now.Unix(),
		"exp":   expiresAt.Unix(),
		"jti":   jti.String(),
		"scp":   strings.Join(scopes, " "),
		"roles": roles,
	}

	extra, err := id.renderExtraClaims(map[string]any{
		"principal": req.Principal,
		"resource":  req.Resource,
		"scopes":    scopes,
		"roles":     roles,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for k, v := range extra {
		if slices.Contains(reservedClaims, k) {
			continue
		}
		claims[k] = v
	}

	serialized, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &AccessToken{Token: serialized, ExpiresAt: expiresAt}, nil
}

// Verify checks a compact JWS against the identity its kid header names:
// signature, issuer, audience and time claims. It returns the full claim
// set. This is the contract downstream validation middleware builds on.
func (p *Provider) Verify(token, audience string) (map[string]any, error) {
	set := p.identities.Load()
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.RS256, jose.RS384, jose.RS512})
	if err != nil {
		return nil, trace.BadParameter("failed to parse token: %v", err)
	}
	if len(parsed.Headers) == 0 {
		return nil, trace.BadParameter("token has no header")
	}
	id, ok := set.byKID[parsed.Headers[0].KeyID]
	if !ok {
		return nil, trace.NotFound("no verification key for kid %q", parsed.Headers[0].KeyID)
	}

	var standard jwt.Claims
	claims := map[string]any{}
	if err := parsed.Claims(&id.key.PublicKey, &standard, &claims); err != nil {
		return nil, trace.AccessDenied("signature verification failed: %v", err)
	}
	err = standard.ValidateWithLeeway(jwt.Expected{
		Issuer:      id.cfg.Issuer,
		AnyAudience: jwt.Audience{audience},
		Time:        p.clock.Now(),
	}, 0)
	if err != nil {
		return nil, trace.AccessDenied("claims validation failed: %v", err)
	}
	return claims, nil
}

// VerificationKey returns the public material for one kid.
func (p *Provider) VerificationKey(kid string) (*VerificationMaterial, error) {
	id, ok := p.identities.Load().byKID[kid]
	if !ok {
		return nil, trace.NotFound("no verification key for kid %q", kid)
	}
	return &VerificationMaterial{
		KeyID:     id.cfg.KeyID,
		Algorithm: id.cfg.Algorithm,
		PublicKey: &id.key.PublicKey,
		Issuer:    id.cfg.Issuer,
		Audience:  id.cfg.Audience,
	}, nil
}

// JWKS returns the union of active verification keys in standard JWKS form,
// public material only, ordered by kid.
func (p *Provider) JWKS() jose.JSONWebKeySet {
	set := p.identities.Load()
	keys := make([]jose.JSONWebKey, 0, len(set.kids))
	for _, kid := range set.kids {
		id := set.byKID[kid]
		keys = append(keys, jose.JSONWebKey{
			Key:       &id.key.PublicKey,
			KeyID:     id.cfg.KeyID,
			Algorithm: id.cfg.Algorithm,
			Use:       "sig",
		})
	}
	return jose.JSONWebKeySet{Keys: keys}
}
