// Package token owns the signing identities, assembles claims, mints compact
// JWS tokens and publishes the verification material downstream verifiers
// use. Issuance is pure after identity selection: no I/O, no database.
package token

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"html"

	"github.com/go-jose/go-jose/v4"
	"github.com/gravitational/trace"
	"github.com/hoisie/mustache"
)

// Supported signature algorithms.
const (
	AlgorithmRS256 = "RS256"
	AlgorithmRS384 = "RS384"
	AlgorithmRS512 = "RS512"
)

// DefaultExpirationMinutes is used when an identity does not set its own.
const DefaultExpirationMinutes = 60

// IdentityConfig describes one signing identity as configured at startup.
type IdentityConfig struct {
	// Audience is the token audience this identity signs for. Unique across
	// the identity set.
	Audience string
	// Issuer is the iss claim emitted by this identity.
	Issuer string
	// KeyID is the kid header value. Unique across the identity set.
	KeyID string
	// Algorithm is one of RS256, RS384, RS512.
	Algorithm string
	// KeyMaterial is the PEM-encoded RSA private key (PKCS#1 or PKCS#8).
	KeyMaterial string
	// ExpirationMinutes is the token lifetime; zero selects the default.
	ExpirationMinutes int
	// ClaimsTemplate is an optional mustache template producing a JSON
	// object of extra claims, rendered against
	// {principal, resource, scopes, roles}. Rendered claims can never
	// override the reserved claims.
	ClaimsTemplate string
}

// identity is a parsed, ready-to-sign identity.
type identity struct {
	cfg      IdentityConfig
	key      *rsa.PrivateKey
	alg      jose.SignatureAlgorithm
	template *mustache.Template
}

func newIdentity(cfg IdentityConfig) (*identity, error) {
	if cfg.Audience == "" {
		return nil, trace.BadParameter("signing identity: audience is required")
	}
	if cfg.Issuer == "" {
		return nil, trace.BadParameter("signing identity %q: issuer is required", cfg.Audience)
	}
	if cfg.KeyID == "" {
		return nil, trace.BadParameter("signing identity %q: key_id is required", cfg.Audience)
	}
	alg, err := signatureAlgorithm(cfg.Algorithm)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	key, err := ParsePrivateKey(cfg.KeyMaterial)
	if err != nil {
		return nil, trace.WrapWithMessage(err, "signing identity %q", cfg.Audience)
	}
	if cfg.ExpirationMinutes == 0 {
		cfg.ExpirationMinutes = DefaultExpirationMinutes
	}
	if cfg.ExpirationMinutes < 0 {
		return nil, trace.BadParameter("signing identity %q: expiration_minutes must be positive", cfg.Audience)
	}
	id := &identity{cfg: cfg, key: key, alg: alg}
	if cfg.ClaimsTemplate != "" {
		id.template, err = mustache.ParseString(cfg.ClaimsTemplate)
		if err != nil {
			return nil, trace.BadParameter("signing identity %q: invalid claims template: %v", cfg.Audience, err)
		}
	}
	return id, nil
}

func signatureAlgorithm(name string) (jose.SignatureAlgorithm, error) {
	switch name {
	case AlgorithmRS256:
		return jose.RS256, nil
	case AlgorithmRS384:
		return jose.RS384, nil
	case AlgorithmRS512:
		return jose.RS512, nil
	default:
		return "", trace.BadParameter("unsupported algorithm %q: must be RS256, RS384 or RS512", name)
	}
}

// ParsePrivateKey parses a PEM-encoded RSA private key in PKCS#1 or PKCS#8
// form.
func ParsePrivateKey(pemKey string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, trace.BadParameter("failed to decode PEM block")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, trace.BadParameter("failed to parse private key: %v", err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, trace.BadParameter("failed to parse private key: %v", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, trace.BadParameter("private key is not RSA")
		}
		return rsaKey, nil
	default:
		return nil, trace.BadParameter("unsupported key type %q", block.Type)
	}
}

// renderExtraClaims runs the identity's claims template and returns the
// resulting claim map. Mustache HTML-escapes interpolations by default, so
// the rendered JSON is unescaped before parsing.
func (id *identity) renderExtraClaims(data map[string]any) (map[string]any, error) {
	if id.template == nil {
		return nil, nil
	}
	rendered := html.UnescapeString(id.template.Render(jsonifyValues(data)))
	extra := map[string]any{}
	if err := json.Unmarshal([]byte(rendered), &extra); err != nil {
		return nil, trace.BadParameter("claims template for %q did not produce a JSON object: %v", id.cfg.Audience, err)
	}
	return extra, nil
}

// jsonifyValues JSON-serializes slice values so a template interpolation of
// a list renders as valid JSON rather than Go's fmt format.
func jsonifyValues(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case []string:
			b, err := json.Marshal(val)
			if err == nil {
				out[k] = string(b)
				continue
			}
			out[k] = v
		default:
			out[k] = v
		}
	}
	return out
}
