// Package config loads the service configuration. Parsing is strict: any
// unknown key anywhere in the file is a startup error.
package config

import (
	"bytes"
	"os"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/wardenhq/warden/internal/dynamo"
	"github.com/wardenhq/warden/internal/token"
)

// Config is the root of the YAML configuration file.
type Config struct {
	RBAC       RBAC   `yaml:"rbac"`
	JWT        JWT    `yaml:"jwt"`
	ListenAddr string `yaml:"listen_addr"`
}

// RBAC configures the DynamoDB-backed repository.
type RBAC struct {
	Region      string `yaml:"region"`
	TableName   string `yaml:"table_name"`
	Endpoint    string `yaml:"endpoint"`
	CreateTable bool   `yaml:"create_table"`
}

// JWT configures the token provider.
type JWT struct {
	// ExpirationMinutes is the default token lifetime for identities that
	// do not set their own.
	ExpirationMinutes int        `yaml:"expiration_minutes"`
	Identities        []Identity `yaml:"identities"`
	// Audiences maps resource names to the audience their tokens carry.
	Audiences map[string]string `yaml:"audiences"`
}

// Identity is one signing identity.
type Identity struct {
	Audience  string `yaml:"audience"`
	Issuer    string `yaml:"issuer"`
	KeyID     string `yaml:"key_id"`
	Algorithm string `yaml:"algorithm"`
	// KeyMaterial is the PEM private key inline; KeyFile reads it from a
	// file instead. Exactly one must be set.
	KeyMaterial       string `yaml:"key_material"`
	KeyFile           string `yaml:"key_file"`
	ExpirationMinutes int    `yaml:"expiration_minutes"`
	ClaimsTemplate    string `yaml:"claims_template"`
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return Parse(data)
}

// Parse decodes and validates configuration bytes. Unknown keys are
// rejected.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, trace.BadParameter("failed to parse configuration: %v", err)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

// CheckAndSetDefaults validates the configuration and fills defaults.
func (c *Config) CheckAndSetDefaults() error {
	store := c.StoreConfig()
	if err := store.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.JWT.ExpirationMinutes == 0 {
		c.JWT.ExpirationMinutes = token.DefaultExpirationMinutes
	}
	if c.JWT.ExpirationMinutes < 0 {
		return trace.BadParameter("jwt: expiration_minutes must be positive")
	}
	if len(c.JWT.Identities) == 0 {
		return trace.BadParameter("jwt: at least one signing identity is required")
	}

	audiences := make(map[string]bool, len(c.JWT.Identities))
	kids := make(map[string]bool, len(c.JWT.Identities))
	for i := range c.JWT.Identities {
		id := &c.JWT.Identities[i]
		if id.Audience == "" {
			return trace.BadParameter("jwt: identity %d: audience is required", i)
		}
		if audiences[id.Audience] {
			return trace.BadParameter("jwt: duplicate identity audience %q", id.Audience)
		}
		audiences[id.Audience] = true
		if id.KeyID == "" {
			return trace.BadParameter("jwt: identity %q: key_id is required", id.Audience)
		}
		if kids[id.KeyID] {
			return trace.BadParameter("jwt: duplicate identity key_id %q", id.KeyID)
		}
		kids[id.KeyID] = true
		if id.KeyMaterial != "" && id.KeyFile != "" {
			return trace.BadParameter("jwt: identity %q: key_material and key_file are mutually exclusive", id.Audience)
		}
		if id.KeyMaterial == "" && id.KeyFile == "" {
			return trace.BadParameter("jwt: identity %q: key_material or key_file is required", id.Audience)
		}
		if id.KeyFile != "" {
			material, err := os.ReadFile(id.KeyFile)
			if err != nil {
				return trace.ConvertSystemError(err)
			}
			id.KeyMaterial = string(material)
			id.KeyFile = ""
		}
	}

	// Every mapped audience needs an identity to sign for it; a hole here
	// would otherwise only surface on the first token request.
	for resource, audience := range c.JWT.Audiences {
		if audience == "" {
			return trace.BadParameter("jwt: audience for resource %q is empty", resource)
		}
		if !audiences[audience] {
			return trace.BadParameter("jwt: resource %q maps to audience %q which has no signing identity", resource, audience)
		}
	}
	return nil
}

// StoreConfig projects the dynamo store configuration.
func (c *Config) StoreConfig() dynamo.Config {
	return dynamo.Config{
		Region:      c.RBAC.Region,
		TableName:   c.RBAC.TableName,
		Endpoint:    c.RBAC.Endpoint,
		CreateTable: c.RBAC.CreateTable,
	}
}

// TokenIdentities projects the signing identities for the token provider,
// applying the global expiration default.
func (c *Config) TokenIdentities() []token.IdentityConfig {
	out := make([]token.IdentityConfig, 0, len(c.JWT.Identities))
	for _, id := range c.JWT.Identities {
		minutes := id.ExpirationMinutes
		if minutes == 0 {
			minutes = c.JWT.ExpirationMinutes
		}
		out = append(out, token.IdentityConfig{
			Audience:          id.Audience,
			Issuer:            id.Issuer,
			KeyID:             id.KeyID,
			Algorithm:         id.Algorithm,
			KeyMaterial:       id.KeyMaterial,
			ExpirationMinutes: minutes,
			ClaimsTemplate:    id.ClaimsTemplate,
		})
	}
	return out
}
