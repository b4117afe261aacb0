package tenant

import (
	"github.com/xmcp-labs/xmcp-go/internal/config"
)

// Credentials is the OAuth client triple used for a tenant's flows.
type Credentials struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string
}

// Resolver maps a tenant id onto its OAuth client credentials. In
// multi-tenant mode the registry entry wins, with empty fields falling
// back to the process-level client; in single-tenant mode the
// process-level client is the only source.
type Resolver struct {
	registry *Registry // nil in single-tenant mode
	fallback Credentials
}

// NewResolver creates a Resolver. registry may be nil for
// single-tenant mode.
func NewResolver(registry *Registry, cfg *config.Config) *Resolver {
	return &Resolver{
		registry: registry,
		fallback: Credentials{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			CallbackURL:  cfg.CallbackURL(),
		},
	}
}

// Resolve returns the credentials for tenantID. An unknown id fails
// with ErrTenantNotFound rather than defaulting: authorizing against
// the wrong client would bind the wrong account.
func (r *Resolver) Resolve(tenantID string) (Credentials, error) {
	if r.registry == nil {
		return r.fallback, nil
	}

	// The implicit default tenant does not exist in multi-tenant mode;
	// "default" only resolves when it is a real registry entry.
	rec, err := r.registry.Get(tenantID)
	if err != nil {
		return Credentials{}, err
	}

	creds := Credentials{
		ClientID:     rec.ClientID,
		ClientSecret: rec.ClientSecret,
		CallbackURL:  rec.CallbackURL,
	}
	if creds.ClientID == "" {
		creds.ClientID = r.fallback.ClientID
	}
	if creds.ClientSecret == "" {
		creds.ClientSecret = r.fallback.ClientSecret
	}
	if creds.CallbackURL == "" {
		creds.CallbackURL = r.fallback.CallbackURL
	}
	return creds, nil
}
