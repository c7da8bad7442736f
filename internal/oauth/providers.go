package oauth

import (
	"modulex-go/internal/config"
)

// ProviderConfig describes one OAuth provider: endpoints, scopes, client
// credentials, and the quirks flags that normalize provider differences
// behind one exchange path.
type ProviderConfig struct {
	Name         string
	AuthURL      string
	TokenURL     string
	Scopes       []string
	ClientID     string
	ClientSecret string

	// BasicAuthToken moves client credentials into a Basic Authorization
	// header on token exchange and omits them from the body (reddit).
	BasicAuthToken bool

	// ExtraAuthParams are appended to the authorization URL
	// (e.g. duration=permanent for providers with long-lived refresh
	// tokens).
	ExtraAuthParams map[string]string

	// ExtraHeaders are sent on token endpoint requests (e.g. a
	// User-Agent some providers insist on).
	ExtraHeaders map[string]string
}

// Configured reports whether client credentials are present
func (p *ProviderConfig) Configured() bool {
	return p.ClientID != "" && p.ClientSecret != ""
}

// Registry maps provider names to their configuration. Built once at
// process start; never mutated afterwards.
type Registry struct {
	providers map[string]*ProviderConfig
}

// NewRegistry builds a registry from explicit provider configs
func NewRegistry(providers ...*ProviderConfig) *Registry {
	r := &Registry{providers: make(map[string]*ProviderConfig, len(providers))}
	for _, p := range providers {
		r.providers[p.Name] = p
	}
	return r
}

// Get returns the provider config, or ErrProviderNotFound /
// ErrProviderNotConfigured.
func (r *Registry) Get(name string) (*ProviderConfig, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, ErrProviderNotFound
	}
	if !p.Configured() {
		return nil, ErrProviderNotConfigured
	}
	return p, nil
}

// Has reports whether a provider is registered (configured or not)
func (r *Registry) Has(name string) bool {
	_, ok := r.providers[name]
	return ok
}

// Names returns all registered provider names
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// DefaultRegistry seeds the built-in providers with client credentials
// from configuration.
func DefaultRegistry(cfg *config.OAuthConfig) *Registry {
	cred := func(name string) (string, string) {
		if cfg == nil {
			return "", ""
		}
		if c, ok := cfg.Providers[name]; ok {
			return c.ClientID, c.ClientSecret
		}
		return "", ""
	}

	github := &ProviderConfig{
		Name:     "github",
		AuthURL:  "https://github.com/login/oauth/authorize",
		TokenURL: "https://github.com/login/oauth/access_token",
		Scopes:   []string{"repo", "user"},
	}
	github.ClientID, github.ClientSecret = cred("github")

	google := &ProviderConfig{
		Name:     "google",
		AuthURL:  "https://accounts.google.com/o/oauth2/auth",
		TokenURL: "https://oauth2.googleapis.com/token",
		Scopes:   []string{"openid", "email", "profile"},
	}
	google.ClientID, google.ClientSecret = cred("google")

	slack := &ProviderConfig{
		Name:     "slack",
		AuthURL:  "https://slack.com/oauth/v2/authorize",
		TokenURL: "https://slack.com/api/oauth.v2.access",
		Scopes:   []string{"chat:write", "channels:read"},
	}
	slack.ClientID, slack.ClientSecret = cred("slack")

	reddit := &ProviderConfig{
		Name:            "reddit",
		AuthURL:         "https://www.reddit.com/api/v1/authorize",
		TokenURL:        "https://www.reddit.com/api/v1/access_token",
		Scopes:          []string{"identity", "read", "submit", "vote", "save"},
		BasicAuthToken:  true,
		ExtraAuthParams: map[string]string{"duration": "permanent"},
		ExtraHeaders:    map[string]string{"User-Agent": "modulex/1.0"},
	}
	reddit.ClientID, reddit.ClientSecret = cred("reddit")

	// Gmail and Drive ride on the google endpoints with their own scopes
	gmail := &ProviderConfig{
		Name:     "gmail",
		AuthURL:  google.AuthURL,
		TokenURL: google.TokenURL,
		Scopes:   []string{"https://www.googleapis.com/auth/gmail.modify"},
	}
	gmail.ClientID, gmail.ClientSecret = cred("gmail")

	gdrive := &ProviderConfig{
		Name:     "gdrive",
		AuthURL:  google.AuthURL,
		TokenURL: google.TokenURL,
		Scopes:   []string{"https://www.googleapis.com/auth/drive"},
	}
	gdrive.ClientID, gdrive.ClientSecret = cred("gdrive")

	return NewRegistry(github, google, slack, reddit, gmail, gdrive)
}
