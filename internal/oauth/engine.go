package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultHTTPTimeout = 30 * time.Second

// TokenPayload is the JSON body a token endpoint returns, kept verbatim
// for storage (access_token, refresh_token, expires_in, scope, plus any
// provider extras).
type TokenPayload map[string]any

// AccessToken returns the access_token field if present
func (p TokenPayload) AccessToken() (string, bool) {
	token, ok := p["access_token"].(string)
	return token, ok && token != ""
}

// ExpiresIn returns the expires_in field as a duration, 0 when absent
func (p TokenPayload) ExpiresIn() time.Duration {
	switch v := p["expires_in"].(type) {
	case float64:
		return time.Duration(v) * time.Second
	case string:
		// Some providers send expires_in as a string
		var seconds float64
		if _, err := fmt.Sscanf(v, "%f", &seconds); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}

// Engine performs authorization-URL construction and token exchange for
// all registered providers.
type Engine struct {
	registry *Registry
	client   *http.Client
	logger   *zap.Logger
}

// NewEngine creates an exchange engine over a provider registry. A nil
// httpClient gets a default with a sane timeout.
func NewEngine(registry *Registry, httpClient *http.Client, logger *zap.Logger) *Engine {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &Engine{
		registry: registry,
		client:   httpClient,
		logger:   logger,
	}
}

// Registry returns the provider registry the engine was built with
func (e *Engine) Registry() *Registry {
	return e.registry
}

// BuildAuthorizationURL constructs the provider's authorization URL for
// the given redirect URI and state token.
func (e *Engine) BuildAuthorizationURL(providerName, redirectURI, state string) (string, error) {
	provider, err := e.registry.Get(providerName)
	if err != nil {
		return "", err
	}

	params := url.Values{}
	params.Set("client_id", provider.ClientID)
	params.Set("redirect_uri", redirectURI)
	params.Set("scope", strings.Join(provider.Scopes, " "))
	params.Set("state", state)
	params.Set("response_type", "code")
	for key, value := range provider.ExtraAuthParams {
		params.Set(key, value)
	}

	return provider.AuthURL + "?" + params.Encode(), nil
}

// ExchangeCode trades an authorization code for a token payload. A
// response carrying an "error" key, or one missing access_token entirely
// (some providers fail silently), is a hard ErrExchange failure.
func (e *Engine) ExchangeCode(ctx context.Context, providerName, code, redirectURI string) (TokenPayload, error) {
	provider, err := e.registry.Get(providerName)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("grant_type", "authorization_code")

	payload, err := e.postTokenRequest(ctx, provider, form)
	if err != nil {
		return nil, err
	}
	return e.validateTokenPayload(provider, payload)
}

// RefreshToken trades a refresh token for a fresh payload and merges the
// result over the prior payload: providers are inconsistent about
// re-issuing refresh_token and scope, so absent fields are preserved from
// the old payload.
func (e *Engine) RefreshToken(ctx context.Context, providerName string, prior TokenPayload) (TokenPayload, error) {
	provider, err := e.registry.Get(providerName)
	if err != nil {
		return nil, err
	}

	refreshToken, ok := prior["refresh_token"].(string)
	if !ok || refreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh_token in stored payload", ErrExchange)
	}

	form := url.Values{}
	form.Set("refresh_token", refreshToken)
	form.Set("grant_type", "refresh_token")

	fresh, err := e.postTokenRequest(ctx, provider, form)
	if err != nil {
		return nil, err
	}
	if _, err := e.validateTokenPayload(provider, fresh); err != nil {
		return nil, err
	}

	merged := make(TokenPayload, len(prior)+len(fresh))
	for k, v := range prior {
		merged[k] = v
	}
	for k, v := range fresh {
		merged[k] = v
	}
	// Preserve fields the provider omitted on refresh
	if _, ok := fresh["refresh_token"]; !ok {
		merged["refresh_token"] = refreshToken
	}
	if _, ok := fresh["scope"]; !ok {
		if scope, had := prior["scope"]; had {
			merged["scope"] = scope
		}
	}
	return merged, nil
}

// postTokenRequest POSTs the form to the provider's token endpoint,
// applying the Basic-Auth quirk when configured: credentials move to the
// Authorization header and stay out of the body.
func (e *Engine) postTokenRequest(ctx context.Context, provider *ProviderConfig, form url.Values) (TokenPayload, error) {
	if provider.BasicAuthToken {
		form.Del("client_id")
		form.Del("client_secret")
	} else {
		form.Set("client_id", provider.ClientID)
		form.Set("client_secret", provider.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if provider.BasicAuthToken {
		req.SetBasicAuth(provider.ClientID, provider.ClientSecret)
	}
	for key, value := range provider.ExtraHeaders {
		req.Header.Set(key, value)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchange, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrExchange, err)
	}

	var payload TokenPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: HTTP %d with non-JSON body", ErrExchange, resp.StatusCode)
	}
	return payload, nil
}

// validateTokenPayload rejects error envelopes and token-less responses
func (e *Engine) validateTokenPayload(provider *ProviderConfig, payload TokenPayload) (TokenPayload, error) {
	if errCode, ok := payload["error"].(string); ok {
		description, _ := payload["error_description"].(string)
		e.logger.Warn("token endpoint returned error",
			zap.String("provider", provider.Name),
			zap.String("error", errCode))
		return nil, &ExchangeError{Provider: provider.Name, Code: errCode, Description: description}
	}
	if _, ok := payload.AccessToken(); !ok {
		return nil, fmt.Errorf("%w: no access_token received from %s", ErrExchange, provider.Name)
	}
	return payload, nil
}
