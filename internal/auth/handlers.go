// Package auth orchestrates credential acquisition: the OAuth
// authorization-code flow plus the manual and form-based strategies, all
// terminating in the same encrypted credential store write path.
package auth

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// Handler is one credential-acquisition strategy for one tool.
type Handler interface {
	// GetAuthURL returns the URL a user visits to begin authentication.
	GetAuthURL(userID string) (string, error)
	// ProcessAuthResponse turns the raw response of the strategy into a
	// credential payload ready for persistence.
	ProcessAuthResponse(userID string, raw any) (map[string]any, error)
}

// normalizeResponse coerces a raw auth response into a flat payload.
// Non-JSON text is wrapped rather than rejected.
func normalizeResponse(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = val
		}
		return out, nil
	case []byte:
		return normalizeText(string(v))
	case string:
		return normalizeText(v)
	default:
		return nil, fmt.Errorf("unsupported auth response type %T", raw)
	}
}

func normalizeText(text string) (map[string]any, error) {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(text), &parsed); err == nil {
		return parsed, nil
	}
	return map[string]any{"response": text}, nil
}

// normalizePayload restricts a credential payload to JSON scalar values.
// Nested structures are re-encoded as JSON strings so the payload stays a
// flat field mapping.
func normalizePayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		switch v.(type) {
		case nil, string, bool, float64, int, int64, json.Number:
			out[k] = v
		default:
			if encoded, err := json.Marshal(v); err == nil {
				out[k] = string(encoded)
			}
		}
	}
	return out
}

// stampManualPayload applies the bookkeeping fields shared by every
// manual-strategy payload. access_token is lifted to the top level when
// it arrived nested under a "credentials" or "data" wrapper.
func stampManualPayload(payload map[string]any, userID string) map[string]any {
	for _, wrapper := range []string{"credentials", "data"} {
		nested, ok := payload[wrapper].(map[string]any)
		if !ok {
			continue
		}
		if token, ok := nested["access_token"]; ok {
			if _, present := payload["access_token"]; !present {
				payload["access_token"] = token
			}
		}
	}
	payload = normalizePayload(payload)
	payload["auth_type"] = "manual"
	payload["user_id"] = userID
	payload["authenticated_at"] = time.Now().UTC().Format(time.RFC3339)
	return payload
}

// ExternalHandler points users at a pre-configured external auth endpoint
// that hands back a credential payload.
type ExternalHandler struct {
	toolName string
	authURL  string
}

// NewExternalHandler creates a handler for an externally hosted auth page.
func NewExternalHandler(toolName, authURL string) *ExternalHandler {
	return &ExternalHandler{toolName: toolName, authURL: authURL}
}

// GetAuthURL appends the user id to the configured endpoint.
func (h *ExternalHandler) GetAuthURL(userID string) (string, error) {
	if h.authURL == "" {
		return "", fmt.Errorf("no auth endpoint configured for tool %s", h.toolName)
	}
	u, err := url.Parse(h.authURL)
	if err != nil {
		return "", fmt.Errorf("invalid auth endpoint for tool %s: %w", h.toolName, err)
	}
	q := u.Query()
	q.Set("user_id", userID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ProcessAuthResponse passes all response fields through verbatim after
// tagging the payload as manual.
func (h *ExternalHandler) ProcessAuthResponse(userID string, raw any) (map[string]any, error) {
	payload, err := normalizeResponse(raw)
	if err != nil {
		return nil, err
	}
	return stampManualPayload(payload, userID), nil
}

// FormHandler serves a locally hosted credential entry form.
type FormHandler struct {
	toolName string
	baseURL  string
}

// NewFormHandler creates a handler backed by the built-in form page.
func NewFormHandler(toolName, baseURL string) *FormHandler {
	return &FormHandler{toolName: toolName, baseURL: baseURL}
}

// GetAuthURL returns the form page URL for this tool.
func (h *FormHandler) GetAuthURL(userID string) (string, error) {
	u, err := url.Parse(h.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	u = u.JoinPath("auth", "form", h.toolName)
	q := u.Query()
	q.Set("user_id", userID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ProcessAuthResponse stamps the submitted form fields as a manual
// credential payload.
func (h *FormHandler) ProcessAuthResponse(userID string, raw any) (map[string]any, error) {
	payload, err := normalizeResponse(raw)
	if err != nil {
		return nil, err
	}
	return stampManualPayload(payload, userID), nil
}
