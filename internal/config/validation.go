package config

import (
	"fmt"
	"strings"
)

// ValidationError describes a single configuration problem
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for fatal problems. A missing server
// secret is the only startup-fatal condition; everything else degrades to
// per-operation errors.
func (c *Config) Validate() error {
	var errs []string

	if c.ServerSecret == "" {
		errs = append(errs, "server_secret is required (set server-secret or MODULEX_SERVER_SECRET)")
	}
	if c.Execution != nil {
		if c.Execution.MaxConcurrent < 0 {
			errs = append(errs, "execution.max_concurrent must not be negative")
		}
		if c.Execution.MaxQueue < 0 {
			errs = append(errs, "execution.max_queue must not be negative")
		}
	}
	for tool, spec := range c.ManualAuth {
		switch spec.Mode {
		case ManualAuthModeExternal:
			if spec.AuthURL == "" {
				errs = append(errs, fmt.Sprintf("manual_auth.%s: auth_url is required for external mode", tool))
			}
		case ManualAuthModeForm:
			// form URLs are derived from base_url
		default:
			errs = append(errs, fmt.Sprintf("manual_auth.%s: unknown mode %q", tool, spec.Mode))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
