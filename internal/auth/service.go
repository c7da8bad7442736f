package auth

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"modulex-go/internal/config"
	"modulex-go/internal/oauth"
	"modulex-go/internal/storage"
)

// Metrics receives auth flow outcome counts.
type Metrics interface {
	RecordOAuthExchange(provider, outcome string)
	RecordAuthCallback(tool, outcome string)
}

type nopMetrics struct{}

func (nopMetrics) RecordOAuthExchange(string, string) {}
func (nopMetrics) RecordAuthCallback(string, string)  {}

// CallbackResult reports which user a completed OAuth callback belonged to.
type CallbackResult struct {
	UserID   string
	ToolName string
}

// Service ties state issuance, token exchange, manual handlers and the
// credential store into one credential-acquisition surface.
type Service struct {
	cfg      *config.Config
	store    *storage.Manager
	engine   *oauth.Engine
	states   *oauth.StateManager
	handlers map[string]Handler
	metrics  Metrics
	logger   *zap.SugaredLogger
}

// NewService creates the auth service. Manual handlers are built once
// from configuration; tools without a manual_auth entry use OAuth.
func NewService(cfg *config.Config, store *storage.Manager, engine *oauth.Engine, states *oauth.StateManager, logger *zap.SugaredLogger) *Service {
	handlers := make(map[string]Handler, len(cfg.ManualAuth))
	for tool, spec := range cfg.ManualAuth {
		switch spec.Mode {
		case config.ManualAuthModeExternal:
			handlers[tool] = NewExternalHandler(tool, spec.AuthURL)
		case config.ManualAuthModeForm:
			handlers[tool] = NewFormHandler(tool, cfg.BaseURL)
		}
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		engine:   engine,
		states:   states,
		handlers: handlers,
		metrics:  nopMetrics{},
		logger:   logger,
	}
}

// SetMetrics attaches a metrics sink.
func (s *Service) SetMetrics(m Metrics) {
	if m != nil {
		s.metrics = m
	}
}

// ManualHandler returns the manual-strategy handler for a tool, if any.
func (s *Service) ManualHandler(toolName string) (Handler, bool) {
	h, ok := s.handlers[toolName]
	return h, ok
}

func (s *Service) redirectURI(toolName string) string {
	return strings.TrimRight(s.cfg.BaseURL, "/") + "/auth/callback/" + toolName
}

// GenerateAuthURL issues a state token and returns the URL a user visits
// to authenticate the tool. Manual-strategy tools skip state issuance.
func (s *Service) GenerateAuthURL(userID, toolName string) (string, error) {
	if h, ok := s.handlers[toolName]; ok {
		return h.GetAuthURL(userID)
	}

	state, err := s.states.Issue(userID, toolName)
	if err != nil {
		return "", fmt.Errorf("issuing state: %w", err)
	}
	authURL, err := s.engine.BuildAuthorizationURL(toolName, s.redirectURI(toolName), state)
	if err != nil {
		return "", err
	}
	s.logger.Infow("auth url generated", "user_id", userID, "tool", toolName)
	return authURL, nil
}

// HandleCallback completes the OAuth flow: the state token is consumed
// before any token-endpoint call, the code is exchanged, and the payload
// is persisted encrypted. A rejected state never reaches the provider.
func (s *Service) HandleCallback(ctx context.Context, toolName, code, stateToken string) (*CallbackResult, error) {
	state, err := s.states.Consume(stateToken, toolName)
	if err != nil {
		s.metrics.RecordAuthCallback(toolName, "invalid_state")
		return nil, err
	}

	payload, err := s.engine.ExchangeCode(ctx, toolName, code, s.redirectURI(toolName))
	if err != nil {
		s.metrics.RecordOAuthExchange(toolName, "failure")
		s.metrics.RecordAuthCallback(toolName, "exchange_failed")
		return nil, err
	}
	s.metrics.RecordOAuthExchange(toolName, "success")

	if err := s.store.UpsertCredentials(state.UserID, toolName, payload, payload.ExpiresIn()); err != nil {
		s.metrics.RecordAuthCallback(toolName, "store_failed")
		return nil, fmt.Errorf("persisting credentials: %w", err)
	}

	s.metrics.RecordAuthCallback(toolName, "success")
	s.logger.Infow("oauth callback completed", "user_id", state.UserID, "tool", toolName)
	return &CallbackResult{UserID: state.UserID, ToolName: toolName}, nil
}

// ProcessManualAuth runs a manual-strategy response through its handler
// and persists the resulting payload.
func (s *Service) ProcessManualAuth(userID, toolName string, raw any) (map[string]any, error) {
	h, ok := s.handlers[toolName]
	if !ok {
		return nil, fmt.Errorf("tool %s has no manual auth strategy", toolName)
	}
	payload, err := h.ProcessAuthResponse(userID, raw)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpsertCredentials(userID, toolName, payload, 0); err != nil {
		return nil, fmt.Errorf("persisting credentials: %w", err)
	}
	s.logger.Infow("manual auth completed", "user_id", userID, "tool", toolName)
	return payload, nil
}

// ListTools reports the per-tool credential status for one user.
func (s *Service) ListTools(userID string, activeOnly bool) ([]storage.ToolStatus, error) {
	return s.store.ListTools(userID, activeOnly)
}

// Disconnect removes a user's credentials for a tool.
func (s *Service) Disconnect(userID, toolName string) (bool, error) {
	return s.store.Disconnect(userID, toolName)
}

// SetActive toggles a credential's active flag.
func (s *Service) SetActive(userID, toolName string, active bool) (bool, error) {
	return s.store.SetActive(userID, toolName, active)
}

// SetActionDisabled toggles one action's disable flag.
func (s *Service) SetActionDisabled(userID, toolName, action string, disabled bool) (bool, error) {
	return s.store.SetActionDisabled(userID, toolName, action, disabled)
}

// RefreshCredentials exchanges a stored refresh token for fresh tokens.
// On failure the record is flipped to unauthenticated so callers see a
// clean not-authenticated state instead of dead tokens.
func (s *Service) RefreshCredentials(ctx context.Context, userID, toolName string) error {
	current, err := s.store.GetActiveCredentials(userID, toolName)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("no active credentials for tool %s", toolName)
	}

	fresh, err := s.engine.RefreshToken(ctx, toolName, oauth.TokenPayload(current))
	if err != nil {
		s.metrics.RecordOAuthExchange(toolName, "refresh_failed")
		if _, serr := s.store.SetAuthenticated(userID, toolName, false); serr != nil {
			s.logger.Warnw("retiring credentials after failed refresh", "tool", toolName, "error", serr)
		}
		return err
	}
	s.metrics.RecordOAuthExchange(toolName, "refresh_success")

	return s.store.UpsertCredentials(userID, toolName, fresh, fresh.ExpiresIn())
}
