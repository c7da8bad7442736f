package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"go.uber.org/zap"

	"modulex-go/internal/statestore"
)

const (
	// DefaultStateTTL bounds how long an issued state token stays valid
	DefaultStateTTL = 600 * time.Second

	stateKeyPrefix  = "oauth_state:"
	stateTokenBytes = 32
)

// StateData is what a state token maps to
type StateData struct {
	UserID   string    `json:"user_id"`
	ToolName string    `json:"tool_name"`
	IssuedAt time.Time `json:"issued_at"`
}

// StateManager issues and consumes the single-use, TTL-bound state tokens
// that bind an OAuth callback to the (user, tool) that initiated it.
type StateManager struct {
	store  *statestore.Store
	ttl    time.Duration
	logger *zap.Logger
}

// NewStateManager creates a state manager on the expiring store
func NewStateManager(store *statestore.Store, ttl time.Duration, logger *zap.Logger) *StateManager {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &StateManager{
		store:  store,
		ttl:    ttl,
		logger: logger,
	}
}

// Issue generates a cryptographically random state token and stores the
// (user, tool) binding under it with the configured TTL.
func (m *StateManager) Issue(userID, toolName string) (string, error) {
	buf := make([]byte, stateTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate state token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	data := StateData{
		UserID:   userID,
		ToolName: toolName,
		IssuedAt: time.Now().UTC(),
	}
	if err := m.store.Put(stateKeyPrefix+token, data, m.ttl); err != nil {
		return "", fmt.Errorf("failed to store state token: %w", err)
	}

	m.logger.Debug("issued oauth state",
		zap.String("tool", toolName),
		zap.Duration("ttl", m.ttl))
	return token, nil
}

// Consume atomically reads and deletes the state entry. Absent, expired,
// and replayed tokens all fail with ErrInvalidState; a token issued for a
// different tool fails with ErrToolMismatch.
func (m *StateManager) Consume(token, expectedToolName string) (*StateData, error) {
	var data StateData
	found, err := m.store.Consume(stateKeyPrefix+token, &data)
	if err != nil {
		return nil, fmt.Errorf("failed to consume state token: %w", err)
	}
	if !found {
		return nil, ErrInvalidState
	}
	if data.ToolName != expectedToolName {
		m.logger.Warn("state token tool mismatch",
			zap.String("expected", expectedToolName),
			zap.String("stored", data.ToolName))
		return nil, ErrToolMismatch
	}
	return &data, nil
}

// SweepExpired removes expired state entries; the store TTL already
// guarantees correctness, this is a best-effort maintenance pass.
func (m *StateManager) SweepExpired() (int, error) {
	return m.store.Sweep()
}
