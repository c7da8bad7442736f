package storage

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"modulex-go/internal/crypto"
)

// OpsRecorder receives per-operation outcome counts.
type OpsRecorder interface {
	RecordStorageOp(op string, err error)
}

type nopRecorder struct{}

func (nopRecorder) RecordStorageOp(string, error) {}

// Manager is the credential store facade. It owns user identity, encrypted
// per-(user, tool) credential records, activation and per-action disable
// state, and encrypted per-tool environment variables.
type Manager struct {
	db     *BoltDB
	crypto *crypto.Provider
	logger *zap.SugaredLogger
	ops    OpsRecorder
}

// NewManager creates a new storage manager
func NewManager(dataDir string, cryptoProvider *crypto.Provider, logger *zap.SugaredLogger) (*Manager, error) {
	db, err := NewBoltDB(dataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create bolt database: %w", err)
	}

	return &Manager{
		db:     db,
		crypto: cryptoProvider,
		logger: logger,
		ops:    nopRecorder{},
	}, nil
}

// SetOpsRecorder attaches a metrics sink for storage operations.
func (m *Manager) SetOpsRecorder(r OpsRecorder) {
	if r != nil {
		m.ops = r
	}
}

// Close closes the storage manager
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

// DB exposes the underlying bbolt handle for the state store and health checks
func (m *Manager) DB() *bbolt.DB {
	return m.db.DB()
}

func credentialKey(userID, toolName string) []byte {
	return []byte(userID + "|" + toolName)
}

func toolVariableKey(toolName, key string) []byte {
	return []byte(toolName + "|" + key)
}

// GetOrCreateUser resolves a caller-supplied external id to a user record,
// creating one on first sight. External ids are immutable after creation.
func (m *Manager) GetOrCreateUser(externalID string) (*UserRecord, error) {
	if externalID == "" {
		return nil, errors.New("external id must not be empty")
	}

	var user *UserRecord
	err := m.db.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(UsersBucket))
		if data := bucket.Get([]byte(externalID)); data != nil {
			user = &UserRecord{}
			return user.UnmarshalBinary(data)
		}

		now := time.Now().UTC()
		user = &UserRecord{
			ID:         uuid.NewString(),
			ExternalID: externalID,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		data, err := user.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal user: %w", err)
		}
		return bucket.Put([]byte(externalID), data)
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// UpsertCredentials encrypts and persists a credential payload for
// (user, tool). An existing record is updated in place; a new one starts
// authenticated, active, with no disabled actions. expiresIn, when
// positive, sets the expiry timestamp to now+expiresIn.
func (m *Manager) UpsertCredentials(externalUserID, toolName string, payload map[string]any, expiresIn time.Duration) (err error) {
	defer func() { m.ops.RecordStorageOp("upsert_credentials", err) }()
	if toolName == "" {
		return errors.New("tool name must not be empty")
	}

	user, err := m.GetOrCreateUser(externalUserID)
	if err != nil {
		return err
	}

	blob, err := m.crypto.EncryptJSON(crypto.NamespaceUserCredential, user.ID, payload)
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	now := time.Now().UTC()
	return m.db.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(CredentialsBucket))
		key := credentialKey(user.ID, toolName)

		record := &CredentialRecord{}
		if data := bucket.Get(key); data != nil {
			if err := record.UnmarshalBinary(data); err != nil {
				return fmt.Errorf("failed to unmarshal credential record: %w", err)
			}
		} else {
			record.UserID = user.ID
			record.ToolName = toolName
			record.IsActive = true
			record.DisabledActions = []string{}
			record.CreatedAt = now
		}

		record.EncryptedCredentials = blob
		record.IsAuthenticated = true
		record.LastAuthAt = &now
		record.UpdatedAt = now
		if expiresIn > 0 {
			expiry := now.Add(expiresIn)
			record.AuthExpiresAt = &expiry
		}

		data, err := record.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal credential record: %w", err)
		}
		return bucket.Put(key, data)
	})
}

// GetActiveCredentials returns the decrypted payload for (user, tool) only
// when the record exists, is authenticated, and is active. The nil,nil
// return deliberately conflates "not configured" at the payload level;
// callers distinguish via ListTools. A blob integrity failure is logged
// distinctly (possible secret rotation) but surfaces the same way.
func (m *Manager) GetActiveCredentials(externalUserID, toolName string) (payload map[string]any, err error) {
	defer func() { m.ops.RecordStorageOp("get_active_credentials", err) }()
	user, err := m.GetOrCreateUser(externalUserID)
	if err != nil {
		return nil, err
	}

	record, err := m.getCredentialRecord(user.ID, toolName)
	if err != nil {
		return nil, err
	}
	if record == nil || !record.IsAuthenticated || !record.IsActive {
		return nil, nil
	}

	payload, err = m.crypto.DecryptJSON(crypto.NamespaceUserCredential, user.ID, record.EncryptedCredentials)
	if err != nil {
		if errors.Is(err, crypto.ErrBlobIntegrity) {
			m.logger.Errorw("credential blob failed integrity check, treating as not authenticated",
				"user_id", user.ID,
				"tool", toolName,
				"error", err)
			return nil, nil
		}
		return nil, err
	}
	return payload, nil
}

// ListTools returns the credential status rows for a user, sorted by tool
// name. With activeOnly, inactive and unauthenticated records are skipped.
func (m *Manager) ListTools(externalUserID string, activeOnly bool) ([]ToolStatus, error) {
	user, err := m.GetOrCreateUser(externalUserID)
	if err != nil {
		return nil, err
	}

	prefix := []byte(user.ID + "|")
	var tools []ToolStatus
	err = m.db.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket([]byte(CredentialsBucket)).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			record := &CredentialRecord{}
			if err := record.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("failed to unmarshal credential record: %w", err)
			}
			if activeOnly && (!record.IsAuthenticated || !record.IsActive) {
				continue
			}
			tools = append(tools, ToolStatus{
				ToolName:        record.ToolName,
				IsAuthenticated: record.IsAuthenticated,
				IsActive:        record.IsActive,
				DisabledActions: append([]string{}, record.DisabledActions...),
				ExpiresAt:       record.AuthExpiresAt,
				LastAuthAt:      record.LastAuthAt,
				LastUsedAt:      record.LastUsedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(tools, func(i, j int) bool { return tools[i].ToolName < tools[j].ToolName })
	return tools, nil
}

// SetActive flips the user-level kill switch for a tool. Returns false
// when no authenticated record exists for the pair.
func (m *Manager) SetActive(externalUserID, toolName string, active bool) (bool, error) {
	return m.mutateCredentialRecord(externalUserID, toolName, func(record *CredentialRecord) bool {
		if !record.IsAuthenticated {
			return false
		}
		record.IsActive = active
		return true
	})
}

// SetAuthenticated flips the authenticated flag on an existing record.
// Used to retire credentials the provider no longer honors (failed
// refresh) without deleting the record.
func (m *Manager) SetAuthenticated(externalUserID, toolName string, authenticated bool) (changed bool, err error) {
	defer func() { m.ops.RecordStorageOp("set_authenticated", err) }()
	return m.mutateCredentialRecord(externalUserID, toolName, func(record *CredentialRecord) bool {
		if record.IsAuthenticated == authenticated {
			return false
		}
		record.IsAuthenticated = authenticated
		return true
	})
}

// SetActionDisabled adds or removes one action from the record's disabled
// set. The read-modify-write runs inside a single bbolt update
// transaction, so concurrent toggles on the same record serialize and the
// set never grows duplicates.
func (m *Manager) SetActionDisabled(externalUserID, toolName, actionName string, disabled bool) (changed bool, err error) {
	defer func() { m.ops.RecordStorageOp("set_action_disabled", err) }()
	return m.mutateCredentialRecord(externalUserID, toolName, func(record *CredentialRecord) bool {
		current := make([]string, 0, len(record.DisabledActions))
		found := false
		for _, name := range record.DisabledActions {
			if name == actionName {
				found = true
				if !disabled {
					continue // drop it
				}
			}
			current = append(current, name)
		}
		if disabled && !found {
			current = append(current, actionName)
		}
		record.DisabledActions = current
		return true
	})
}

// IsActionDisabled reports whether an action is in the disabled set
func (m *Manager) IsActionDisabled(externalUserID, toolName, actionName string) (bool, error) {
	user, err := m.GetOrCreateUser(externalUserID)
	if err != nil {
		return false, err
	}
	record, err := m.getCredentialRecord(user.ID, toolName)
	if err != nil || record == nil {
		return false, err
	}
	for _, name := range record.DisabledActions {
		if name == actionName {
			return true, nil
		}
	}
	return false, nil
}

// Disconnect hard-deletes the credential record for (user, tool)
func (m *Manager) Disconnect(externalUserID, toolName string) (deleted bool, err error) {
	defer func() { m.ops.RecordStorageOp("disconnect", err) }()
	user, err := m.GetOrCreateUser(externalUserID)
	if err != nil {
		return false, err
	}

	err = m.db.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(CredentialsBucket))
		key := credentialKey(user.ID, toolName)
		if bucket.Get(key) == nil {
			return nil
		}
		deleted = true
		return bucket.Delete(key)
	})
	return deleted, err
}

// CleanupInvalid detects persisted OAuth error envelopes (payloads with an
// "error" key and no "access_token") and flips is_authenticated off
// without deleting the record, keeping it available for audit and retry.
func (m *Manager) CleanupInvalid(externalUserID, toolName string) (bool, error) {
	user, err := m.GetOrCreateUser(externalUserID)
	if err != nil {
		return false, err
	}

	record, err := m.getCredentialRecord(user.ID, toolName)
	if err != nil || record == nil {
		return false, err
	}

	payload, err := m.crypto.DecryptJSON(crypto.NamespaceUserCredential, user.ID, record.EncryptedCredentials)
	if err != nil {
		m.logger.Warnw("failed to inspect credentials during cleanup", "tool", toolName, "error", err)
		return false, nil
	}
	if !IsErrorEnvelope(payload) {
		return false, nil
	}

	m.logger.Infow("cleaning up invalid credentials", "user_id", user.ID, "tool", toolName)
	return m.mutateCredentialRecord(externalUserID, toolName, func(record *CredentialRecord) bool {
		record.IsAuthenticated = false
		return true
	})
}

// TouchLastUsed stamps last_used_at for (user, tool). Best effort.
func (m *Manager) TouchLastUsed(externalUserID, toolName string) {
	_, err := m.mutateCredentialRecord(externalUserID, toolName, func(record *CredentialRecord) bool {
		now := time.Now().UTC()
		record.LastUsedAt = &now
		return true
	})
	if err != nil {
		m.logger.Warnw("failed to stamp last_used_at", "tool", toolName, "error", err)
	}
}

// IsErrorEnvelope reports whether a credential payload is itself a
// persisted OAuth error response.
func IsErrorEnvelope(payload map[string]any) bool {
	if payload == nil {
		return false
	}
	_, hasError := payload["error"]
	_, hasToken := payload["access_token"]
	return hasError && !hasToken
}

// SaveToolVariables encrypts and upserts per-tool environment variables
// (keyed on the tool name, the tool-variable namespace).
func (m *Manager) SaveToolVariables(toolName string, vars map[string]string) error {
	now := time.Now().UTC()
	return m.db.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ToolVariablesBucket))
		for key, value := range vars {
			blob, err := m.crypto.EncryptString(crypto.NamespaceToolVariable, toolName, value)
			if err != nil {
				return fmt.Errorf("failed to encrypt variable %s: %w", key, err)
			}

			record := &ToolVariableRecord{ToolName: toolName, Key: key, CreatedAt: now}
			if data := bucket.Get(toolVariableKey(toolName, key)); data != nil {
				if err := record.UnmarshalBinary(data); err != nil {
					return fmt.Errorf("failed to unmarshal variable record: %w", err)
				}
			}
			record.EncryptedValue = blob
			record.UpdatedAt = now

			data, err := record.MarshalBinary()
			if err != nil {
				return fmt.Errorf("failed to marshal variable record: %w", err)
			}
			if err := bucket.Put(toolVariableKey(toolName, key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetToolVariables returns the decrypted environment variables for a tool.
// Variables that fail decryption are skipped with a log line rather than
// failing the whole set.
func (m *Manager) GetToolVariables(toolName string) (map[string]string, error) {
	vars := make(map[string]string)
	prefix := []byte(toolName + "|")

	err := m.db.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket([]byte(ToolVariablesBucket)).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			record := &ToolVariableRecord{}
			if err := record.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("failed to unmarshal variable record: %w", err)
			}
			value, err := m.crypto.DecryptString(crypto.NamespaceToolVariable, toolName, record.EncryptedValue)
			if err != nil {
				m.logger.Errorw("failed to decrypt tool variable", "tool", toolName, "key", record.Key, "error", err)
				continue
			}
			vars[record.Key] = value
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vars, nil
}

// DeleteToolVariables removes all stored variables for a tool
func (m *Manager) DeleteToolVariables(toolName string) error {
	prefix := []byte(toolName + "|")
	return m.db.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ToolVariablesBucket))
		cursor := bucket.Cursor()
		var keys [][]byte
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			keys = append(keys, append([]byte{}, k...))
		}
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// getCredentialRecord loads one record by internal user id, nil when absent
func (m *Manager) getCredentialRecord(userID, toolName string) (*CredentialRecord, error) {
	var record *CredentialRecord
	err := m.db.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(CredentialsBucket)).Get(credentialKey(userID, toolName))
		if data == nil {
			return nil
		}
		record = &CredentialRecord{}
		return record.UnmarshalBinary(data)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// mutateCredentialRecord applies mutate to the record inside one update
// transaction. Returns false when the record is absent or mutate declines.
func (m *Manager) mutateCredentialRecord(externalUserID, toolName string, mutate func(*CredentialRecord) bool) (bool, error) {
	user, err := m.GetOrCreateUser(externalUserID)
	if err != nil {
		return false, err
	}

	applied := false
	err = m.db.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(CredentialsBucket))
		key := credentialKey(user.ID, toolName)
		data := bucket.Get(key)
		if data == nil {
			return nil
		}

		record := &CredentialRecord{}
		if err := record.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("failed to unmarshal credential record: %w", err)
		}
		if !mutate(record) {
			return nil
		}
		record.UpdatedAt = time.Now().UTC()

		updated, err := record.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal credential record: %w", err)
		}
		applied = true
		return bucket.Put(key, updated)
	})
	return applied, err
}

