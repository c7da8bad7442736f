package storage

import (
	"encoding/json"
	"time"
)

// Bucket names for bbolt database
const (
	UsersBucket         = "users"
	CredentialsBucket   = "credentials" //nolint:gosec // bucket name, not a credential
	ToolVariablesBucket = "tool_variables"
	MetaBucket          = "meta"
)

// Meta keys
const (
	SchemaVersionKey = "schema"
)

// Current schema version
const CurrentSchemaVersion = 1

// UserRecord represents a user row. Users are created lazily on the first
// credential operation referencing an unseen external id and never deleted.
type UserRecord struct {
	ID         string    `json:"id"`          // server-generated, opaque
	ExternalID string    `json:"external_id"` // caller-supplied, unique, immutable
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CredentialRecord represents one (user, tool) credential row. The
// encrypted blob never leaves storage in plaintext form; decryption
// happens in the Manager via the crypto provider.
type CredentialRecord struct {
	UserID               string     `json:"user_id"`
	ToolName             string     `json:"tool_name"`
	EncryptedCredentials string     `json:"encrypted_credentials"`
	IsAuthenticated      bool       `json:"is_authenticated"`
	IsActive             bool       `json:"is_active"`
	DisabledActions      []string   `json:"disabled_actions"`
	AuthExpiresAt        *time.Time `json:"auth_expires_at,omitempty"`
	LastAuthAt           *time.Time `json:"last_auth_at,omitempty"`
	LastUsedAt           *time.Time `json:"last_used_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// ToolVariableRecord stores one encrypted environment variable for a tool
type ToolVariableRecord struct {
	ToolName       string    `json:"tool_name"`
	Key            string    `json:"key"`
	EncryptedValue string    `json:"encrypted_value"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ToolStatus is the listing view of a credential record
type ToolStatus struct {
	ToolName        string     `json:"tool_name"`
	IsAuthenticated bool       `json:"is_authenticated"`
	IsActive        bool       `json:"is_active"`
	DisabledActions []string   `json:"disabled_actions"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	LastAuthAt      *time.Time `json:"last_auth_at,omitempty"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
}

// MarshalBinary implements encoding.BinaryMarshaler
func (u *UserRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(u)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (u *UserRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, u)
}

// MarshalBinary implements encoding.BinaryMarshaler
func (c *CredentialRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (c *CredentialRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, c)
}

// MarshalBinary implements encoding.BinaryMarshaler
func (v *ToolVariableRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(v)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (v *ToolVariableRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, v)
}
