package storage

import (
	"encoding/json"
	"time"
)

// Bucket names for bbolt database
const (
	TenantsBucket      = "tenants"
	OAuthTokenBucket   = "oauth_tokens" //nolint:gosec // bucket name, not a credential
	PendingFlowsBucket = "pending_flows"
	MetaBucket         = "meta"
)

// Meta keys
const (
	SchemaVersionKey = "schema"
)

// Current schema version
const CurrentSchemaVersion = 1

// TenantRecord represents one registered tenant. The JSON tags match the
// tenant registry file format.
type TenantRecord struct {
	UserID       string    `json:"userId"`
	APIKey       string    `json:"apiKey"`
	Name         string    `json:"name,omitempty"`
	ClientID     string    `json:"xClientId,omitempty"`
	ClientSecret string    `json:"xClientSecret,omitempty"`
	CallbackURL  string    `json:"callbackUrl,omitempty"`
	Created      time.Time `json:"created,omitempty"`
}

// TokenRecord is the OAuth2 credential state for exactly one tenant.
// ExpiresAt is an absolute instant derived at issuance time; the wire
// form carries it as epoch milliseconds.
type TokenRecord struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
}

// tokenRecordJSON is the persisted wire form of TokenRecord.
type tokenRecordJSON struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	TokenType    string `json:"tokenType,omitempty"`
	ExpiresAt    int64  `json:"expiresAt,omitempty"` // epoch-ms
	ExpiresIn    int64  `json:"expiresIn,omitempty"` // seconds, informational only
}

// Empty reports whether the record holds no usable credential.
func (t *TokenRecord) Empty() bool {
	return t == nil || t.AccessToken == ""
}

// MarshalJSON implements json.Marshaler
func (t *TokenRecord) MarshalJSON() ([]byte, error) {
	wire := tokenRecordJSON{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
	}
	if !t.ExpiresAt.IsZero() {
		wire.ExpiresAt = t.ExpiresAt.UnixMilli()
	}
	return json.Marshal(wire)
}

// UnmarshalJSON implements json.Unmarshaler. A relative expiresIn value
// is not trusted past the moment it was issued, so a record carrying
// only expiresIn loads with a zero (already expired) expiry.
func (t *TokenRecord) UnmarshalJSON(data []byte) error {
	var wire tokenRecordJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	t.AccessToken = wire.AccessToken
	t.RefreshToken = wire.RefreshToken
	t.TokenType = wire.TokenType
	if wire.ExpiresAt > 0 {
		t.ExpiresAt = time.UnixMilli(wire.ExpiresAt)
	} else {
		t.ExpiresAt = time.Time{}
	}
	return nil
}

// PendingFlowRecord is the transient state bridging an authorization URL
// issuance and its callback, keyed by the anti-forgery state token.
type PendingFlowRecord struct {
	State     string    `json:"state"`
	Verifier  string    `json:"verifier"`
	TenantID  string    `json:"tenantId"`
	CreatedAt time.Time `json:"createdAt"`
}

// MarshalBinary implements encoding.BinaryMarshaler
func (t *TenantRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(t)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (t *TenantRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, t)
}

// MarshalBinary implements encoding.BinaryMarshaler
func (t *TokenRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(t)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (t *TokenRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, t)
}

// MarshalBinary implements encoding.BinaryMarshaler
func (p *PendingFlowRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (p *PendingFlowRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, p)
}
