package storage

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRecordWireFormat(t *testing.T) {
	rec := &TokenRecord{
		AccessToken:  "acc",
		RefreshToken: "ref",
		TokenType:    "Bearer",
		ExpiresAt:    time.UnixMilli(1756000000000),
	}

	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"accessToken": "acc",
		"refreshToken": "ref",
		"tokenType": "Bearer",
		"expiresAt": 1756000000000
	}`, string(data))
}

func TestTokenRecordExpiresInNotTrusted(t *testing.T) {
	// A record carrying only a relative lifetime has no anchor instant,
	// so it must load as already expired and be refreshed before use.
	raw := `{"accessToken":"acc","refreshToken":"ref","expiresIn":7200}`

	var rec TokenRecord
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	assert.Equal(t, "acc", rec.AccessToken)
	assert.True(t, rec.ExpiresAt.IsZero())
}

func TestTokenRecordAbsoluteExpiryWins(t *testing.T) {
	raw := `{"accessToken":"acc","expiresAt":1756000000000,"expiresIn":7200}`

	var rec TokenRecord
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	assert.Equal(t, time.UnixMilli(1756000000000), rec.ExpiresAt)
}

func TestTokenRecordEmpty(t *testing.T) {
	var nilRec *TokenRecord
	assert.True(t, nilRec.Empty())
	assert.True(t, (&TokenRecord{}).Empty())
	assert.True(t, (&TokenRecord{RefreshToken: "ref"}).Empty())
	assert.False(t, (&TokenRecord{AccessToken: "acc"}).Empty())
}
