package tokenstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func envBackendWith(value string) *EnvBackend {
	b := NewEnvBackend(zap.NewNop())
	b.getenv = func(string) string { return value }
	return b
}

func TestEnvLoadPlainJSON(t *testing.T) {
	b := envBackendWith(`{"accessToken":"acc","refreshToken":"ref","expiresAt":1756000000000}`)
	rec, err := b.Load(context.Background(), "default")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "acc", rec.AccessToken)
	assert.Equal(t, "ref", rec.RefreshToken)
}

func TestEnvLoadUnwrapsShellQuotes(t *testing.T) {
	// Values pasted through a shell or platform UI often arrive wrapped
	// in one layer of quotes.
	b := envBackendWith(`'{"accessToken":"acc","refreshToken":"ref"}'`)
	rec, err := b.Load(context.Background(), "default")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "ref", rec.RefreshToken)
}

func TestEnvLoadAbsent(t *testing.T) {
	b := envBackendWith("")
	rec, err := b.Load(context.Background(), "default")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestEnvLoadMalformedDegrades(t *testing.T) {
	b := envBackendWith("{not json")
	rec, err := b.Load(context.Background(), "default")
	require.NoError(t, err, "a malformed env var must not fail the load chain")
	assert.Nil(t, rec)
}

func TestEnvLoadMissingAccessTokenDegrades(t *testing.T) {
	b := envBackendWith(`{"refreshToken":"ref"}`)
	rec, err := b.Load(context.Background(), "default")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestUnwrapQuotes(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{`'{"a":1}'`, `{"a":1}`},
		{`"{\"a\":1}"`, `{\"a\":1}`},
		{`  '{"a":1}'  `, `{"a":1}`},
		{`'`, `'`},
		{``, ``},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, unwrapQuotes(tt.in), "input %q", tt.in)
	}
}
