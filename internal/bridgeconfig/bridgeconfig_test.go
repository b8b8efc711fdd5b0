package bridgeconfig

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

type fakeSecrets struct {
	key string
	err error
}

func (f fakeSecrets) APIKey() (string, error) { return f.key, f.err }

func TestLoadUsesDefaultBaseURLWhenUnset(t *testing.T) {
	t.Setenv(envAPIBaseURL, "")
	cfg, err := Load(fakeSecrets{key: "sk_test"})
	require.NoError(t, err)
	require.Equal(t, defaultAPIBaseURL, cfg.APIBaseURL)
	require.Equal(t, "sk_test", cfg.APIKey)
}

func TestLoadHonoursBaseURLOverride(t *testing.T) {
	t.Setenv(envAPIBaseURL, "https://staging.example.com")
	cfg, err := Load(fakeSecrets{key: "sk_test"})
	require.NoError(t, err)
	require.Equal(t, "https://staging.example.com", cfg.APIBaseURL)
}

func TestLoadPropagatesSecretProviderError(t *testing.T) {
	_, err := Load(fakeSecrets{err: errBoom})
	require.Error(t, err)
}

func TestEnvSecretProviderErrorsWhenUnset(t *testing.T) {
	t.Setenv(envAPIKey, "")
	_, err := (EnvSecretProvider{}).APIKey()
	require.Error(t, err)
}
