// Package bridgeconfig reads the small set of process-level settings the
// bridge agent needs at startup: the remote API base URL and its API
// key, as a pure environment reader — CLI flags belong to cmd/bridge,
// not here.
package bridgeconfig

import (
	"fmt"
	"os"
)

const (
	envAPIBaseURL = "DATASNAP_API_BASE_URL"
	envAPIKey     = "DATASNAP_API_KEY"
)

const defaultAPIBaseURL = "https://api.datasnap.cloud"

// SecretProvider resolves the API key. The default implementation reads
// an environment variable; production deployments are expected to swap
// in a real secret-store-backed implementation (out of scope here per
// spec.md §1 — "Secrets management beyond simple env var reads").
type SecretProvider interface {
	APIKey() (string, error)
}

// EnvSecretProvider reads the API key directly from the environment.
type EnvSecretProvider struct{}

func (EnvSecretProvider) APIKey() (string, error) {
	key, ok := os.LookupEnv(envAPIKey)
	if !ok || key == "" {
		return "", fmt.Errorf("bridgeconfig: %s is not set", envAPIKey)
	}
	return key, nil
}

// Config is the resolved process-level configuration.
type Config struct {
	APIBaseURL string
	APIKey     string
}

// Load reads Config from the environment, using secrets for the API key.
// Pass bridgeconfig.EnvSecretProvider{} for the ordinary deployment path.
func Load(secrets SecretProvider) (*Config, error) {
	baseURL := defaultAPIBaseURL
	if v, ok := os.LookupEnv(envAPIBaseURL); ok && v != "" {
		baseURL = v
	}

	key, err := secrets.APIKey()
	if err != nil {
		return nil, fmt.Errorf("bridgeconfig: %w", err)
	}

	return &Config{APIBaseURL: baseURL, APIKey: key}, nil
}
