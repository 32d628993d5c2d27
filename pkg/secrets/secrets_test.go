package secrets

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parceldrop/dispatch/pkg/config"
)

func TestEnvResolver(t *testing.T) {
	t.Setenv("STRIPE_API_KEY", "sk_test_123")

	r, err := NewResolver(&config.SecretsConfig{Backend: "env"})
	require.NoError(t, err)

	value, err := r.Resolve(context.Background(), "stripe.api-key")
	require.NoError(t, err)
	assert.Equal(t, "sk_test_123", value)

	_, err = r.Resolve(context.Background(), "missing.key")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestFileResolver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"twilio.auth_token":"tok"}`), 0o600))

	r, err := NewResolver(&config.SecretsConfig{Backend: "file", FilePath: path})
	require.NoError(t, err)

	value, err := r.Resolve(context.Background(), "twilio.auth_token")
	require.NoError(t, err)
	assert.Equal(t, "tok", value)

	_, err = r.Resolve(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestFileResolverMissingPath(t *testing.T) {
	_, err := NewResolver(&config.SecretsConfig{Backend: "file"})
	assert.Error(t, err)
}

func TestUnknownBackend(t *testing.T) {
	_, err := NewResolver(&config.SecretsConfig{Backend: "etcd"})
	assert.Error(t, err)
}

func TestHydrateOverlaysOnlyResolvedNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"jwt.secret":"from-backend","gateways.stripe.secret-key":"sk_live_9"}`), 0o600))

	cfg := &config.Config{
		Secrets: config.SecretsConfig{Backend: "file", FilePath: path},
	}
	cfg.JWT.Secret = "from-env"
	cfg.Gateways.MobileMoneyAPIKey = "mm-env-key"

	require.NoError(t, Hydrate(context.Background(), cfg))

	assert.Equal(t, "from-backend", cfg.JWT.Secret)
	assert.Equal(t, "sk_live_9", cfg.Gateways.StripeSecretKey)
	// Names the backend does not hold keep their env values.
	assert.Equal(t, "mm-env-key", cfg.Gateways.MobileMoneyAPIKey)
}
