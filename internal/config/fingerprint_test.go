package config

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expectedFingerprint(t *testing.T, key, value string) string {
	t.Helper()

	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(value))

	return hex.EncodeToString(mac.Sum(nil))
}

func TestFingerprintSecrets(t *testing.T) {
	t.Run("replaces secret fields with fingerprints", func(t *testing.T) {
		t.Setenv(FingerprintKeyEnv, "test-key")

		options := map[string]any{
			"api_key":  "sk-abc123",
			"endpoint": "https://api.example.com",
		}

		require.NoError(t, FingerprintSecrets(options))

		assert.NotContains(t, options, "api_key")
		assert.Equal(t, expectedFingerprint(t, "test-key", "sk-abc123"), options["api_key_fingerprint"])
		assert.Equal(t, "https://api.example.com", options["endpoint"])
	})

	t.Run("walks nested maps and lists", func(t *testing.T) {
		t.Setenv(FingerprintKeyEnv, "test-key")

		options := map[string]any{
			"client": map[string]any{
				"auth_token": "tok-1",
			},
			"targets": []any{
				map[string]any{"password": "hunter2"},
			},
		}

		require.NoError(t, FingerprintSecrets(options))

		client := options["client"].(map[string]any)
		assert.NotContains(t, client, "auth_token")
		assert.Equal(t, expectedFingerprint(t, "test-key", "tok-1"), client["auth_token_fingerprint"])

		target := options["targets"].([]any)[0].(map[string]any)
		assert.NotContains(t, target, "password")
		assert.Equal(t, expectedFingerprint(t, "test-key", "hunter2"), target["password_fingerprint"])
	})

	t.Run("matches names and suffixes case-insensitively", func(t *testing.T) {
		t.Setenv(FingerprintKeyEnv, "test-key")

		options := map[string]any{
			"Authorization":   "Bearer abc",
			"SIGNING_SECRET":  "s1",
			"plain_threshold": "not a secret",
		}

		require.NoError(t, FingerprintSecrets(options))

		assert.Contains(t, options, "Authorization_fingerprint")
		assert.Contains(t, options, "SIGNING_SECRET_fingerprint")
		assert.Equal(t, "not a secret", options["plain_threshold"])
	})

	t.Run("rejects a supplied fingerprint alongside the secret", func(t *testing.T) {
		t.Setenv(FingerprintKeyEnv, "test-key")

		options := map[string]any{
			"api_key":             "sk-abc123",
			"api_key_fingerprint": "forged",
		}

		err := FingerprintSecrets(options)
		require.ErrorIs(t, err, ErrSecretFingerprint)
	})

	t.Run("fails without a key", func(t *testing.T) {
		t.Setenv(FingerprintKeyEnv, "")
		t.Setenv(AllowRawSecretsEnv, "")

		options := map[string]any{"api_key": "sk-abc123"}

		err := FingerprintSecrets(options)
		require.ErrorIs(t, err, ErrSecretFingerprint)
	})

	t.Run("allows raw secrets when explicitly opted in", func(t *testing.T) {
		t.Setenv(FingerprintKeyEnv, "")
		t.Setenv(AllowRawSecretsEnv, "true")

		options := map[string]any{"api_key": "sk-abc123"}

		require.NoError(t, FingerprintSecrets(options))
		assert.Equal(t, "sk-abc123", options["api_key"])
	})

	t.Run("non-string secret-named fields pass through", func(t *testing.T) {
		t.Setenv(FingerprintKeyEnv, "test-key")

		options := map[string]any{"max_key": 5}

		require.NoError(t, FingerprintSecrets(options))
		assert.Equal(t, 5, options["max_key"])
	})

	t.Run("nil options map is a no-op", func(t *testing.T) {
		require.NoError(t, FingerprintSecrets(nil))
	})
}
