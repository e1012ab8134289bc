package config

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Environment variables controlling secret fingerprinting.
const (
	// FingerprintKeyEnv holds the HMAC key used to fingerprint secret
	// option values before they are hashed or recorded.
	FingerprintKeyEnv = "FURROW_FINGERPRINT_KEY"
	// AllowRawSecretsEnv set to "true" lets secret values pass through
	// unfingerprinted. Development escape hatch only.
	AllowRawSecretsEnv = "FURROW_ALLOW_RAW_SECRETS"
)

// ErrSecretFingerprint is returned when secret-like config fields cannot be
// fingerprinted, or when a config tries to supply its own fingerprint.
var ErrSecretFingerprint = errors.New("secret fingerprinting failed")

// Field names treated as secrets, exact match, case-insensitive.
var secretFieldNames = map[string]struct{}{
	"api_key":           {},
	"api-key":           {},
	"authorization":     {},
	"connection_string": {},
	"credential":        {},
	"password":          {},
	"secret":            {},
	"token":             {},
	"x-api-key":         {},
}

// Field name suffixes treated as secrets, case-insensitive.
var secretFieldSuffixes = []string{
	"_secret", "_key", "_token", "_password", "_credential", "_connection_string",
}

func isSecretField(name string) bool {
	normalized := strings.ToLower(name)

	if _, ok := secretFieldNames[normalized]; ok {
		return true
	}

	for _, suffix := range secretFieldSuffixes {
		if strings.HasSuffix(normalized, suffix) {
			return true
		}
	}

	return false
}

// FingerprintSecrets walks an options map, including nested maps and lists,
// and replaces every string field with a secret-like name by an HMAC-SHA256
// fingerprint under the renamed key "<field>_fingerprint".
//
// The original secret never reaches the canonical hasher or the audit trail.
// Without a fingerprint key the walk fails, unless raw secrets are
// explicitly allowed, in which case values pass through untouched.
func FingerprintSecrets(options map[string]any) error {
	if options == nil {
		return nil
	}

	key := os.Getenv(FingerprintKeyEnv)
	allowRaw := strings.EqualFold(os.Getenv(AllowRawSecretsEnv), "true")

	return fingerprintMap(options, key, allowRaw)
}

func fingerprintMap(m map[string]any, key string, allowRaw bool) error {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}

	for _, name := range names {
		value := m[name]

		switch v := value.(type) {
		case map[string]any:
			if err := fingerprintMap(v, key, allowRaw); err != nil {
				return err
			}
		case []any:
			if err := fingerprintList(v, key, allowRaw); err != nil {
				return err
			}
		case string:
			if !isSecretField(name) {
				continue
			}

			// A config supplying both the secret and its fingerprint is
			// trying to overwrite the computed value; refuse it.
			fingerprintField := name + "_fingerprint"
			if _, exists := m[fingerprintField]; exists {
				return fmt.Errorf("%w: config contains both %q and %q; %q is derived during loading, remove it",
					ErrSecretFingerprint, name, fingerprintField, fingerprintField)
			}

			if key == "" {
				if allowRaw {
					continue
				}

				return fmt.Errorf("%w: secret field %q found but %s is not set; set it, or set %s=true for development",
					ErrSecretFingerprint, name, FingerprintKeyEnv, AllowRawSecretsEnv)
			}

			delete(m, name)
			m[fingerprintField] = secretFingerprint(key, v)
		}
	}

	return nil
}

func fingerprintList(list []any, key string, allowRaw bool) error {
	for _, item := range list {
		switch v := item.(type) {
		case map[string]any:
			if err := fingerprintMap(v, key, allowRaw); err != nil {
				return err
			}
		case []any:
			if err := fingerprintList(v, key, allowRaw); err != nil {
				return err
			}
		}
	}

	return nil
}

func secretFingerprint(key, value string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(value))

	return hex.EncodeToString(mac.Sum(nil))
}
