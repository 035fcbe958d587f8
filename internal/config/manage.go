package config

import (
	"fmt"
	"strconv"
)

// KeyInfo is one row of `mnemo config show`: the key, the MNEMO_*
// environment variable that overrides it, and the effective value.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns the effective value of every non-secret config key.
// The API token is deliberately absent; it lives in the keychain and is
// only reachable through MNEMO_API_TOKEN.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  fmt.Sprintf("%v", s.extract(cfg)),
		})
	}
	return result
}

// SetKey persists one config key to the platform backend. The key is
// validated against the known specs before the backend is touched, so a
// typo never reaches UserDefaults or the config file.
func SetKey(key, value string) error {
	var spec *keySpec
	for i := range specs {
		if specs[i].key == key {
			spec = &specs[i]
			break
		}
	}
	if spec == nil {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if spec.secret {
		return fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, spec.env)
	}

	b := newPlatformBackend()
	switch spec.typ {
	case kString:
		return b.SetString(key, value)
	case kInt:
		i, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %w", key, err)
		}
		return b.SetInt(key, i)
	}
	return fmt.Errorf("unknown config key: %q", key)
}

// ValidKeys lists the key names SetKey accepts, for CLI error messages.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
