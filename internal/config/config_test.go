package config

import (
	"errors"
	"fmt"
	"testing"
)

// mapBackend is an in-memory ConfigBackend for tests.
type mapBackend struct {
	data map[string]any
}

func (b *mapBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return "", false, nil
	}
	return fmt.Sprintf("%v", v), true, nil
}

func (b *mapBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	i, ok := v.(int)
	if !ok {
		return 0, true, fmt.Errorf("invalid type for %s", key)
	}
	return i, true, nil
}

func (b *mapBackend) SetString(key, val string) error  { b.data[key] = val; return nil }
func (b *mapBackend) SetInt(key string, val int) error { b.data[key] = val; return nil }
func (b *mapBackend) Delete(key string) error          { delete(b.data, key); return nil }

// mockKeychain is a test double for the keychain interface.
type mockKeychain struct {
	stored map[string]string
	getErr error
}

func newMockKeychain() *mockKeychain {
	return &mockKeychain{stored: make(map[string]string)}
}

func (m *mockKeychain) Get(service, account string) (string, error) {
	if m.getErr != nil {
		return "", m.getErr
	}
	return m.stored[service+"/"+account], nil
}

func (m *mockKeychain) Set(service, account, value string) error {
	m.stored[service+"/"+account] = value
	return nil
}

func TestDefaults(t *testing.T) {
	cfg, err := loadWith(&mapBackend{data: map[string]any{}}, newMockKeychain())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4600 {
		t.Errorf("Server.Port = %d, want 4600", cfg.Server.Port)
	}
	if cfg.Server.DefaultChain != "chat" {
		t.Errorf("Server.DefaultChain = %q, want %q", cfg.Server.DefaultChain, "chat")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Ledger.CheckpointInterval != 25 {
		t.Errorf("Ledger.CheckpointInterval = %d, want 25", cfg.Ledger.CheckpointInterval)
	}
	if cfg.Retrieval.TopK != 8 {
		t.Errorf("Retrieval.TopK = %d, want 8", cfg.Retrieval.TopK)
	}
	if cfg.Retrieval.MaxChars != 4000 {
		t.Errorf("Retrieval.MaxChars = %d, want 4000", cfg.Retrieval.MaxChars)
	}
	if cfg.Embed.Dims != 256 {
		t.Errorf("Embed.Dims = %d, want 256", cfg.Embed.Dims)
	}
	if cfg.Storage.DataDir == "" {
		t.Error("Storage.DataDir is empty")
	}
}

func TestBackendValuesApplied(t *testing.T) {
	b := &mapBackend{data: map[string]any{
		"server.port":                9999,
		"server.default_chain":       "work",
		"log.level":                  "debug",
		"ledger.checkpoint_interval": 10,
		"embed.dims":                 64,
	}}
	cfg, err := loadWith(b, newMockKeychain())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Server.DefaultChain != "work" {
		t.Errorf("Server.DefaultChain = %q, want %q", cfg.Server.DefaultChain, "work")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Ledger.CheckpointInterval != 10 {
		t.Errorf("Ledger.CheckpointInterval = %d, want 10", cfg.Ledger.CheckpointInterval)
	}
	if cfg.Embed.Dims != 64 {
		t.Errorf("Embed.Dims = %d, want 64", cfg.Embed.Dims)
	}
}

func TestEnvOverridesBackend(t *testing.T) {
	t.Setenv("MNEMO_SERVER_PORT", "4700")
	t.Setenv("MNEMO_LOG_LEVEL", "warn")

	b := &mapBackend{data: map[string]any{
		"server.port": 9999,
		"log.level":   "debug",
	}}
	cfg, err := loadWith(b, newMockKeychain())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4700 {
		t.Errorf("Server.Port = %d, want env override 4700", cfg.Server.Port)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want env override %q", cfg.Log.Level, "warn")
	}
}

func TestEnvInvalidIntIgnored(t *testing.T) {
	t.Setenv("MNEMO_SERVER_PORT", "not-a-number")

	cfg, err := loadWith(&mapBackend{data: map[string]any{}}, newMockKeychain())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4600 {
		t.Errorf("Server.Port = %d, want default 4600", cfg.Server.Port)
	}
}

func TestTokenGeneratedAndPersisted(t *testing.T) {
	kc := newMockKeychain()
	cfg, err := loadWith(&mapBackend{data: map[string]any{}}, kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.APIToken) != 48 {
		t.Fatalf("expected 48-char hex token, got %q", cfg.APIToken)
	}
	if kc.stored["mnemo/api_token"] != cfg.APIToken {
		t.Error("token was not persisted to the secret store")
	}

	// A second load should reuse the stored token.
	cfg2, err := loadWith(&mapBackend{data: map[string]any{}}, kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg2.APIToken != cfg.APIToken {
		t.Error("expected the persisted token to be reused")
	}
}

func TestTokenFromEnv(t *testing.T) {
	t.Setenv("MNEMO_API_TOKEN", "env-token")

	kc := newMockKeychain()
	kc.getErr = errors.New("should not be consulted")

	cfg, err := loadWith(&mapBackend{data: map[string]any{}}, kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.APIToken != "env-token" {
		t.Errorf("APIToken = %q, want env-token", cfg.APIToken)
	}
	if len(kc.stored) != 0 {
		t.Error("env token should not be written to the secret store")
	}
}

func TestSetKeyRejectsSecret(t *testing.T) {
	if err := SetKey("api_token", "x"); err == nil {
		t.Error("expected error setting secret key")
	}
}

func TestShowAllSkipsSecrets(t *testing.T) {
	for _, info := range ShowAll(defaults()) {
		if info.Key == "api_token" {
			t.Error("ShowAll leaked the secret key")
		}
	}
}

func TestValidKeys(t *testing.T) {
	want := map[string]bool{
		"server.port":                true,
		"server.default_chain":       true,
		"storage.data_dir":           true,
		"log.level":                  true,
		"ledger.checkpoint_interval": true,
		"retrieval.top_k":            true,
		"retrieval.max_chars":        true,
		"embed.dims":                 true,
	}
	keys := ValidKeys()
	if len(keys) != len(want) {
		t.Fatalf("expected %d keys, got %d: %v", len(want), len(keys), keys)
	}
	for _, k := range keys {
		if !want[k] {
			t.Errorf("unexpected key %q", k)
		}
	}
}
