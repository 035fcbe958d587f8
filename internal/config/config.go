package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Log       LogConfig
	Ledger    LedgerConfig
	Retrieval RetrievalConfig
	Embed     EmbedConfig
	APIToken  string
}

type ServerConfig struct {
	Port         int
	DefaultChain string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type LedgerConfig struct {
	CheckpointInterval int
}

type RetrievalConfig struct {
	TopK     int
	MaxChars int
}

type EmbedConfig struct {
	Dims int
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:         4600,
			DefaultChain: "chat",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Ledger: LedgerConfig{
			CheckpointInterval: 25,
		},
		Retrieval: RetrievalConfig{
			TopK:     8,
			MaxChars: 4000,
		},
		Embed: EmbedConfig{
			Dims: 256,
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and the platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.mnemo.app) and the API
// token lives in the macOS Keychain. On Linux the backend is a JSON file at
// $XDG_CONFIG_HOME/mnemo/config.json and the token lives in a 0600 secrets
// file under $XDG_DATA_HOME/mnemo.
//
// Environment variables (MNEMO_*) override backend values on all platforms.
// A missing API token is generated and persisted on first load so the CLI
// and daemon agree without manual setup.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainStore{})
}

// keychain abstracts secret storage for testing.
type keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

const (
	secretService = "mnemo"
	secretAccount = "api_token"
)

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.APIToken == "" {
		if tok, err := kc.Get(secretService, secretAccount); err == nil && tok != "" {
			cfg.APIToken = tok
		}
	}
	if cfg.APIToken == "" {
		tok, err := generateToken()
		if err != nil {
			return Config{}, fmt.Errorf("generating api token: %w", err)
		}
		if err := kc.Set(secretService, secretAccount, tok); err != nil {
			return Config{}, fmt.Errorf("storing api token: %w", err)
		}
		cfg.APIToken = tok
	}

	return cfg, nil
}

func generateToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// keychainStore reads and writes the platform secret store.
type keychainStore struct{}

func (keychainStore) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (keychainStore) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}
