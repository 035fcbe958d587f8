package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "MNEMO_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.default_chain", typ: kString, env: "MNEMO_SERVER_DEFAULT_CHAIN",
		apply:   func(cfg *Config, v any) { cfg.Server.DefaultChain = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.DefaultChain },
	},
	{
		key: "storage.data_dir", typ: kString, env: "MNEMO_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "MNEMO_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "ledger.checkpoint_interval", typ: kInt, env: "MNEMO_LEDGER_CHECKPOINT_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Ledger.CheckpointInterval = v.(int) },
		extract: func(cfg Config) any { return cfg.Ledger.CheckpointInterval },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "MNEMO_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.max_chars", typ: kInt, env: "MNEMO_RETRIEVAL_MAX_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MaxChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MaxChars },
	},
	{
		key: "embed.dims", typ: kInt, env: "MNEMO_EMBED_DIMS",
		apply:   func(cfg *Config, v any) { cfg.Embed.Dims = v.(int) },
		extract: func(cfg Config) any { return cfg.Embed.Dims },
	},
	{
		key: "api_token", typ: kString, env: "MNEMO_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.APIToken },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
