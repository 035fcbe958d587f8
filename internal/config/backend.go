package config

// ConfigBackend abstracts where mnemo persists settings changed with
// `mnemo config set`. macOS stores them in UserDefaults (via the
// `defaults` CLI), Linux in an XDG config file. Values read from a
// backend are still subject to MNEMO_* environment overrides at load
// time, and secrets (the API token) never go through a backend.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
