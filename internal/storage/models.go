package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrImmutable is returned when a write would alter a committed ledger row.
// The schema-level triggers raise it; this sentinel classifies the failure.
var ErrImmutable = errors.New("append-only violation")

// Chain is one conversation thread's hash chain head.
type Chain struct {
	ChainID     string
	CreatedAt   time.Time
	GenesisHash string
	HeadHash    string
	HeadHeight  int64
}

// Block is one immutable, hash-linked event record.
type Block struct {
	BlockID     string
	ChainID     string
	Height      int64
	Timestamp   time.Time
	Role        string
	AuthorID    string
	Content     string
	ContentHash string
	PrevHash    string // empty for genesis
	HeaderHash  string
	Keywords    []string
	Tags        []string
	References  []string
	Metadata    map[string]any
	Redacted    bool
}

// Summary is a periodic condensed checkpoint of chain history.
type Summary struct {
	ChainID    string
	UpToHeight int64
	Text       string
	Hash       string
	CreatedAt  time.Time
}

// MemoryItem is a derived semantic facet (summary, fact, or preference)
// indexed for embedding search. Not part of the hash chain, but always
// back-referenced to the block that produced it.
type MemoryItem struct {
	ID            string
	ChainID       string
	Key           string
	Kind          string // "summary", "fact", or "preference"
	Text          string
	Embedding     []float32
	SourceBlockID string
	Project       string
	CreatedAt     time.Time
}

// Job is a queued background task (document embedding, reindexing).
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// ValidRoles are the block roles accepted by the writer.
var ValidRoles = map[string]bool{
	"system":    true,
	"user":      true,
	"assistant": true,
	"tool":      true,
}

// ValidKinds are the allowed memory item kinds.
var ValidKinds = map[string]bool{
	"summary":    true,
	"fact":       true,
	"preference": true,
}
