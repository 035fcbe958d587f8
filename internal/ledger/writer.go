package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/halversen/mnemo/internal/redact"
	"github.com/halversen/mnemo/internal/storage"
)

// ErrInvalidInput is returned for malformed append requests, before any
// storage interaction.
var ErrInvalidInput = errors.New("invalid input")

// DefaultCheckpointInterval is the number of appended blocks between summary
// checkpoints.
const DefaultCheckpointInterval = 25

// genesisContent is the fixed sentinel content of every height-0 block.
const genesisContent = "genesis"

// Writer appends events as hash-linked blocks. Appends to the same chain must
// be serialized by the caller; the store's transaction isolation handles
// concurrent appends to different chains.
type Writer struct {
	store      *storage.Store
	db         *sql.DB
	summarizer *Summarizer
	interval   int64
	logger     *slog.Logger
}

// NewWriter creates a Writer over the given store. checkpointInterval <= 0
// selects DefaultCheckpointInterval.
func NewWriter(store *storage.Store, checkpointInterval int) *Writer {
	if checkpointInterval <= 0 {
		checkpointInterval = DefaultCheckpointInterval
	}
	return &Writer{
		store:      store,
		db:         store.DB(),
		summarizer: NewSummarizer(store),
		interval:   int64(checkpointInterval),
		logger:     slog.Default(),
	}
}

// Summarizer exposes the writer's summarizer for forced checkpoints.
func (w *Writer) Summarizer() *Summarizer {
	return w.summarizer
}

// AppendOptions carries the optional fields of an append.
type AppendOptions struct {
	AuthorID        string
	Tags            []string
	References      []string
	Metadata        map[string]any
	ForceCheckpoint bool
}

// AppendResult identifies the committed block.
type AppendResult struct {
	BlockID    string `json:"blockId"`
	Height     int64  `json:"height"`
	HeaderHash string `json:"headerHash"`
	Redacted   bool   `json:"redacted"`
}

// Append records one event as a new block in a single atomic transaction:
// ensure the chain (creating a genesis block lazily), redact, extract
// keywords, hash, insert the block and its keyword index rows, and advance
// the chain head. On checkpoint boundaries (or when forced) the summarizer
// runs after commit.
func (w *Writer) Append(ctx context.Context, chainID, role, content string, opts AppendOptions) (AppendResult, error) {
	chainID = strings.TrimSpace(chainID)
	if chainID == "" {
		return AppendResult{}, fmt.Errorf("%w: missing chain id", ErrInvalidInput)
	}
	if !storage.ValidRoles[role] {
		return AppendResult{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}

	// Redact before anything is hashed or stored.
	content, redacted := redact.Redact(content)

	metadata, err := normalizeMetadata(opts.Metadata)
	if err != nil {
		return AppendResult{}, fmt.Errorf("%w: metadata not serializable: %v", ErrInvalidInput, err)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendResult{}, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	// Chain head is re-read inside every transaction; no cached head state.
	chain, err := chainForUpdate(tx, chainID)
	if errors.Is(err, storage.ErrNotFound) {
		chain, err = createChain(tx, chainID, time.Now().UTC())
	}
	if err != nil {
		return AppendResult{}, err
	}

	block := storage.Block{
		BlockID:    newBlockID(),
		ChainID:    chainID,
		Height:     chain.HeadHeight + 1,
		Timestamp:  time.Now().UTC(),
		Role:       role,
		AuthorID:   opts.AuthorID,
		Content:    content,
		PrevHash:   chain.HeadHash,
		Keywords:   ExtractKeywords(content),
		Tags:       NormalizeSet(opts.Tags),
		References: NormalizeSet(opts.References),
		Metadata:   metadata,
		Redacted:   redacted,
	}
	sealBlock(&block)

	if err := insertBlock(tx, block); err != nil {
		return AppendResult{}, fmt.Errorf("inserting block: %w", storage.WrapWriteError(err))
	}

	if err := advanceHead(tx, chain, block); err != nil {
		return AppendResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return AppendResult{}, fmt.Errorf("committing append: %w", err)
	}

	if opts.ForceCheckpoint || block.Height%w.interval == 0 {
		if err := w.summarizer.Checkpoint(chainID, block.Height); err != nil {
			// The block is committed; a missed checkpoint is retryable via a
			// forced checkpoint and must not fail the append.
			w.logger.Warn("checkpoint failed", "chain_id", chainID, "height", block.Height, "error", err)
		}
	}

	return AppendResult{
		BlockID:    block.BlockID,
		Height:     block.Height,
		HeaderHash: block.HeaderHash,
		Redacted:   block.Redacted,
	}, nil
}

// newBlockID returns a lowercase ULID. Lowercased so block ids can be used
// verbatim in the normalized references set of later blocks.
func newBlockID() string {
	return strings.ToLower(ulid.Make().String())
}

// normalizeMetadata forces metadata through a JSON round trip before hashing.
// Verification re-reads metadata from stored JSON, where every number decodes
// as float64; hashing the caller's raw Go values (int, int64, custom types)
// would canonicalize differently and break the append-verify round trip.
func normalizeMetadata(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// sealBlock fills in ContentHash and HeaderHash from the block's other fields.
func sealBlock(b *storage.Block) {
	b.ContentHash = HashText(b.Content)
	b.HeaderHash = HeaderHash(Header{
		ChainID:     b.ChainID,
		Height:      b.Height,
		Timestamp:   b.Timestamp,
		Role:        b.Role,
		AuthorID:    b.AuthorID,
		ContentHash: b.ContentHash,
		PrevHash:    b.PrevHash,
		Keywords:    b.Keywords,
		Tags:        b.Tags,
		References:  b.References,
		Metadata:    b.Metadata,
		Redacted:    b.Redacted,
	})
}

func chainForUpdate(tx *sql.Tx, chainID string) (storage.Chain, error) {
	var c storage.Chain
	var createdAt string
	err := tx.QueryRow(`
		SELECT chain_id, created_at, genesis_hash, head_hash, head_height
		FROM chains WHERE chain_id = ?`, chainID,
	).Scan(&c.ChainID, &createdAt, &c.GenesisHash, &c.HeadHash, &c.HeadHeight)
	if err == sql.ErrNoRows {
		return storage.Chain{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Chain{}, fmt.Errorf("reading chain head: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return storage.Chain{}, fmt.Errorf("parsing chain created_at: %w", err)
	}
	c.CreatedAt = t
	return c, nil
}

// createChain inserts a chain row and its genesis block inside the caller's
// transaction. The chain primary key makes double-genesis impossible.
func createChain(tx *sql.Tx, chainID string, now time.Time) (storage.Chain, error) {
	genesis := storage.Block{
		BlockID:    newBlockID(),
		ChainID:    chainID,
		Height:     0,
		Timestamp:  now,
		Role:       "system",
		Content:    genesisContent,
		Keywords:   []string{"genesis"},
		Tags:       []string{"genesis"},
		References: []string{},
	}
	sealBlock(&genesis)

	if _, err := tx.Exec(`
		INSERT INTO chains (chain_id, created_at, genesis_hash, head_hash, head_height)
		VALUES (?, ?, ?, ?, 0)`,
		chainID, now.Format(time.RFC3339Nano), genesis.HeaderHash, genesis.HeaderHash,
	); err != nil {
		return storage.Chain{}, fmt.Errorf("creating chain: %w", err)
	}
	if err := insertBlock(tx, genesis); err != nil {
		return storage.Chain{}, fmt.Errorf("inserting genesis block: %w", err)
	}

	return storage.Chain{
		ChainID:     chainID,
		CreatedAt:   now,
		GenesisHash: genesis.HeaderHash,
		HeadHash:    genesis.HeaderHash,
		HeadHeight:  0,
	}, nil
}

func insertBlock(tx *sql.Tx, b storage.Block) error {
	keywords, err := json.Marshal(b.Keywords)
	if err != nil {
		return fmt.Errorf("encoding keywords: %w", err)
	}
	tags, err := json.Marshal(b.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}
	refs, err := json.Marshal(b.References)
	if err != nil {
		return fmt.Errorf("encoding references: %w", err)
	}
	var metadata any
	if b.Metadata != nil {
		raw, err := json.Marshal(b.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata: %w", err)
		}
		metadata = string(raw)
	}
	var authorID any
	if b.AuthorID != "" {
		authorID = b.AuthorID
	}
	var prevHash any
	if b.PrevHash != "" {
		prevHash = b.PrevHash
	}

	if _, err := tx.Exec(`
		INSERT INTO blocks (block_id, chain_id, height, timestamp, role, author_id,
			content, content_hash, prev_hash, header_hash, keywords, tags, refs, metadata, redacted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.BlockID, b.ChainID, b.Height, b.Timestamp.UTC().Format(time.RFC3339Nano), b.Role, authorID,
		b.Content, b.ContentHash, prevHash, b.HeaderHash, string(keywords), string(tags), string(refs), metadata, boolToInt(b.Redacted),
	); err != nil {
		return err
	}

	for _, kw := range b.Keywords {
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO block_keywords (block_id, chain_id, keyword) VALUES (?, ?, ?)`,
			b.BlockID, b.ChainID, kw,
		); err != nil {
			return fmt.Errorf("inserting keyword %q: %w", kw, err)
		}
	}
	return nil
}

// advanceHead moves the chain head to the new block, guarding against a
// concurrent head move (which the caller contract forbids, but the guard
// turns a protocol violation into an error instead of a fork).
func advanceHead(tx *sql.Tx, chain storage.Chain, b storage.Block) error {
	res, err := tx.Exec(`
		UPDATE chains SET head_hash = ?, head_height = ?
		WHERE chain_id = ? AND head_height = ?`,
		b.HeaderHash, b.Height, chain.ChainID, chain.HeadHeight,
	)
	if err != nil {
		return fmt.Errorf("advancing chain head: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("chain %s head moved during append (concurrent writer?)", chain.ChainID)
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
