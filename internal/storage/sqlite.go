package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the chain ledger, its keyword index,
// summaries, memory items, and the background job queue.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "mnemo.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// WAL keeps readers off the writer's back during appends.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for sibling packages that own their own
// SQL (ledger writer transactions, vector scans).
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't
// been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in
// ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// WrapWriteError maps trigger-raised append-only violations onto ErrImmutable
// so callers can classify them without string matching.
func WrapWriteError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "append-only") {
		return fmt.Errorf("%w: %v", ErrImmutable, err)
	}
	return err
}

// --- Chains ---

func (s *Store) GetChain(chainID string) (Chain, error) {
	var c Chain
	var createdAt string
	err := s.db.QueryRow(`
		SELECT chain_id, created_at, genesis_hash, head_hash, head_height
		FROM chains WHERE chain_id = ?`, chainID,
	).Scan(&c.ChainID, &createdAt, &c.GenesisHash, &c.HeadHash, &c.HeadHeight)
	if err == sql.ErrNoRows {
		return Chain{}, ErrNotFound
	}
	if err != nil {
		return Chain{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Chain{}, fmt.Errorf("parsing created_at: %w", err)
	}
	c.CreatedAt = t
	return c, nil
}

func (s *Store) ListChains() ([]Chain, error) {
	rows, err := s.db.Query(`
		SELECT chain_id, created_at, genesis_hash, head_hash, head_height
		FROM chains ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chains []Chain
	for rows.Next() {
		var c Chain
		var createdAt string
		if err := rows.Scan(&c.ChainID, &createdAt, &c.GenesisHash, &c.HeadHash, &c.HeadHeight); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		c.CreatedAt = t
		chains = append(chains, c)
	}
	return chains, rows.Err()
}

// --- Blocks ---

const blockColumns = `b.block_id, b.chain_id, b.height, b.timestamp, b.role, b.author_id,
	b.content, b.content_hash, b.prev_hash, b.header_hash, b.keywords, b.tags, b.refs, b.metadata, b.redacted`

type blockScanner interface {
	Scan(dest ...any) error
}

// blockFields collects scan targets for blockColumns; decode() finishes the
// conversion into the Block.
type blockFields struct {
	timestamp, keywords, tags, refs string
	authorID, prevHash, metadata    sql.NullString
	redacted                        int
}

func (f *blockFields) targets(b *Block) []any {
	return []any{&b.BlockID, &b.ChainID, &b.Height, &f.timestamp, &b.Role, &f.authorID,
		&b.Content, &b.ContentHash, &f.prevHash, &b.HeaderHash, &f.keywords, &f.tags, &f.refs, &f.metadata, &f.redacted}
}

func (f *blockFields) decode(b *Block) error {
	t, err := time.Parse(time.RFC3339Nano, f.timestamp)
	if err != nil {
		return fmt.Errorf("parsing timestamp for block %s: %w", b.BlockID, err)
	}
	b.Timestamp = t
	b.AuthorID = f.authorID.String
	b.PrevHash = f.prevHash.String
	b.Redacted = f.redacted != 0
	if err := json.Unmarshal([]byte(f.keywords), &b.Keywords); err != nil {
		return fmt.Errorf("decoding keywords for block %s: %w", b.BlockID, err)
	}
	if err := json.Unmarshal([]byte(f.tags), &b.Tags); err != nil {
		return fmt.Errorf("decoding tags for block %s: %w", b.BlockID, err)
	}
	if err := json.Unmarshal([]byte(f.refs), &b.References); err != nil {
		return fmt.Errorf("decoding references for block %s: %w", b.BlockID, err)
	}
	if f.metadata.Valid && f.metadata.String != "" {
		if err := json.Unmarshal([]byte(f.metadata.String), &b.Metadata); err != nil {
			return fmt.Errorf("decoding metadata for block %s: %w", b.BlockID, err)
		}
	}
	return nil
}

func scanBlock(row blockScanner) (Block, error) {
	var b Block
	var f blockFields
	if err := row.Scan(f.targets(&b)...); err != nil {
		return Block{}, err
	}
	if err := f.decode(&b); err != nil {
		return Block{}, err
	}
	return b, nil
}

func (s *Store) GetBlock(blockID string) (Block, error) {
	row := s.db.QueryRow(`SELECT `+blockColumns+` FROM blocks b WHERE b.block_id = ?`, blockID)
	b, err := scanBlock(row)
	if err == sql.ErrNoRows {
		return Block{}, ErrNotFound
	}
	return b, err
}

func (s *Store) GetBlockAt(chainID string, height int64) (Block, error) {
	row := s.db.QueryRow(`SELECT `+blockColumns+` FROM blocks b WHERE b.chain_id = ? AND b.height = ?`, chainID, height)
	b, err := scanBlock(row)
	if err == sql.ErrNoRows {
		return Block{}, ErrNotFound
	}
	return b, err
}

// ListBlocks returns blocks for a chain in ascending height order.
// limit <= 0 returns all blocks.
func (s *Store) ListBlocks(chainID string, limit int) ([]Block, error) {
	query := `SELECT ` + blockColumns + ` FROM blocks b WHERE b.chain_id = ? ORDER BY b.height ASC`
	args := []any{chainID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blocks []Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// RecentBlocksByRole returns the most recent `limit` blocks with one of the
// given roles at or below upToHeight, in ascending height order. Used by the
// summarizer.
func (s *Store) RecentBlocksByRole(chainID string, roles []string, upToHeight int64, limit int) ([]Block, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat(",?", len(roles)-1)
	query := `SELECT ` + blockColumns + ` FROM blocks b
		WHERE b.chain_id = ? AND b.height <= ? AND b.role IN (?` + placeholders + `)
		ORDER BY b.height DESC LIMIT ?`

	args := make([]any, 0, len(roles)+3)
	args = append(args, chainID, upToHeight)
	for _, r := range roles {
		args = append(args, r)
	}
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blocks []Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query returned newest-first; flip to chain order.
	for i, j := 0, len(blocks)-1; i < j; i, j = i+1, j-1 {
		blocks[i], blocks[j] = blocks[j], blocks[i]
	}
	return blocks, nil
}

// KeywordHit is a block with its keyword overlap count against a query set.
type KeywordHit struct {
	Block
	Matches int
}

// BlocksByKeywords returns blocks on the chain matching at least one of the
// given keywords, with overlap counts, most-matched first. A zero `since`
// disables the recency filter.
func (s *Store) BlocksByKeywords(chainID string, keywords []string, since time.Time) ([]KeywordHit, error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat(",?", len(keywords)-1)
	query := `SELECT ` + blockColumns + `, COUNT(k.keyword) AS matches
		FROM blocks b
		JOIN block_keywords k ON k.block_id = b.block_id
		WHERE b.chain_id = ? AND k.keyword IN (?` + placeholders + `)`

	args := make([]any, 0, len(keywords)+2)
	args = append(args, chainID)
	for _, kw := range keywords {
		args = append(args, kw)
	}
	if !since.IsZero() {
		query += ` AND b.timestamp >= ?`
		args = append(args, since.UTC().Format(time.RFC3339Nano))
	}
	query += ` GROUP BY b.block_id ORDER BY matches DESC, b.height DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []KeywordHit
	for rows.Next() {
		var h KeywordHit
		var f blockFields
		targets := append(f.targets(&h.Block), &h.Matches)
		if err := rows.Scan(targets...); err != nil {
			return nil, err
		}
		if err := f.decode(&h.Block); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// --- Summaries ---

// InsertSummary writes one checkpoint row. Idempotent per
// (chain_id, up_to_height): re-inserting the same checkpoint is a no-op, and
// the append-only triggers forbid replacing an existing one.
func (s *Store) InsertSummary(sum Summary) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO summaries (chain_id, up_to_height, summary_text, summary_hash, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sum.ChainID, sum.UpToHeight, sum.Text, sum.Hash,
		sum.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return WrapWriteError(err)
}

func (s *Store) GetSummary(chainID string, upToHeight int64) (Summary, error) {
	var sum Summary
	var createdAt string
	err := s.db.QueryRow(`
		SELECT chain_id, up_to_height, summary_text, summary_hash, created_at
		FROM summaries WHERE chain_id = ? AND up_to_height = ?`, chainID, upToHeight,
	).Scan(&sum.ChainID, &sum.UpToHeight, &sum.Text, &sum.Hash, &createdAt)
	if err == sql.ErrNoRows {
		return Summary{}, ErrNotFound
	}
	if err != nil {
		return Summary{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Summary{}, fmt.Errorf("parsing created_at: %w", err)
	}
	sum.CreatedAt = t
	return sum, nil
}

// ListSummaries returns all checkpoints for a chain in ascending height order.
func (s *Store) ListSummaries(chainID string) ([]Summary, error) {
	rows, err := s.db.Query(`
		SELECT chain_id, up_to_height, summary_text, summary_hash, created_at
		FROM summaries WHERE chain_id = ? ORDER BY up_to_height ASC`, chainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sums []Summary
	for rows.Next() {
		var sum Summary
		var createdAt string
		if err := rows.Scan(&sum.ChainID, &sum.UpToHeight, &sum.Text, &sum.Hash, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		sum.CreatedAt = t
		sums = append(sums, sum)
	}
	return sums, rows.Err()
}

// --- Jobs ---

func (s *Store) EnqueueJob(job Job) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]any, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRow(query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}

	if err != nil {
		return err
	}

	return tx.Commit()
}
